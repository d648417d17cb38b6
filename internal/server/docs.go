package server

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	yaml "gopkg.in/yaml.v2"
)

// openapiSpec is the API contract, embedded so the binary is
// self-contained. The same bytes feed the request validator.
//
//go:embed openapi.yaml
var openapiSpec []byte

// OpenAPISpec returns the embedded contract for the validator.
func OpenAPISpec() []byte { return openapiSpec }

func (s *Server) setupDocsRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPISpec).Methods("GET")
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPISpec).Methods("GET")
	r.HandleFunc("/docs", s.handleDocsUI).Methods("GET")
	r.HandleFunc("/docs/", s.handleDocsUI).Methods("GET")
}

// handleOpenAPISpec serves the contract as YAML or, converted on the fly,
// as JSON.
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if !strings.HasSuffix(r.URL.Path, ".json") {
		w.Header().Set("Content-Type", "text/yaml")
		_, _ = w.Write(openapiSpec)
		return
	}

	var spec interface{}
	if err := yaml.Unmarshal(openapiSpec, &spec); err != nil {
		http.Error(w, "error parsing OpenAPI spec", http.StatusInternalServerError)
		return
	}

	jsonData, err := json.MarshalIndent(convertYAMLKeys(spec), "", "  ")
	if err != nil {
		http.Error(w, "error converting OpenAPI spec to JSON", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(jsonData)
}

// convertYAMLKeys rewrites yaml.v2's map[interface{}]interface{} values
// into map[string]interface{} so they survive json.Marshal.
func convertYAMLKeys(v interface{}) interface{} {
	switch value := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[fmt.Sprintf("%v", k)] = convertYAMLKeys(item)
		}
		return out
	case []interface{}:
		for i, item := range value {
			value[i] = convertYAMLKeys(item)
		}
		return value
	default:
		return value
	}
}

// handleDocsUI serves a minimal Swagger UI shell over the embedded spec.
func (s *Server) handleDocsUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")

	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Model Router - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
    <style>
        body { margin: 0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
    </style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '/docs/openapi.yaml',
                dom_id: '#swagger-ui',
                deepLinking: true,
                docExpansion: "list",
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`

	_, _ = w.Write([]byte(html))
}
