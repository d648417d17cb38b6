// Package middleware holds the HTTP middleware shared by the router's
// endpoints.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// ValidationConfig controls request validation against the OpenAPI
// contract.
type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Validator rejects requests that do not match the OpenAPI document before
// they reach a handler. Routes the document does not describe (metrics,
// docs, liveness) pass through untouched.
type Validator struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// NewValidator parses the embedded OpenAPI document and builds the request
// validator. A disabled validator is a no-op passthrough.
func NewValidator(cfg ValidationConfig, spec []byte, logger *logrus.Logger) (*Validator, error) {
	v := &Validator{logger: logger, enabled: cfg.Enabled}
	if !cfg.Enabled {
		logger.Info("Request validation disabled")
		return v, nil
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenAPI route index: %w", err)
	}

	v.router = router
	logger.Info("Request validation enabled")
	return v, nil
}

// Middleware returns the validating handler wrapper.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	if !v.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.validate(r); err != nil {
			v.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request failed contract validation")
			writeValidationError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Validator) validate(r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		// Undocumented routes are not this middleware's business.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
	}
	if len(body) > 0 {
		input.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := openapi3filter.ValidateRequest(context.Background(), input); err != nil {
		return err
	}

	// The handler reads the body again after validation consumed it.
	r.Body = io.NopCloser(bytes.NewReader(body))
	return nil
}

func writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": err.Error(),
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
		},
		"timestamp": time.Now().Unix(),
	})
}
