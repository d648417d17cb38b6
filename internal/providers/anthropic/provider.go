// Package anthropic adapts the Anthropic API to the router's provider
// interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-router/internal/providers"
	"github.com/tributary-ai/model-router/internal/types"
)

const (
	providerName = "anthropic"

	// Cheapest model, used only for probing.
	probeModel = "claude-3-haiku-20240307"

	defaultMaxTokens = 4096
)

// Config holds Anthropic-specific settings.
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Provider drives Anthropic Claude models.
type Provider struct {
	client *anthropic.Client
	logger *logrus.Logger
}

// New builds the adapter.
func New(cfg *Config, logger *logrus.Logger) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := anthropic.NewClient(opts...)
	return &Provider{client: &client, logger: logger}
}

// Name implements providers.Adapter.
func (p *Provider) Name() string { return providerName }

// Generate implements providers.Adapter.
func (p *Provider) Generate(ctx context.Context, model string, turns []types.Turn) (*types.Generation, error) {
	params, err := buildParams(model, turns)
	if err != nil {
		return nil, types.NewProviderError(providerName, model, types.KindMalformedResponse, err)
	}

	resp, err := p.client.Messages.New(ctx, *params)
	if err != nil {
		return nil, p.classify(model, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, types.NewProviderError(providerName, model, types.KindMalformedResponse,
			fmt.Errorf("message returned no text content"))
	}

	return &types.Generation{
		Text:         text.String(),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// Probe implements providers.Adapter with a single-token message against
// the cheapest model.
func (p *Provider) Probe(ctx context.Context) error {
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: anthropic.Model(probeModel),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("anthropic probe failed: %w", err)
	}
	return nil
}

// buildParams converts normalized turns into message params. System turns
// are hoisted into the dedicated system field.
func buildParams(model string, turns []types.Turn) (*anthropic.MessageNewParams, error) {
	var system string
	messages := make([]anthropic.MessageParam, 0, len(turns))

	for _, turn := range turns {
		switch turn.Role {
		case "system":
			system = turn.Content
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		default:
			return nil, fmt.Errorf("unsupported message role %q", turn.Role)
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("conversation has no user or assistant turns")
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}
	return params, nil
}

// classify maps SDK errors onto the failover taxonomy.
func (p *Provider) classify(model string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewProviderError(providerName, model, types.KindTimeout, err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return types.NewProviderError(providerName, model,
			providers.KindForStatus(apiErr.StatusCode), err)
	}

	return types.NewProviderError(providerName, model, types.KindUnavailable, err)
}
