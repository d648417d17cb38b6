// Package openai adapts the OpenAI API to the router's provider interface.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-router/internal/providers"
	"github.com/tributary-ai/model-router/internal/types"
)

const providerName = "openai"

// Config holds OpenAI-specific settings.
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Provider drives OpenAI chat models.
type Provider struct {
	client *openai.Client
	logger *logrus.Logger
}

// New builds the adapter.
func New(cfg *Config, logger *logrus.Logger) *Provider {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger,
	}
}

// Name implements providers.Adapter.
func (p *Provider) Name() string { return providerName }

// Generate implements providers.Adapter.
func (p *Provider) Generate(ctx context.Context, model string, turns []types.Turn) (*types.Generation, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return nil, p.classify(model, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, types.NewProviderError(providerName, model, types.KindMalformedResponse,
			fmt.Errorf("completion returned no content"))
	}

	return &types.Generation{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Probe implements providers.Adapter with a models listing, the cheapest
// authenticated call the API offers.
func (p *Provider) Probe(ctx context.Context) error {
	models, err := p.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("openai probe failed: %w", err)
	}
	if len(models.Models) == 0 {
		return fmt.Errorf("openai probe: empty model list")
	}
	return nil
}

// classify maps SDK errors onto the failover taxonomy.
func (p *Provider) classify(model string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewProviderError(providerName, model, types.KindTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return types.NewProviderError(providerName, model,
			providers.KindForStatus(apiErr.HTTPStatusCode), err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return types.NewProviderError(providerName, model,
			providers.KindForStatus(reqErr.HTTPStatusCode), err)
	}

	return types.NewProviderError(providerName, model, types.KindUnavailable, err)
}
