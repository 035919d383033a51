package llm

import (
	"context"
	"fmt"

	"research_agent/internal/config"
)

// Request is a single prompt sent to a model. JSON asks the backend for a JSON object response.
type Request struct {
	System string
	Prompt string
	JSON   bool
}

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// New builds the configured backend wrapped with retries and a per-call timeout.
func New(cfg config.LLMConfig) (Client, error) {
	var backend Client
	var err error
	switch cfg.Provider {
	case config.ProviderOllama, "":
		backend, err = NewOllama(OllamaConfig{
			Host:        cfg.Host,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout(),
		})
	case config.ProviderOpenAI:
		backend, err = NewOpenAI(OpenAIConfig{
			BaseURL:     cfg.Host,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout(),
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(backend, RetryConfig{
		Retries: cfg.MaxRetries,
		Backoff: cfg.RetryDelay(),
		Timeout: cfg.Timeout(),
	}), nil
}
