package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

type OllamaConfig struct {
	Host        string
	Model       string
	APIKey      string
	Temperature float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

type OllamaClient struct {
	client      *api.Client
	model       string
	temperature float64
}

func NewOllama(cfg OllamaConfig) (*OllamaClient, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("empty ollama host")
	}
	baseURL, err := url.ParseRequestURI(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
		if cfg.APIKey != "" {
			httpClient.Transport = &authTransport{base: http.DefaultTransport, apiKey: cfg.APIKey}
		}
	}
	return &OllamaClient{
		client:      api.NewClient(baseURL, httpClient),
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

func (c *OllamaClient) Complete(ctx context.Context, req Request) (string, error) {
	var messages []api.Message
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options:  map[string]any{},
	}
	if c.temperature > 0 {
		chatReq.Options["temperature"] = c.temperature
	}
	if req.JSON {
		chatReq.Format = json.RawMessage(`"json"`)
	}

	var out strings.Builder
	err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("ollama chat: empty response")
	}
	return text, nil
}

type authTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.apiKey)
	return t.base.RoundTrip(clone)
}
