package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTavilyURL         = "https://api.tavily.com"
	maxHTTPErrorBodyReadSize = 64 * 1024
)

type TavilyConfig struct {
	BaseURL     string
	APIKey      string
	SearchDepth string
	MaxResults  int
	Client      *http.Client
}

type Tavily struct {
	endpoint    string
	apiKey      string
	searchDepth string
	maxResults  int
	client      *http.Client
}

func NewTavily(cfg TavilyConfig) (*Tavily, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("empty tavily api key")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultTavilyURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid tavily url %q: %w", base, err)
	}
	depth := cfg.SearchDepth
	if depth == "" {
		depth = "advanced"
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Tavily{
		endpoint:    strings.TrimRight(base, "/") + "/search",
		apiKey:      apiKey,
		searchDepth: depth,
		maxResults:  maxResults,
		client:      client,
	}, nil
}

func (t *Tavily) Search(ctx context.Context, query string) (Response, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:        t.apiKey,
		Query:         query,
		SearchDepth:   t.searchDepth,
		MaxResults:    t.maxResults,
		IncludeAnswer: true,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal tavily request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create tavily request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("tavily request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return Response{}, fmt.Errorf("tavily status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return Response{}, StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var decoded tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{}, fmt.Errorf("decode tavily response: %w", err)
	}
	out := Response{Query: query, Answer: decoded.Answer, Results: make([]Result, 0, len(decoded.Results))}
	for _, r := range decoded.Results {
		out.Results = append(out.Results, Result{Title: r.Title, URL: r.URL, Content: r.Content, Score: r.Score})
	}
	return out, nil
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("search api status=%d", e.StatusCode)
	}
	return fmt.Sprintf("search api status=%d body=%s", e.StatusCode, e.Body)
}

type tavilyRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type tavilyResponse struct {
	Answer  string         `json:"answer"`
	Results []tavilyResult `json:"results"`
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}
