package search

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"mvdan.cc/xurls/v2"

	"research_agent/internal/config"
)

type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer,omitempty"`
	Results []Result `json:"results"`
	// Raw is the backend's own text rendering; when set it is the observation and Results only carry URLs.
	Raw string `json:"raw,omitempty"`
}

type Searcher interface {
	Search(ctx context.Context, query string) (Response, error)
}

func New(cfg config.SearchConfig) (Searcher, error) {
	switch cfg.Provider {
	case config.SearchTavily:
		return NewTavily(TavilyConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			SearchDepth: cfg.SearchDepth,
			MaxResults:  cfg.MaxResults,
			Client:      &http.Client{Timeout: cfg.Timeout()},
		})
	case config.SearchDuckDuckGo:
		return NewDuckDuckGo(cfg.MaxResults)
	default:
		return nil, fmt.Errorf("unsupported search provider %q", cfg.Provider)
	}
}

// Format renders the response as a plain-text observation.
func (r Response) Format() string {
	if raw := strings.TrimSpace(r.Raw); raw != "" {
		return raw
	}
	var b strings.Builder
	if r.Answer != "" {
		fmt.Fprintf(&b, "Answer: %s\n\n", r.Answer)
	}
	for i, res := range r.Results {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(res.Title))
		if res.URL != "" {
			fmt.Fprintf(&b, "URL: %s\n", res.URL)
		}
		if content := strings.TrimSpace(res.Content); content != "" {
			fmt.Fprintf(&b, "%s\n", content)
		}
		b.WriteString("\n")
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "No results found."
	}
	return out
}

// SourceURLs extracts the distinct URLs mentioned in text, unwrapping DuckDuckGo redirect links.
func SourceURLs(text string) []string {
	rxStrict := xurls.Strict()
	seen := map[string]struct{}{}
	var urls []string
	for _, u := range rxStrict.FindAllString(text, -1) {
		u = strings.ReplaceAll(u, "//duckduckgo.com/l/?uddg=", "")
		u = strings.Split(u, "&rut=")[0]
		u = strings.TrimRight(u, ".,;)")
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}
