package search

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/tools/duckduckgo"
)

type DuckDuckGo struct {
	tool *duckduckgo.Tool
}

func NewDuckDuckGo(maxResults int) (*DuckDuckGo, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	ddg, err := duckduckgo.New(maxResults, "research_agent")
	if err != nil {
		return nil, fmt.Errorf("create duckduckgo tool: %w", err)
	}
	return &DuckDuckGo{tool: ddg}, nil
}

func (d *DuckDuckGo) Search(ctx context.Context, query string) (Response, error) {
	raw, err := d.tool.Call(ctx, query)
	if err != nil {
		return Response{}, fmt.Errorf("duckduckgo search: %w", err)
	}
	out := Response{Query: query, Raw: raw}
	for _, u := range SourceURLs(raw) {
		out.Results = append(out.Results, Result{URL: u})
	}
	return out, nil
}
