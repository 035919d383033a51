package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/tools"
)

const ToolName = "web_search"

var _ tools.Tool = (*Tool)(nil)

// Tool exposes a Searcher as the single web search action available to the researcher.
type Tool struct {
	searcher Searcher
	timeout  time.Duration
}

func NewTool(searcher Searcher, timeout time.Duration) *Tool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Tool{searcher: searcher, timeout: timeout}
}

func (t *Tool) Name() string {
	return ToolName
}

func (t *Tool) Description() string {
	return "Searches the web for current information. Input is a plain-text search query."
}

func (t *Tool) Call(ctx context.Context, input string) (string, error) {
	query := strings.Trim(strings.TrimSpace(input), `"`)
	if query == "" {
		return "", fmt.Errorf("empty search query")
	}
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	resp, err := t.searcher.Search(callCtx, query)
	if err != nil {
		return "", err
	}
	return resp.Format(), nil
}
