package agent

import (
	"context"
	"fmt"

	"research_agent/internal/llm"
	"research_agent/internal/prompt"
)

type Writer struct {
	llm llm.Client
}

func NewWriter(client llm.Client) *Writer {
	return &Writer{llm: client}
}

// Run turns research text into a Markdown report in a single completion.
func (w *Writer) Run(ctx context.Context, task string, research string) (string, error) {
	text, err := prompt.Render(prompt.Writer, prompt.WriterData{Task: task, Research: research})
	if err != nil {
		return "", err
	}
	report, err := w.llm.Complete(ctx, llm.Request{Prompt: text})
	if err != nil {
		return "", fmt.Errorf("writer completion: %w", err)
	}
	return llm.StripFences(report), nil
}
