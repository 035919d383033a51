package agent

import (
	"context"
	"fmt"

	"research_agent/internal/llm"
	"research_agent/internal/prompt"
)

type Critic struct {
	llm llm.Client
}

func NewCritic(client llm.Client) *Critic {
	return &Critic{llm: client}
}

// Run asks the model to review a report and returns its raw task-list JSON.
func (c *Critic) Run(ctx context.Context, report string) (string, error) {
	text, err := prompt.Render(prompt.Critic, prompt.CriticData{Report: report})
	if err != nil {
		return "", err
	}
	out, err := c.llm.Complete(ctx, llm.Request{Prompt: text, JSON: true})
	if err != nil {
		return "", fmt.Errorf("critic completion: %w", err)
	}
	return out, nil
}
