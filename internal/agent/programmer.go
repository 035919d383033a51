package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/mudler/xlog"

	"research_agent/internal/llm"
	"research_agent/internal/prompt"
)

const ErrorPrefix = "An error occurred:"

type CodeRunner interface {
	Run(ctx context.Context, code string) (string, error)
}

type Programmer struct {
	llm    llm.Client
	runner CodeRunner
}

func NewProgrammer(client llm.Client, runner CodeRunner) *Programmer {
	return &Programmer{llm: client, runner: runner}
}

// Run has the model write a program for the task and executes it.
// Execution failures are returned as text prefixed with ErrorPrefix; only model failures are errors.
func (p *Programmer) Run(ctx context.Context, task string, memoryContext string) (string, error) {
	text, err := prompt.Render(prompt.Programmer, prompt.ProgrammerData{Task: task, Context: memoryContext})
	if err != nil {
		return "", err
	}
	code, err := p.llm.Complete(ctx, llm.Request{Prompt: text})
	if err != nil {
		return "", fmt.Errorf("programmer completion: %w", err)
	}

	output, err := p.runner.Run(ctx, code)
	if err != nil {
		xlog.Warn("programmer execution failed", "task", task, "error", err)
		return fmt.Sprintf("%s %v", ErrorPrefix, err), nil
	}
	if strings.TrimSpace(output) == "" {
		return "Program finished with no output.", nil
	}
	return output, nil
}
