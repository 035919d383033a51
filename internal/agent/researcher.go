package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mudler/xlog"
	"github.com/tmc/langchaingo/tools"

	"research_agent/internal/llm"
	"research_agent/internal/prompt"
	"research_agent/internal/search"
)

const (
	defaultMaxIterations = 6
	defaultLLMTimeout    = 2 * time.Minute
	maxObservationChars  = 6000
)

type Termination string

const (
	TerminationAnswer          Termination = "answer"
	TerminationBudgetExhausted Termination = "budget_exhausted"
	TerminationError           Termination = "error"
)

var (
	finalAnswerPattern = regexp.MustCompile(`(?is)Final Answer\s*:\s*(.*)$`)
	actionPattern      = regexp.MustCompile(`(?im)^\s*Action\s*:\s*(.+?)\s*$`)
	actionInputPattern = regexp.MustCompile(`(?im)^\s*Action Input\s*:\s*(.+?)\s*$`)
)

// Research is the outcome of one researcher run.
type Research struct {
	Text        string
	Termination Termination
	Iterations  int
	Sources     []string
}

type ResearcherConfig struct {
	MaxIterations int
	LLMTimeout    time.Duration
}

// Researcher runs a bounded reason-and-act loop with a single search tool.
type Researcher struct {
	llm           llm.Client
	tool          tools.Tool
	maxIterations int
	llmTimeout    time.Duration
}

func NewResearcher(client llm.Client, tool tools.Tool, cfg ResearcherConfig) *Researcher {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	llmTimeout := cfg.LLMTimeout
	if llmTimeout <= 0 {
		llmTimeout = defaultLLMTimeout
	}
	return &Researcher{llm: client, tool: tool, maxIterations: maxIterations, llmTimeout: llmTimeout}
}

func (r *Researcher) Run(ctx context.Context, task string, memoryContext string) (Research, error) {
	var scratchpad strings.Builder
	var observations []string

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		text, err := prompt.Render(prompt.Researcher, prompt.ResearcherData{
			Task:            task,
			Context:         memoryContext,
			ToolName:        r.tool.Name(),
			ToolDescription: r.tool.Description(),
			MaxIterations:   r.maxIterations,
			Scratchpad:      scratchpad.String(),
		})
		if err != nil {
			return Research{Termination: TerminationError, Iterations: iteration}, err
		}

		output, err := r.complete(ctx, text)
		if err != nil {
			return Research{Termination: TerminationError, Iterations: iteration}, fmt.Errorf("researcher step %d: %w", iteration, err)
		}

		step := parseStep(output)
		if step.final {
			answer := strings.TrimSpace(step.answer)
			return Research{
				Text:        answer,
				Termination: TerminationAnswer,
				Iterations:  iteration,
				Sources:     search.SourceURLs(answer + "\n" + strings.Join(observations, "\n")),
			}, nil
		}

		observation := r.act(ctx, step)
		observations = append(observations, observation)
		xlog.Debug("researcher step", "iteration", iteration, "action", step.action, "input", step.input)

		scratchpad.WriteString(step.thought)
		scratchpad.WriteString("\nObservation: ")
		scratchpad.WriteString(observation)
		scratchpad.WriteString("\n")
	}

	xlog.Warn("researcher iteration budget exhausted", "task", task, "max_iterations", r.maxIterations)
	return Research{
		Text:        draftFromObservations(observations),
		Termination: TerminationBudgetExhausted,
		Iterations:  r.maxIterations,
		Sources:     search.SourceURLs(strings.Join(observations, "\n")),
	}, nil
}

func (r *Researcher) complete(ctx context.Context, text string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.llmTimeout)
	defer cancel()
	return r.llm.Complete(callCtx, llm.Request{Prompt: text})
}

func (r *Researcher) act(ctx context.Context, step reactStep) string {
	if !strings.EqualFold(step.action, r.tool.Name()) {
		return fmt.Sprintf("%q is not a valid tool, the only available tool is %s.", step.action, r.tool.Name())
	}
	result, err := r.tool.Call(ctx, step.input)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return "Search cancelled."
		}
		xlog.Warn("researcher search failed", "query", step.input, "error", err)
		return fmt.Sprintf("Search failed: %v", err)
	}
	return truncate(result, maxObservationChars)
}

type reactStep struct {
	thought string
	action  string
	input   string
	answer  string
	final   bool
}

// parseStep reads one model turn. Anything the model wrote after its own "Observation:" is discarded.
func parseStep(output string) reactStep {
	text := strings.TrimSpace(output)
	if idx := strings.Index(text, "\nObservation:"); idx >= 0 {
		text = text[:idx]
	}

	actionLoc := actionPattern.FindStringSubmatchIndex(text)
	finalLoc := finalAnswerPattern.FindStringSubmatchIndex(text)
	if finalLoc != nil && (actionLoc == nil || finalLoc[0] < actionLoc[0]) {
		return reactStep{final: true, answer: text[finalLoc[2]:finalLoc[3]]}
	}
	if actionLoc == nil {
		// Free-form text without the expected markers is taken as the answer.
		return reactStep{final: true, answer: text}
	}

	step := reactStep{thought: text, action: strings.TrimSpace(text[actionLoc[2]:actionLoc[3]])}
	if m := actionInputPattern.FindStringSubmatch(text); m != nil {
		step.input = strings.TrimSpace(m[1])
	}
	return step
}

func draftFromObservations(observations []string) string {
	var b strings.Builder
	b.WriteString("1. **Summary**: The research step limit was reached before a final answer was produced. The collected search results are listed below.\n\n")
	b.WriteString("2. **Raw Data**:\n")
	if len(observations) == 0 {
		b.WriteString("No data was collected.\n")
	}
	for i, obs := range observations {
		fmt.Fprintf(&b, "\n### Search %d\n%s\n", i+1, obs)
	}
	b.WriteString("\n3. **Source URLs**:\n")
	urls := search.SourceURLs(strings.Join(observations, "\n"))
	if len(urls) == 0 {
		b.WriteString("None.\n")
	}
	for _, u := range urls {
		fmt.Fprintf(&b, "- %s\n", u)
	}
	return strings.TrimSpace(b.String())
}

// truncate cuts value to at most max bytes without splitting a rune.
func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	for max > 0 && !utf8.RuneStart(value[max]) {
		max--
	}
	return value[:max] + "...(truncated)"
}
