package agent_test

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"research_agent/internal/agent"
	"research_agent/internal/llm"
	"research_agent/internal/sandbox"
)

type fakeSearchTool struct {
	queries []string
	result  string
	err     error
}

func (f *fakeSearchTool) Name() string        { return "web_search" }
func (f *fakeSearchTool) Description() string { return "searches the web" }
func (f *fakeSearchTool) Call(ctx context.Context, input string) (string, error) {
	f.queries = append(f.queries, input)
	return f.result, f.err
}

type fakeRunner struct {
	gotCode string
	output  string
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, code string) (string, error) {
	f.gotCode = code
	return f.output, f.err
}

// scripted returns the given responses in order, repeating the last one.
func scripted(responses ...string) *llm.MockClient {
	i := 0
	return &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (string, error) {
		out := responses[i]
		if i < len(responses)-1 {
			i++
		}
		return out, nil
	}}
}

var _ = Describe("Researcher", func() {
	var tool *fakeSearchTool

	BeforeEach(func() {
		tool = &fakeSearchTool{result: "[1] NREL\nURL: https://www.nrel.gov/pv\nRecord efficiency 47%."}
	})

	It("searches, observes and returns the final answer", func() {
		mock := scripted(
			"Thought: I need data\nAction: web_search\nAction Input: solar panel efficiency 2024",
			"Thought: I now know the final answer\nFinal Answer: 1. **Summary**: Panels are efficient.\n3. **Source URLs**: https://www.nrel.gov/pv",
		)
		researcher := agent.NewResearcher(mock, tool, agent.ResearcherConfig{MaxIterations: 4})

		res, err := researcher.Run(context.Background(), "find efficiency data", "No recent memory entries found.")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Termination).To(Equal(agent.TerminationAnswer))
		Expect(res.Iterations).To(Equal(2))
		Expect(res.Text).To(HavePrefix("1. **Summary**"))
		Expect(res.Sources).To(ContainElement("https://www.nrel.gov/pv"))
		Expect(tool.queries).To(Equal([]string{"solar panel efficiency 2024"}))

		requests := mock.Requests()
		Expect(requests).To(HaveLen(2))
		Expect(requests[0].Prompt).To(ContainSubstring("No recent memory entries found."))
		Expect(requests[1].Prompt).To(ContainSubstring("Observation: [1] NREL"))
	})

	It("truncates long observations on a rune boundary", func() {
		tool.result = "a" + strings.Repeat("é", 3500)
		mock := scripted(
			"Thought: I need data\nAction: web_search\nAction Input: efficiency",
			"Final Answer: done",
		)
		researcher := agent.NewResearcher(mock, tool, agent.ResearcherConfig{MaxIterations: 3})

		_, err := researcher.Run(context.Background(), "find efficiency data", "")
		Expect(err).ToNot(HaveOccurred())
		prompt := mock.Requests()[1].Prompt
		Expect(utf8.ValidString(prompt)).To(BeTrue())
		Expect(prompt).To(ContainSubstring("a" + strings.Repeat("é", 2999) + "...(truncated)"))
	})

	It("discards observations hallucinated by the model", func() {
		mock := scripted(
			"Thought: search\nAction: web_search\nAction Input: q\nObservation: made up\nFinal Answer: fake",
			"Final Answer: real answer",
		)
		researcher := agent.NewResearcher(mock, tool, agent.ResearcherConfig{})

		res, err := researcher.Run(context.Background(), "task", "ctx")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Text).To(Equal("real answer"))
		Expect(tool.queries).To(HaveLen(1))
	})

	It("stops at the iteration budget and returns a draft", func() {
		mock := scripted("Thought: more\nAction: web_search\nAction Input: again")
		researcher := agent.NewResearcher(mock, tool, agent.ResearcherConfig{MaxIterations: 3})

		res, err := researcher.Run(context.Background(), "task", "ctx")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Termination).To(Equal(agent.TerminationBudgetExhausted))
		Expect(res.Iterations).To(Equal(3))
		Expect(tool.queries).To(HaveLen(3))
		Expect(res.Text).To(ContainSubstring("**Summary**"))
		Expect(res.Text).To(ContainSubstring("https://www.nrel.gov/pv"))
	})

	It("feeds search failures and unknown tools back as observations", func() {
		tool.err = errors.New("rate limited")
		mock := scripted(
			"Action: calculator\nAction Input: 1+1",
			"Action: web_search\nAction Input: q",
			"Final Answer: done",
		)
		researcher := agent.NewResearcher(mock, tool, agent.ResearcherConfig{})

		res, err := researcher.Run(context.Background(), "task", "ctx")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Text).To(Equal("done"))
		requests := mock.Requests()
		Expect(requests[1].Prompt).To(ContainSubstring(`"calculator" is not a valid tool`))
		Expect(requests[2].Prompt).To(ContainSubstring("Search failed: rate limited"))
	})

	It("treats plain text without markers as the answer", func() {
		researcher := agent.NewResearcher(scripted("Solar is growing."), tool, agent.ResearcherConfig{})
		res, err := researcher.Run(context.Background(), "task", "ctx")
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Termination).To(Equal(agent.TerminationAnswer))
		Expect(res.Text).To(Equal("Solar is growing."))
	})

	It("reports model errors with the error termination", func() {
		mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (string, error) {
			return "", errors.New("connection refused")
		}}
		researcher := agent.NewResearcher(mock, tool, agent.ResearcherConfig{})

		res, err := researcher.Run(context.Background(), "task", "ctx")
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
		Expect(res.Termination).To(Equal(agent.TerminationError))
	})

	It("bounds each model call with a timeout", func() {
		mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}}
		researcher := agent.NewResearcher(mock, tool, agent.ResearcherConfig{LLMTimeout: 20 * time.Millisecond})

		_, err := researcher.Run(context.Background(), "task", "ctx")
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
	})
})

var _ = Describe("Writer", func() {
	It("renders the task and research into the prompt and strips fences", func() {
		mock := scripted("```markdown\n# Solar Report\n\nBody\n```")
		writer := agent.NewWriter(mock)

		report, err := writer.Run(context.Background(), "market overview", "research notes")
		Expect(err).ToNot(HaveOccurred())
		Expect(report).To(Equal("# Solar Report\n\nBody"))
		Expect(mock.Requests()[0].Prompt).To(ContainSubstring("research notes"))
		Expect(mock.Requests()[0].JSON).To(BeFalse())
	})
})

var _ = Describe("Critic", func() {
	It("requests JSON output and returns the raw text", func() {
		mock := scripted(`{"tasks":[{"agent":"Writer","description":"tighten intro","tools":[]}]}`)
		critic := agent.NewCritic(mock)

		out, err := critic.Run(context.Background(), "# Report")
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(ContainSubstring("tighten intro"))
		Expect(mock.Requests()[0].JSON).To(BeTrue())
		Expect(mock.Requests()[0].Prompt).To(ContainSubstring("# Report"))
	})
})

var _ = Describe("Programmer", func() {
	It("passes the generated code verbatim to the runner", func() {
		code := "```go\npackage main\nfunc main() {}\n```"
		runner := &fakeRunner{output: "42\n"}
		programmer := agent.NewProgrammer(scripted(code), runner)

		out, err := programmer.Run(context.Background(), "compute", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal("42\n"))
		Expect(runner.gotCode).To(Equal(code))
	})

	It("converts sandbox failures into an error string", func() {
		invalid := "package main\n\nfunc main() { this is not go }"
		programmer := agent.NewProgrammer(scripted(invalid), sandbox.New(sandbox.Config{Timeout: 5 * time.Second}))

		out, err := programmer.Run(context.Background(), "compute", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(HavePrefix("An error occurred:"))
	})

	It("runs valid programs in the sandbox", func() {
		valid := "```go\npackage main\n\nimport \"fmt\"\n\nfunc main() { fmt.Println(6 * 7) }\n```"
		programmer := agent.NewProgrammer(scripted(valid), sandbox.New(sandbox.Config{Timeout: 5 * time.Second}))

		out, err := programmer.Run(context.Background(), "compute", "")
		Expect(err).ToNot(HaveOccurred())
		Expect(strings.TrimSpace(out)).To(Equal("42"))
	})

	It("returns model failures as errors", func() {
		mock := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (string, error) {
			return "", errors.New("model offline")
		}}
		programmer := agent.NewProgrammer(mock, &fakeRunner{})

		_, err := programmer.Run(context.Background(), "compute", "")
		Expect(err).To(HaveOccurred())
	})
})
