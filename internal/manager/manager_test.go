package manager_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"research_agent/internal/agent"
	"research_agent/internal/domain"
	"research_agent/internal/llm"
	"research_agent/internal/manager"
	"research_agent/internal/memory"
	"research_agent/internal/messaging/inproc"
	"research_agent/internal/sandbox"
	"research_agent/internal/store/sqlite"
)

type fakeResearcher struct {
	run func(ctx context.Context, task, memoryContext string) (agent.Research, error)
}

func (f *fakeResearcher) Run(ctx context.Context, task, memoryContext string) (agent.Research, error) {
	return f.run(ctx, task, memoryContext)
}

type fakeWriter struct {
	gotResearch string
}

func (f *fakeWriter) Run(ctx context.Context, task, research string) (string, error) {
	f.gotResearch = research
	return "# Report on " + task, nil
}

type fakeCritic struct {
	out string
}

func (f *fakeCritic) Run(ctx context.Context, report string) (string, error) {
	return f.out, nil
}

type fakeSearchTool struct{}

func (fakeSearchTool) Name() string        { return "web_search" }
func (fakeSearchTool) Description() string { return "searches the web" }
func (fakeSearchTool) Call(ctx context.Context, input string) (string, error) {
	return "Solar installations grew 30% (https://example.com/solar)", nil
}

func jsonLLM(out string) *llm.MockClient {
	return &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (string, error) {
		return out, nil
	}}
}

var _ = Describe("Manager", func() {
	var (
		ctx        context.Context
		store      *sqlite.Store
		mem        *memory.Store
		researcher *fakeResearcher
		writer     *fakeWriter
		critic     *fakeCritic
	)

	newManager := func(client llm.Client, mutate ...func(*manager.Config)) *manager.Manager {
		cfg := manager.Config{
			LLM:        client,
			Store:      store,
			Memory:     mem,
			Researcher: researcher,
			Writer:     writer,
			Critic:     critic,
			Programmer: agent.NewProgrammer(jsonLLM("package main\n\nfunc main() { this is not go }"), sandbox.New(sandbox.Config{Timeout: 5 * time.Second})),
		}
		for _, fn := range mutate {
			fn(&cfg)
		}
		m, err := manager.New(cfg)
		Expect(err).ToNot(HaveOccurred())
		return m
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		store, err = sqlite.Open(filepath.Join(GinkgoT().TempDir(), "manager.db"))
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Migrate(ctx)).To(Succeed())
		mem = memory.New(store, 10)
		researcher = &fakeResearcher{run: func(ctx context.Context, task, memoryContext string) (agent.Research, error) {
			return agent.Research{Text: "findings for " + task, Termination: agent.TerminationAnswer}, nil
		}}
		writer = &fakeWriter{}
		critic = &fakeCritic{out: `{"tasks": []}`}
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	Describe("Decompose", func() {
		It("returns an empty list when the tasks key is missing", func() {
			m := newManager(jsonLLM(`{"plan": "nothing"}`))
			specs, err := m.Decompose(ctx, "Topic: x\nGoal: y")
			Expect(err).ToNot(HaveOccurred())
			Expect(specs).ToNot(BeNil())
			Expect(specs).To(BeEmpty())
		})

		It("propagates malformed output as a typed error", func() {
			m := newManager(jsonLLM("I cannot help with that"))
			_, err := m.Decompose(ctx, "q")
			var malformed *llm.MalformedOutputError
			Expect(errors.As(err, &malformed)).To(BeTrue())
		})

		It("rejects the whole batch with every validation issue", func() {
			m := newManager(jsonLLM(`{"tasks": [
				{"agent": "Researcher", "description": "ok", "tools": []},
				{"agent": "Astronaut", "description": "fly", "tools": []},
				{"agent": "Writer", "description": "  ", "tools": [1]}
			]}`))
			specs, err := m.Decompose(ctx, "q")
			Expect(specs).To(BeNil())
			var validation *manager.ValidationError
			Expect(errors.As(err, &validation)).To(BeTrue())
			Expect(validation.Issues).To(HaveLen(3))
			Expect(validation.Issues[0].Index).To(Equal(1))
			Expect(validation.Issues[0].Field).To(Equal("agent"))
			Expect(err.Error()).To(ContainSubstring("tasks[2].description: must not be empty"))
			Expect(err.Error()).To(ContainSubstring("tasks[2].tools[0]: must be a string"))
		})

		It("renders the roles into the prompt and filters tools by policy", func() {
			client := jsonLLM("```json\n" + `{"tasks": [
				{"agent": "Researcher", "description": "gather data", "tools": ["Tavily Search API", "python"]},
				{"agent": "Writer", "description": "write it"}
			]}` + "\n```")
			m := newManager(client)
			specs, err := m.Decompose(ctx, "Topic: solar panels\nGoal: market overview")
			Expect(err).ToNot(HaveOccurred())
			Expect(specs).To(HaveLen(2))
			Expect(specs[0].Tools).To(Equal([]string{"web_search"}))
			Expect(specs[1].Tools).To(Equal([]string{}))

			req := client.Requests()[0]
			Expect(req.JSON).To(BeTrue())
			for _, role := range []string{"Researcher", "Writer", "Critic", "Programmer"} {
				Expect(req.Prompt).To(ContainSubstring("- " + role + ":"))
			}
			Expect(req.Prompt).To(ContainSubstring("Goal: market overview"))
		})
	})

	Describe("OrchestrateAgents", func() {
		specs := []domain.TaskSpec{
			{Agent: domain.RoleResearcher, Description: "research efficiency", Tools: []string{"web_search"}},
			{Agent: domain.RoleWriter, Description: "write report"},
			{Agent: domain.RoleCritic, Description: "review report"},
			{Agent: domain.RoleProgrammer, Description: "compute payback"},
			{Agent: "Astronaut", Description: "go to orbit"},
			{Agent: domain.RoleResearcher, Description: "research prices"},
		}

		It("returns one id per task in order and routes by role", func() {
			bus := inproc.New(64)
			events := bus.Subscribe("test")
			m := newManager(jsonLLM(""), func(c *manager.Config) { c.Events = bus })

			report, err := m.OrchestrateAgents(ctx, "p1", "b1", specs)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.TaskIDs).To(HaveLen(len(specs)))

			tasks, err := store.ListBatchTasks(ctx, "b1")
			Expect(err).ToNot(HaveOccurred())
			Expect(tasks).To(HaveLen(len(specs)))
			for i, task := range tasks {
				Expect(task.ID).To(Equal(report.TaskIDs[i]))
				Expect(task.Agent).To(Equal(specs[i].Agent))
			}

			Expect(tasks[0].Status).To(Equal(domain.TaskStatusCompleted))
			Expect(tasks[0].Result).To(Equal("findings for research efficiency"))
			Expect(tasks[5].Status).To(Equal(domain.TaskStatusCompleted))
			for _, i := range []int{1, 2, 3, 4} {
				Expect(tasks[i].Status).To(Equal(domain.TaskStatusPending), "task %d", i)
			}

			Expect(report.Completed).To(Equal([]int64{report.TaskIDs[0], report.TaskIDs[5]}))
			Expect(report.Deferred).To(Equal([]int64{report.TaskIDs[1], report.TaskIDs[2], report.TaskIDs[3]}))
			Expect(report.Rejected).To(HaveLen(1))
			Expect(report.Rejected[0].TaskID).To(Equal(report.TaskIDs[4]))

			decisions, err := store.ListProjectDecisions(ctx, "p1", 0)
			Expect(err).ToNot(HaveOccurred())
			var actions []string
			for _, d := range decisions {
				actions = append(actions, d.Action)
			}
			Expect(actions).To(ContainElements("rejected", "deferred", "dispatched", "completed"))

			Eventually(events).Should(Receive(HaveField("Kind", domain.EventTaskRejected)))
		})

		It("persists each task as pending before dispatching it", func() {
			researcher.run = func(ctx context.Context, task, memoryContext string) (agent.Research, error) {
				tasks, err := store.ListBatchTasks(ctx, "b1")
				Expect(err).ToNot(HaveOccurred())
				Expect(tasks).ToNot(BeEmpty())
				last := tasks[len(tasks)-1]
				Expect(last.Description).To(Equal(task))
				Expect(last.Status).To(Equal(domain.TaskStatusPending))
				Expect(last.Result).To(BeEmpty())
				return agent.Research{Text: "ok"}, nil
			}
			m := newManager(jsonLLM(""))
			_, err := m.OrchestrateAgents(ctx, "p1", "b1", specs[:1])
			Expect(err).ToNot(HaveOccurred())
		})

		It("feeds memory to later researcher tasks and records results", func() {
			var contexts []string
			researcher.run = func(ctx context.Context, task, memoryContext string) (agent.Research, error) {
				contexts = append(contexts, memoryContext)
				return agent.Research{Text: "result of " + task}, nil
			}
			m := newManager(jsonLLM(""))
			_, err := m.OrchestrateAgents(ctx, "p1", "b1", []domain.TaskSpec{
				{Agent: domain.RoleResearcher, Description: "first"},
				{Agent: domain.RoleResearcher, Description: "second"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(contexts).To(HaveLen(2))
			Expect(contexts[0]).To(Equal(memory.NoEntriesSentinel))
			Expect(contexts[1]).To(ContainSubstring("Researcher first: result of first"))
		})

		It("marks failing handlers as failed and keeps going", func() {
			researcher.run = func(ctx context.Context, task, memoryContext string) (agent.Research, error) {
				if task == "broken" {
					return agent.Research{Termination: agent.TerminationError}, errors.New("search backend down")
				}
				return agent.Research{Text: "fine"}, nil
			}
			m := newManager(jsonLLM(""))
			report, err := m.OrchestrateAgents(ctx, "p1", "b1", []domain.TaskSpec{
				{Agent: domain.RoleResearcher, Description: "broken"},
				{Agent: domain.RoleResearcher, Description: "works"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Failed).To(HaveLen(1))
			Expect(report.Completed).To(HaveLen(1))

			failed, err := store.GetTask(ctx, report.TaskIDs[0])
			Expect(err).ToNot(HaveOccurred())
			Expect(failed.Status).To(Equal(domain.TaskStatusFailed))
			Expect(failed.LastError).To(ContainSubstring("search backend down"))
		})

		It("can run additional roles inline when configured", func() {
			m := newManager(jsonLLM(""), func(c *manager.Config) {
				c.InlineRoles = []domain.Role{domain.RoleResearcher, domain.RoleProgrammer}
			})
			report, err := m.OrchestrateAgents(ctx, "p1", "b1", []domain.TaskSpec{
				{Agent: domain.RoleProgrammer, Description: "compute"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Completed).To(HaveLen(1))
		})

		It("rejects inline roles without a handler", func() {
			_, err := manager.New(manager.Config{
				LLM: jsonLLM(""), Store: store, Memory: mem,
				InlineRoles: []domain.Role{"Astronaut"},
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("RunDeferred", func() {
		It("completes writer tasks with the supplied research", func() {
			m := newManager(jsonLLM(""))
			report, err := m.OrchestrateAgents(ctx, "p1", "b1", []domain.TaskSpec{
				{Agent: domain.RoleWriter, Description: "solar overview"},
			})
			Expect(err).ToNot(HaveOccurred())

			deferred, err := m.RunDeferred(ctx, "p1", "b1", domain.RoleWriter, "research notes")
			Expect(err).ToNot(HaveOccurred())
			Expect(deferred.Completed).To(Equal(report.TaskIDs))
			Expect(writer.gotResearch).To(Equal("research notes"))

			result, ok, err := store.LatestCompletedResult(ctx, "p1", domain.RoleWriter)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(result).To(Equal("# Report on solar overview"))
		})

		It("turns sandbox failures into an error result instead of failing", func() {
			m := newManager(jsonLLM(""))
			report, err := m.OrchestrateAgents(ctx, "p1", "b1", []domain.TaskSpec{
				{Agent: domain.RoleProgrammer, Description: "compute"},
			})
			Expect(err).ToNot(HaveOccurred())

			_, err = m.RunDeferred(ctx, "p1", "b1", domain.RoleProgrammer, "")
			Expect(err).ToNot(HaveOccurred())
			task, err := store.GetTask(ctx, report.TaskIDs[0])
			Expect(err).ToNot(HaveOccurred())
			Expect(task.Status).To(Equal(domain.TaskStatusCompleted))
			Expect(task.Result).To(HavePrefix("An error occurred:"))
		})

		It("validates critic output and stores the normalised task list", func() {
			critic.out = `{"tasks": [{"agent": "Researcher", "description": "find Q4 data", "tools": ["tavily"]}]}`
			m := newManager(jsonLLM(""))
			report, err := m.OrchestrateAgents(ctx, "p1", "b1", []domain.TaskSpec{{Agent: domain.RoleCritic, Description: "review"}})
			Expect(err).ToNot(HaveOccurred())

			_, err = m.RunDeferred(ctx, "p1", "b1", domain.RoleCritic, "# Report")
			Expect(err).ToNot(HaveOccurred())
			task, err := store.GetTask(ctx, report.TaskIDs[0])
			Expect(err).ToNot(HaveOccurred())
			var payload domain.TaskBatchPayload
			Expect(json.Unmarshal([]byte(task.Result), &payload)).To(Succeed())
			Expect(payload.Tasks).To(HaveLen(1))
			Expect(payload.Tasks[0].Tools).To(Equal([]string{"web_search"}))
		})

		It("fails critic tasks whose output does not validate", func() {
			critic.out = `{"tasks": [{"agent": "Nobody", "description": ""}]}`
			m := newManager(jsonLLM(""))
			_, err := m.OrchestrateAgents(ctx, "p1", "b1", []domain.TaskSpec{{Agent: domain.RoleCritic, Description: "review"}})
			Expect(err).ToNot(HaveOccurred())

			deferred, err := m.RunDeferred(ctx, "p1", "b1", domain.RoleCritic, "# Report")
			Expect(err).ToNot(HaveOccurred())
			Expect(deferred.Failed).To(HaveLen(1))
			Expect(deferred.Failed[0].Error).To(ContainSubstring("unknown role"))
		})

		It("fails critic tasks when there is no report", func() {
			m := newManager(jsonLLM(""))
			_, err := m.OrchestrateAgents(ctx, "p1", "b1", []domain.TaskSpec{{Agent: domain.RoleCritic, Description: "review"}})
			Expect(err).ToNot(HaveOccurred())
			deferred, err := m.RunDeferred(ctx, "p1", "b1", domain.RoleCritic, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(deferred.Failed).To(HaveLen(1))
		})
	})

	It("handles the solar panels scenario end to end", func() {
		client := &llm.MockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (string, error) {
			if req.JSON {
				return `{"tasks": [
					{"agent": "Researcher", "description": "Research the solar panel market", "tools": ["Tavily Search API"]},
					{"agent": "Writer", "description": "Write a market overview", "tools": []}
				]}`, nil
			}
			if strings.Contains(req.Prompt, "Solar installations grew 30%") {
				return "Thought: done\nFinal Answer: 1. **Summary**: The market grew 30%.", nil
			}
			return "Thought: search\nAction: web_search\nAction Input: solar panel market 2024", nil
		}}
		m := newManager(client, func(c *manager.Config) {
			c.Researcher = agent.NewResearcher(client, fakeSearchTool{}, agent.ResearcherConfig{MaxIterations: 4})
		})

		specs, err := m.Decompose(ctx, "Topic: solar panels\nGoal: market overview")
		Expect(err).ToNot(HaveOccurred())
		Expect(specs).To(HaveLen(2))

		report, err := m.OrchestrateAgents(ctx, "solar", "b1", specs)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.TaskIDs).To(HaveLen(2))

		researchTask, err := store.GetTask(ctx, report.TaskIDs[0])
		Expect(err).ToNot(HaveOccurred())
		Expect(researchTask.Status).To(Equal(domain.TaskStatusCompleted))
		Expect(researchTask.Result).ToNot(BeEmpty())

		writerTask, err := store.GetTask(ctx, report.TaskIDs[1])
		Expect(err).ToNot(HaveOccurred())
		Expect(writerTask.Status).To(Equal(domain.TaskStatusPending))

		_, ok, err := store.LatestCompletedResult(ctx, "solar", domain.RoleWriter)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
})
