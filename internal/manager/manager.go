package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mudler/xlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"research_agent/internal/agent"
	"research_agent/internal/domain"
	"research_agent/internal/llm"
	"research_agent/internal/policy"
	"research_agent/internal/prompt"
)

const actorManager = "manager"

var tracer = otel.Tracer("research_agent/manager")

var roleDescriptions = map[domain.Role]string{
	domain.RoleResearcher: "gathers information from the internet using web search.",
	domain.RoleWriter:     "writes a cohesive Markdown report based on the gathered information.",
	domain.RoleCritic:     "reviews the report and proposes follow-up tasks.",
	domain.RoleProgrammer: "writes and executes Go programs for calculations or data processing.",
}

type Store interface {
	CreateTask(ctx context.Context, task domain.Task) (int64, error)
	CompleteTask(ctx context.Context, taskID int64, result string) error
	FailTask(ctx context.Context, taskID int64, lastError string) error
	ListPendingTasks(ctx context.Context, batchID string, role domain.Role) ([]domain.Task, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Memory interface {
	Save(ctx context.Context, projectID, agentName, action, content string) error
	Context(ctx context.Context, projectID string, limit int) (string, error)
}

type Publisher interface {
	Publish(ev domain.Event) error
}

type ResearchAgent interface {
	Run(ctx context.Context, task string, memoryContext string) (agent.Research, error)
}

type WritingAgent interface {
	Run(ctx context.Context, task string, research string) (string, error)
}

type ReviewAgent interface {
	Run(ctx context.Context, report string) (string, error)
}

type CodingAgent interface {
	Run(ctx context.Context, task string, memoryContext string) (string, error)
}

type Config struct {
	LLM        llm.Client
	Store      Store
	Memory     Memory
	Policy     *policy.Engine
	Events     Publisher
	Researcher ResearchAgent
	Writer     WritingAgent
	Critic     ReviewAgent
	Programmer CodingAgent
	// InlineRoles run during OrchestrateAgents; every other known role waits for RunDeferred.
	InlineRoles  []domain.Role
	MemoryWindow int
}

type Manager struct {
	llm          llm.Client
	store        Store
	memory       Memory
	policy       *policy.Engine
	events       Publisher
	handlers     map[domain.Role]Handler
	inline       map[domain.Role]bool
	memoryWindow int
}

func New(cfg Config) (*Manager, error) {
	if cfg.LLM == nil {
		return nil, errors.New("manager requires an llm client")
	}
	if cfg.Store == nil {
		return nil, errors.New("manager requires a task store")
	}
	if cfg.Memory == nil {
		return nil, errors.New("manager requires a memory store")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	if len(cfg.InlineRoles) == 0 {
		cfg.InlineRoles = []domain.Role{domain.RoleResearcher}
	}
	if cfg.MemoryWindow <= 0 {
		cfg.MemoryWindow = 10
	}

	m := &Manager{
		llm:          cfg.LLM,
		store:        cfg.Store,
		memory:       cfg.Memory,
		policy:       cfg.Policy,
		events:       cfg.Events,
		inline:       make(map[domain.Role]bool, len(cfg.InlineRoles)),
		memoryWindow: cfg.MemoryWindow,
	}
	m.handlers = m.handlerTable(cfg)
	for _, role := range cfg.InlineRoles {
		if _, ok := m.handlers[role]; !ok {
			return nil, fmt.Errorf("inline role %q has no handler", role)
		}
		m.inline[role] = true
	}
	return m, nil
}

// Decompose asks the model to split a research query into role-tagged tasks.
func (m *Manager) Decompose(ctx context.Context, query string) ([]domain.TaskSpec, error) {
	ctx, span := tracer.Start(ctx, "manager.decompose")
	defer span.End()

	roles := make([]prompt.RoleInfo, 0, len(domain.Roles))
	for _, role := range domain.Roles {
		roles = append(roles, prompt.RoleInfo{
			Name:        string(role),
			Description: roleDescriptions[role],
			Tools:       m.policy.AllowedTools(role),
		})
	}
	text, err := prompt.Render(prompt.Manager, prompt.ManagerData{Query: query, Roles: roles})
	if err != nil {
		return nil, err
	}

	out, err := m.llm.Complete(ctx, llm.Request{Prompt: text, JSON: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decompose query: %w", err)
	}
	specs, err := ParseTaskBatch(out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decompose query: %w", err)
	}
	specs = m.applyToolPolicy(specs)
	span.SetAttributes(attribute.Int("tasks", len(specs)))
	xlog.Info("query decomposed", "tasks", len(specs))
	return specs, nil
}

// ReviewTasks turns critic output into validated follow-up task specs.
func (m *Manager) ReviewTasks(raw string) ([]domain.TaskSpec, error) {
	specs, err := ParseTaskBatch(raw)
	if err != nil {
		return nil, err
	}
	return m.applyToolPolicy(specs), nil
}

func (m *Manager) applyToolPolicy(specs []domain.TaskSpec) []domain.TaskSpec {
	for i := range specs {
		kept, dropped := m.policy.FilterTools(specs[i].Agent, specs[i].Tools)
		if len(dropped) > 0 {
			xlog.Warn("dropping tools not allowed for role", "agent", specs[i].Agent, "tools", dropped)
		}
		specs[i].Tools = kept
	}
	return specs
}

func (m *Manager) publish(ev domain.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ev); err != nil {
		xlog.Debug("progress event dropped", "kind", ev.Kind, "error", err)
	}
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}
