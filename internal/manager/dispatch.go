package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mudler/xlog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"research_agent/internal/domain"
)

var (
	ErrNoAgent    = errors.New("no agent configured for role")
	ErrNoMaterial = errors.New("nothing to work on")
)

// Input is what a handler receives besides the task itself.
// Material is the research text for a writer and the report for a critic.
type Input struct {
	MemoryContext string
	Material      string
}

type Handler func(ctx context.Context, task domain.Task, in Input) (string, error)

type Rejection struct {
	TaskID int64       `json:"task_id"`
	Agent  domain.Role `json:"agent"`
	Reason string      `json:"reason"`
}

type Failure struct {
	TaskID int64       `json:"task_id"`
	Agent  domain.Role `json:"agent"`
	Error  string      `json:"error"`
}

// Report summarises one dispatch pass. TaskIDs lists every inserted task in input order.
type Report struct {
	ProjectID string      `json:"project_id"`
	BatchID   string      `json:"batch_id"`
	TaskIDs   []int64     `json:"task_ids"`
	Completed []int64     `json:"completed"`
	Deferred  []int64     `json:"deferred"`
	Rejected  []Rejection `json:"rejected"`
	Failed    []Failure   `json:"failed"`
}

func (m *Manager) handlerTable(cfg Config) map[domain.Role]Handler {
	return map[domain.Role]Handler{
		domain.RoleResearcher: func(ctx context.Context, task domain.Task, in Input) (string, error) {
			if cfg.Researcher == nil {
				return "", fmt.Errorf("%w: %s", ErrNoAgent, task.Agent)
			}
			res, err := cfg.Researcher.Run(ctx, task.Description, in.MemoryContext)
			if err != nil {
				return "", err
			}
			xlog.Info("research finished", "task", task.ID, "termination", res.Termination, "iterations", res.Iterations, "sources", len(res.Sources))
			return res.Text, nil
		},
		domain.RoleWriter: func(ctx context.Context, task domain.Task, in Input) (string, error) {
			if cfg.Writer == nil {
				return "", fmt.Errorf("%w: %s", ErrNoAgent, task.Agent)
			}
			return cfg.Writer.Run(ctx, task.Description, in.Material)
		},
		domain.RoleCritic: func(ctx context.Context, task domain.Task, in Input) (string, error) {
			if cfg.Critic == nil {
				return "", fmt.Errorf("%w: %s", ErrNoAgent, task.Agent)
			}
			if in.Material == "" {
				return "", fmt.Errorf("%w: no report to review", ErrNoMaterial)
			}
			raw, err := cfg.Critic.Run(ctx, in.Material)
			if err != nil {
				return "", err
			}
			specs, err := m.ReviewTasks(raw)
			if err != nil {
				return "", err
			}
			return string(mustJSON(domain.TaskBatchPayload{Tasks: specs})), nil
		},
		domain.RoleProgrammer: func(ctx context.Context, task domain.Task, in Input) (string, error) {
			if cfg.Programmer == nil {
				return "", fmt.Errorf("%w: %s", ErrNoAgent, task.Agent)
			}
			return cfg.Programmer.Run(ctx, task.Description, in.MemoryContext)
		},
	}
}

// OrchestrateAgents persists every TaskSpec as a pending task, then runs inline roles immediately.
// Unknown roles are stored but rejected; other known roles stay pending for RunDeferred.
// Only persistence failures abort the pass.
func (m *Manager) OrchestrateAgents(ctx context.Context, projectID, batchID string, specs []domain.TaskSpec) (Report, error) {
	ctx, span := tracer.Start(ctx, "manager.orchestrate")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", projectID), attribute.String("batch_id", batchID), attribute.Int("tasks", len(specs)))

	report := newReport(projectID, batchID)
	for i, spec := range specs {
		task := domain.Task{
			ProjectID:   projectID,
			BatchID:     batchID,
			Description: spec.Description,
			Agent:       spec.Agent,
			Tools:       spec.Tools,
			Status:      domain.TaskStatusPending,
		}
		id, err := m.store.CreateTask(ctx, task)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, fmt.Errorf("insert task %d of batch %s: %w", i, batchID, err)
		}
		task.ID = id
		report.TaskIDs = append(report.TaskIDs, id)
		m.publish(domain.Event{Kind: domain.EventTaskInserted, ProjectID: projectID, BatchID: batchID, TaskID: id, Agent: spec.Agent, Detail: spec.Description, CreatedAt: time.Now().UTC()})

		if _, known := m.handlers[spec.Agent]; !known {
			reason := fmt.Sprintf("unknown role %q", spec.Agent)
			report.Rejected = append(report.Rejected, Rejection{TaskID: id, Agent: spec.Agent, Reason: reason})
			m.logDecision(ctx, task, "rejected", reason, nil)
			m.publish(domain.Event{Kind: domain.EventTaskRejected, ProjectID: projectID, BatchID: batchID, TaskID: id, Agent: spec.Agent, Detail: reason, CreatedAt: time.Now().UTC()})
			xlog.Warn("task rejected", "task", id, "agent", spec.Agent)
			continue
		}
		if !m.inline[spec.Agent] {
			report.Deferred = append(report.Deferred, id)
			m.logDecision(ctx, task, "deferred", "role runs in a later phase", nil)
			continue
		}

		if err := m.dispatch(ctx, task, Input{MemoryContext: m.memoryContext(ctx, projectID)}, &report); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
	}
	return report, nil
}

// RunDeferred dispatches the pending tasks of one role in a batch.
func (m *Manager) RunDeferred(ctx context.Context, projectID, batchID string, role domain.Role, material string) (Report, error) {
	ctx, span := tracer.Start(ctx, "manager.run_deferred")
	defer span.End()
	span.SetAttributes(attribute.String("batch_id", batchID), attribute.String("role", string(role)))

	report := newReport(projectID, batchID)
	if _, known := m.handlers[role]; !known {
		return report, fmt.Errorf("%w: %s", ErrNoAgent, role)
	}
	pending, err := m.store.ListPendingTasks(ctx, batchID, role)
	if err != nil {
		return report, fmt.Errorf("list pending %s tasks: %w", role, err)
	}
	for _, task := range pending {
		report.TaskIDs = append(report.TaskIDs, task.ID)
		in := Input{MemoryContext: m.memoryContext(ctx, projectID), Material: material}
		if err := m.dispatch(ctx, task, in, &report); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
	}
	return report, nil
}

func (m *Manager) dispatch(ctx context.Context, task domain.Task, in Input, report *Report) error {
	ctx, span := tracer.Start(ctx, "manager.dispatch")
	defer span.End()
	span.SetAttributes(attribute.Int64("task_id", task.ID), attribute.String("agent", string(task.Agent)))

	m.logDecision(ctx, task, "dispatched", "handler invoked", nil)
	result, err := m.handlers[task.Agent](ctx, task, in)
	if err != nil {
		if ctx.Err() != nil {
			// Record the interruption even though the run context is gone.
			_ = m.store.FailTask(context.WithoutCancel(ctx), task.ID, ctx.Err().Error())
			return fmt.Errorf("dispatch task %d: %w", task.ID, ctx.Err())
		}
		span.RecordError(err)
		if failErr := m.store.FailTask(ctx, task.ID, err.Error()); failErr != nil {
			return fmt.Errorf("mark task %d failed: %w", task.ID, failErr)
		}
		report.Failed = append(report.Failed, Failure{TaskID: task.ID, Agent: task.Agent, Error: err.Error()})
		m.logDecision(ctx, task, "failed", err.Error(), nil)
		m.publish(domain.Event{Kind: domain.EventTaskFailed, ProjectID: task.ProjectID, BatchID: task.BatchID, TaskID: task.ID, Agent: task.Agent, Detail: err.Error(), CreatedAt: time.Now().UTC()})
		xlog.Warn("task failed", "task", task.ID, "agent", task.Agent, "error", err)
		return nil
	}

	if err := m.store.CompleteTask(ctx, task.ID, result); err != nil {
		return fmt.Errorf("complete task %d: %w", task.ID, err)
	}
	report.Completed = append(report.Completed, task.ID)
	if err := m.memory.Save(ctx, task.ProjectID, string(task.Agent), task.Description, result); err != nil {
		xlog.Warn("continuing without memory entry", "task", task.ID, "error", err)
	}
	m.logDecision(ctx, task, "completed", "handler returned", map[string]any{"result_len": len(result)})
	m.publish(domain.Event{Kind: domain.EventTaskCompleted, ProjectID: task.ProjectID, BatchID: task.BatchID, TaskID: task.ID, Agent: task.Agent, CreatedAt: time.Now().UTC()})
	return nil
}

func (m *Manager) memoryContext(ctx context.Context, projectID string) string {
	text, err := m.memory.Context(ctx, projectID, m.memoryWindow)
	if err != nil {
		xlog.Warn("continuing without memory context", "project", projectID, "error", err)
	}
	return text
}

func (m *Manager) logDecision(ctx context.Context, task domain.Task, action, reason string, extra map[string]any) {
	payload := map[string]any{
		"batch_id": task.BatchID,
		"agent":    task.Agent,
	}
	for k, v := range extra {
		payload[k] = v
	}
	_ = m.store.LogDecision(ctx, domain.DecisionLog{
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Actor:     actorManager,
		Action:    action,
		Reason:    reason,
		Payload:   mustJSON(payload),
	})
}

func newReport(projectID, batchID string) Report {
	return Report{
		ProjectID: projectID,
		BatchID:   batchID,
		TaskIDs:   []int64{},
		Completed: []int64{},
		Deferred:  []int64{},
		Rejected:  []Rejection{},
		Failed:    []Failure{},
	}
}
