package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mudler/xlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"research_agent/internal/domain"
	"research_agent/internal/fs"
	"research_agent/internal/manager"
)

const orchestratorActor = "orchestrator"

const (
	// NoResearchMaterial is handed to writers when a batch produced no completed research.
	NoResearchMaterial = "No research results were gathered."
	// MissingInputMessage is shown to users who leave the topic or the goal empty.
	MissingInputMessage = "Please provide both a topic and a goal."
	// FinalReviewTask describes the critic task added to batches planned without one.
	FinalReviewTask = "Review the final report and propose follow-up tasks for any gaps."
)

var (
	ErrMissingInput     = errors.New("topic and goal are required")
	ErrNoReport         = errors.New("could not retrieve report")
	ErrArtifactNotFound = errors.New("artifact not found")
)

var tracer = otel.Tracer("research_agent/orchestrator")

type Store interface {
	CreateBatch(ctx context.Context, batch domain.Batch) error
	ListBatches(ctx context.Context, projectID string) ([]domain.Batch, error)
	GetTask(ctx context.Context, taskID int64) (domain.Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	ListBatchTasks(ctx context.Context, batchID string) ([]domain.Task, error)
	LatestCompletedResultInBatches(ctx context.Context, batchIDs []string, role domain.Role) (string, bool, error)
	ListProjectDecisions(ctx context.Context, projectID string, limit int) ([]domain.DecisionLog, error)
	ListProjectArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Planner interface {
	Decompose(ctx context.Context, query string) ([]domain.TaskSpec, error)
	OrchestrateAgents(ctx context.Context, projectID, batchID string, specs []domain.TaskSpec) (manager.Report, error)
	RunDeferred(ctx context.Context, projectID, batchID string, role domain.Role, material string) (manager.Report, error)
}

type Memory interface {
	Context(ctx context.Context, projectID string, limit int) (string, error)
	Entries(ctx context.Context, projectID string, limit int) ([]domain.MemoryEntry, error)
}

type Artifacts interface {
	WriteArtifact(ctx context.Context, in fs.ArtifactInput, content []byte) (domain.Artifact, error)
	ReadFile(relPath string) ([]byte, error)
}

type Publisher interface {
	Publish(ev domain.Event) error
}

type Config struct {
	// RefinementRounds caps how many critique batches one run may execute. Zero disables refinement.
	RefinementRounds int
}

func (c Config) withDefaults() Config {
	if c.RefinementRounds < 0 {
		c.RefinementRounds = 0
	}
	return c
}

type Service struct {
	store     Store
	planner   Planner
	memory    Memory
	artifacts Artifacts
	events    Publisher
	cfg       Config

	// runMu serialises research runs; the task store has no cross-run isolation.
	runMu sync.Mutex
}

func New(store Store, planner Planner, memory Memory, artifacts Artifacts, events Publisher, cfg Config) *Service {
	return &Service{
		store:     store,
		planner:   planner,
		memory:    memory,
		artifacts: artifacts,
		events:    events,
		cfg:       cfg.withDefaults(),
	}
}

type Request struct {
	ProjectID string `json:"project_id,omitempty"`
	Topic     string `json:"topic"`
	Goal      string `json:"goal"`
	// PlanOnly stops after decomposition without persisting anything.
	PlanOnly bool `json:"plan_only,omitempty"`
}

// BatchRun records what happened to one batch across the dispatch and deferred phases.
type BatchRun struct {
	Batch  domain.Batch              `json:"batch"`
	Phases map[string]manager.Report `json:"phases"`
}

type Outcome struct {
	ProjectID string            `json:"project_id"`
	Query     string            `json:"query"`
	Tasks     []domain.TaskSpec `json:"tasks"`
	Batches   []BatchRun        `json:"batches"`
	Report    string            `json:"report,omitempty"`
	Artifact  *domain.Artifact  `json:"artifact,omitempty"`
	// FollowUps are critic proposals left unexecuted because the refinement budget ran out.
	FollowUps []domain.TaskSpec `json:"follow_ups"`
	Error     string            `json:"error,omitempty"`
}

// Query builds the decomposition query for a topic and goal.
func Query(topic, goal string) string {
	return fmt.Sprintf("Topic: %s\nGoal: %s", topic, goal)
}

// Research runs one full session: decompose, dispatch, execute, write, review and refine.
// A run that ends without a completed writer result returns the outcome so far with ErrNoReport.
func (s *Service) Research(ctx context.Context, req Request) (Outcome, error) {
	topic := strings.TrimSpace(req.Topic)
	goal := strings.TrimSpace(req.Goal)
	if topic == "" || goal == "" {
		return Outcome{}, ErrMissingInput
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	projectID := strings.TrimSpace(req.ProjectID)
	if projectID == "" {
		projectID = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "orchestrator.research")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", projectID), attribute.Bool("plan_only", req.PlanOnly))

	out := Outcome{
		ProjectID: projectID,
		Query:     Query(topic, goal),
		Tasks:     []domain.TaskSpec{},
		Batches:   []BatchRun{},
		FollowUps: []domain.TaskSpec{},
	}
	fail := func(err error) (Outcome, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out.Error = err.Error()
		return out, err
	}

	xlog.Info("research started", "project", projectID, "topic", topic)
	specs, err := s.planner.Decompose(ctx, out.Query)
	if err != nil {
		return fail(fmt.Errorf("plan research: %w", err))
	}
	out.Tasks = specs
	if req.PlanOnly {
		return out, nil
	}

	batch, err := s.newBatch(ctx, projectID, domain.BatchOriginDecomposition, "", len(specs))
	if err != nil {
		return fail(err)
	}
	// Reports are looked up only in batches of this run; project ids may be reused.
	runBatches := []string{batch.ID}
	run, err := s.runBatch(ctx, batch, specs, "")
	out.Batches = append(out.Batches, run)
	if err != nil {
		return fail(err)
	}

	for round := 1; ; round++ {
		report, ok, err := s.store.LatestCompletedResultInBatches(ctx, runBatches, domain.RoleWriter)
		if err != nil {
			return fail(fmt.Errorf("load report: %w", err))
		}
		if !ok {
			return fail(ErrNoReport)
		}
		out.Report = report

		if err := s.ensureReview(ctx, batch); err != nil {
			return fail(err)
		}
		review, err := s.phase(ctx, batch, domain.RoleCritic, report)
		out.Batches[len(out.Batches)-1].Phases["review"] = review
		if err != nil {
			return fail(err)
		}
		followUps, err := s.followUps(ctx, batch.ID)
		if err != nil {
			return fail(err)
		}
		if len(followUps) == 0 {
			break
		}
		if round > s.cfg.RefinementRounds {
			out.FollowUps = followUps
			xlog.Info("refinement budget exhausted", "project", projectID, "follow_ups", len(followUps))
			break
		}

		s.logDecision(ctx, projectID, "refinement_round", fmt.Sprintf("round %d of %d", round, s.cfg.RefinementRounds), map[string]any{
			"parent_batch": batch.ID,
			"tasks":        len(followUps),
		})
		child, err := s.newBatch(ctx, projectID, domain.BatchOriginCritique, batch.ID, len(followUps))
		if err != nil {
			return fail(err)
		}
		runBatches = append(runBatches, child.ID)
		run, err := s.runBatch(ctx, child, followUps, report)
		out.Batches = append(out.Batches, run)
		if err != nil {
			return fail(err)
		}
		batch = child
	}

	if artifact, err := s.saveReport(ctx, projectID, batch.ID, out.Report); err != nil {
		xlog.Warn("report artifact not saved", "project", projectID, "error", err)
	} else if artifact != nil {
		out.Artifact = artifact
	}
	s.publish(domain.Event{Kind: domain.EventReportReady, ProjectID: projectID, BatchID: batch.ID, Agent: domain.RoleWriter, CreatedAt: time.Now().UTC()})
	xlog.Info("research finished", "project", projectID, "batches", len(out.Batches), "report_len", len(out.Report))
	return out, nil
}

// runBatch dispatches specs into batch and completes its deferred programmer and writer tasks.
// priorReport is the report a critique batch refines; it is empty for the first batch.
func (s *Service) runBatch(ctx context.Context, batch domain.Batch, specs []domain.TaskSpec, priorReport string) (BatchRun, error) {
	run := BatchRun{Batch: batch, Phases: map[string]manager.Report{}}

	s.publishPhase(batch, "dispatch")
	dispatched, err := s.planner.OrchestrateAgents(ctx, batch.ProjectID, batch.ID, specs)
	run.Phases["dispatch"] = dispatched
	if err != nil {
		return run, fmt.Errorf("dispatch batch %s: %w", batch.ID, err)
	}

	execute, err := s.phase(ctx, batch, domain.RoleProgrammer, "")
	run.Phases["execute"] = execute
	if err != nil {
		return run, err
	}

	material, err := s.writerMaterial(ctx, batch.ID, priorReport)
	if err != nil {
		return run, err
	}
	write, err := s.phase(ctx, batch, domain.RoleWriter, material)
	run.Phases["write"] = write
	if err != nil {
		return run, err
	}
	return run, nil
}

func (s *Service) phase(ctx context.Context, batch domain.Batch, role domain.Role, material string) (manager.Report, error) {
	name := phaseName(role)
	ctx, span := tracer.Start(ctx, "orchestrator."+name)
	defer span.End()
	span.SetAttributes(attribute.String("batch_id", batch.ID))

	s.publishPhase(batch, name)
	report, err := s.planner.RunDeferred(ctx, batch.ProjectID, batch.ID, role, material)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("%s phase of batch %s: %w", name, batch.ID, err)
	}
	return report, nil
}

// ensureReview adds a critic task to a batch that was planned without one,
// so every report a run produces is reviewed.
func (s *Service) ensureReview(ctx context.Context, batch domain.Batch) error {
	tasks, err := s.store.ListBatchTasks(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("check review of batch %s: %w", batch.ID, err)
	}
	for _, task := range tasks {
		if task.Agent == domain.RoleCritic {
			return nil
		}
	}
	spec := domain.TaskSpec{Agent: domain.RoleCritic, Description: FinalReviewTask, Tools: []string{}}
	if _, err := s.planner.OrchestrateAgents(ctx, batch.ProjectID, batch.ID, []domain.TaskSpec{spec}); err != nil {
		return fmt.Errorf("add review to batch %s: %w", batch.ID, err)
	}
	s.logDecision(ctx, batch.ProjectID, "review_added", "batch planned without a critic", map[string]any{"batch_id": batch.ID})
	return nil
}

// writerMaterial concatenates the completed non-writing results of a batch in task order.
func (s *Service) writerMaterial(ctx context.Context, batchID, priorReport string) (string, error) {
	tasks, err := s.store.ListBatchTasks(ctx, batchID)
	if err != nil {
		return "", fmt.Errorf("collect research for batch %s: %w", batchID, err)
	}
	var b strings.Builder
	if priorReport != "" {
		b.WriteString("## Previous report\n\n")
		b.WriteString(priorReport)
		b.WriteString("\n\n")
	}
	found := false
	for _, task := range tasks {
		if task.Status != domain.TaskStatusCompleted || task.Agent == domain.RoleWriter || task.Agent == domain.RoleCritic {
			continue
		}
		found = true
		fmt.Fprintf(&b, "## %s: %s\n\n%s\n\n", task.Agent, task.Description, task.Result)
	}
	if !found {
		b.WriteString(NoResearchMaterial)
	}
	return strings.TrimSpace(b.String()), nil
}

// followUps collects the task lists stored by completed critic tasks of a batch.
func (s *Service) followUps(ctx context.Context, batchID string) ([]domain.TaskSpec, error) {
	tasks, err := s.store.ListBatchTasks(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("collect critique for batch %s: %w", batchID, err)
	}
	specs := []domain.TaskSpec{}
	for _, task := range tasks {
		if task.Agent != domain.RoleCritic || task.Status != domain.TaskStatusCompleted {
			continue
		}
		var payload domain.TaskBatchPayload
		if err := json.Unmarshal([]byte(task.Result), &payload); err != nil {
			xlog.Warn("skipping unreadable critique", "task", task.ID, "error", err)
			continue
		}
		specs = append(specs, payload.Tasks...)
	}
	return specs, nil
}

func (s *Service) newBatch(ctx context.Context, projectID string, origin domain.BatchOrigin, parentID string, size int) (domain.Batch, error) {
	batch := domain.Batch{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Origin:    origin,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return domain.Batch{}, fmt.Errorf("create %s batch: %w", origin, err)
	}
	s.logDecision(ctx, projectID, "batch_planned", string(origin), map[string]any{
		"batch_id":  batch.ID,
		"parent_id": parentID,
		"tasks":     size,
	})
	s.publish(domain.Event{Kind: domain.EventBatchPlanned, ProjectID: projectID, BatchID: batch.ID, Detail: fmt.Sprintf("%s batch with %d tasks", origin, size), CreatedAt: batch.CreatedAt})
	return batch, nil
}

func (s *Service) saveReport(ctx context.Context, projectID, batchID, report string) (*domain.Artifact, error) {
	if s.artifacts == nil {
		return nil, nil
	}
	artifact, err := s.artifacts.WriteArtifact(ctx, fs.ArtifactInput{
		ProjectID:     projectID,
		BatchID:       batchID,
		ProducerAgent: string(domain.RoleWriter),
		Kind:          "report",
		Path:          fmt.Sprintf("%s/report-%s.md", projectID, batchID),
	}, []byte(report))
	if err != nil {
		return nil, err
	}
	s.logDecision(ctx, projectID, "report_saved", artifact.URI, map[string]any{"artifact_id": artifact.ID, "checksum": artifact.Checksum})
	return &artifact, nil
}

func (s *Service) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Service) ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return s.store.ListProjectTasks(ctx, projectID)
}

func (s *Service) ListBatches(ctx context.Context, projectID string) ([]domain.Batch, error) {
	return s.store.ListBatches(ctx, projectID)
}

func (s *Service) ListProjectDecisions(ctx context.Context, projectID string, limit int) ([]domain.DecisionLog, error) {
	return s.store.ListProjectDecisions(ctx, projectID, limit)
}

func (s *Service) ListProjectArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	return s.store.ListProjectArtifacts(ctx, projectID)
}

// ReadArtifact returns an artifact of a project together with its file content.
func (s *Service) ReadArtifact(ctx context.Context, projectID, artifactID string) (domain.Artifact, []byte, error) {
	items, err := s.store.ListProjectArtifacts(ctx, projectID)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	for _, item := range items {
		if item.ID != artifactID {
			continue
		}
		if s.artifacts == nil {
			return item, nil, fmt.Errorf("read artifact %s: no workspace configured", artifactID)
		}
		content, err := s.artifacts.ReadFile(item.URI)
		if err != nil {
			return item, nil, fmt.Errorf("read artifact %s: %w", artifactID, err)
		}
		return item, content, nil
	}
	return domain.Artifact{}, nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
}

func (s *Service) MemoryContext(ctx context.Context, projectID string, limit int) (string, error) {
	return s.memory.Context(ctx, projectID, limit)
}

func (s *Service) MemoryEntries(ctx context.Context, projectID string, limit int) ([]domain.MemoryEntry, error) {
	return s.memory.Entries(ctx, projectID, limit)
}

func (s *Service) logDecision(ctx context.Context, projectID, action, reason string, payload map[string]any) {
	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		ProjectID: projectID,
		Actor:     orchestratorActor,
		Action:    action,
		Reason:    reason,
		Payload:   mustJSON(payload),
	})
}

func (s *Service) publishPhase(batch domain.Batch, name string) {
	s.publish(domain.Event{Kind: domain.EventPhaseStarted, ProjectID: batch.ProjectID, BatchID: batch.ID, Detail: name, CreatedAt: time.Now().UTC()})
}

func (s *Service) publish(ev domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ev); err != nil {
		xlog.Debug("progress event dropped", "kind", ev.Kind, "error", err)
	}
}

func phaseName(role domain.Role) string {
	switch role {
	case domain.RoleProgrammer:
		return "execute"
	case domain.RoleWriter:
		return "write"
	case domain.RoleCritic:
		return "review"
	default:
		return strings.ToLower(string(role))
	}
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return payload
}
