package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"research_agent/internal/domain"

	_ "modernc.org/sqlite"
)

const memoryTimestampLayout = "2006-01-02 15:04:05.000"

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	origin TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_project ON batches(project_id, created_at);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY,
	description TEXT,
	status TEXT,
	result TEXT,
	agent TEXT,
	project_id TEXT NOT NULL DEFAULT '',
	batch_id TEXT NOT NULL DEFAULT '',
	tools TEXT NOT NULL DEFAULT '[]',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_id, id);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, agent, status);

CREATE TABLE IF NOT EXISTS agent_memory (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	action TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_agent_memory_project ON agent_memory(project_id, timestamp);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	task_id INTEGER NOT NULL DEFAULT 0,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_project ON decision_log(project_id, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	batch_id TEXT NOT NULL,
	producer_agent TEXT NOT NULL,
	kind TEXT NOT NULL,
	uri TEXT NOT NULL,
	checksum TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskNotPending = errors.New("task is not pending")
)

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateBatch(ctx context.Context, batch domain.Batch) error {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO batches(id, project_id, origin, parent_id, created_at) VALUES(?, ?, ?, ?, ?)`,
		batch.ID, batch.ProjectID, string(batch.Origin), batch.ParentID, batch.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (s *Store) ListBatches(ctx context.Context, projectID string) ([]domain.Batch, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, origin, parent_id, created_at
		FROM batches WHERE project_id = ? ORDER BY created_at ASC, rowid ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var result []domain.Batch
	for rows.Next() {
		var b domain.Batch
		var origin string
		var created int64
		if err := rows.Scan(&b.ID, &b.ProjectID, &origin, &b.ParentID, &created); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Origin = domain.BatchOrigin(origin)
		b.CreatedAt = unixToTime(created)
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return result, nil
}

// CreateTask inserts a task and returns the id assigned by the store.
func (s *Store) CreateTask(ctx context.Context, task domain.Task) (int64, error) {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	tools, err := json.Marshal(nonNilStrings(task.Tools))
	if err != nil {
		return 0, fmt.Errorf("marshal task tools: %w", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tasks(
			description, agent, status, result, project_id, batch_id, tools, last_error, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.Description, string(task.Agent), string(task.Status), task.Result, task.ProjectID, task.BatchID,
		string(tools), task.LastError, task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("task last insert id: %w", err)
	}
	return id, nil
}

// CompleteTask moves a pending task to completed. A task transitions at most once.
func (s *Store) CompleteTask(ctx context.Context, taskID int64, result string) error {
	return s.finishTask(ctx, taskID, domain.TaskStatusCompleted, result, "")
}

func (s *Store) FailTask(ctx context.Context, taskID int64, lastError string) error {
	return s.finishTask(ctx, taskID, domain.TaskStatusFailed, "", lastError)
}

func (s *Store) finishTask(ctx context.Context, taskID int64, status domain.TaskStatus, result, lastError string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, result = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), result, lastError, time.Now().UTC().Unix(), taskID, string(domain.TaskStatusPending),
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task status affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return err
		}
		return fmt.Errorf("%w: id=%d", ErrTaskNotPending, taskID)
	}
	return nil
}

const taskColumns = `id, project_id, batch_id, description, agent, tools, status, result, last_error, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, taskID int64) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
		}
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return s.queryTasks(ctx, "list project tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY id ASC`, projectID)
}

func (s *Store) ListBatchTasks(ctx context.Context, batchID string) ([]domain.Task, error) {
	return s.queryTasks(ctx, "list batch tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE batch_id = ? ORDER BY id ASC`, batchID)
}

func (s *Store) ListPendingTasks(ctx context.Context, batchID string, role domain.Role) ([]domain.Task, error) {
	return s.queryTasks(ctx, "list pending tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE batch_id = ? AND agent = ? AND status = ? ORDER BY id ASC`,
		batchID, string(role), string(domain.TaskStatusPending))
}

// LatestCompletedResult returns the newest completed result produced by role in a project.
func (s *Store) LatestCompletedResult(ctx context.Context, projectID string, role domain.Role) (string, bool, error) {
	var result string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT result FROM tasks
		WHERE project_id = ? AND agent = ? AND status = ?
		ORDER BY updated_at DESC, id DESC LIMIT 1`,
		projectID, string(role), string(domain.TaskStatusCompleted),
	).Scan(&result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("latest completed result: %w", err)
	}
	return result, true, nil
}

// LatestCompletedResultInBatches is LatestCompletedResult limited to the given batches.
func (s *Store) LatestCompletedResultInBatches(ctx context.Context, batchIDs []string, role domain.Role) (string, bool, error) {
	if len(batchIDs) == 0 {
		return "", false, nil
	}
	args := make([]any, 0, len(batchIDs)+2)
	args = append(args, string(role), string(domain.TaskStatusCompleted))
	for _, id := range batchIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batchIDs)), ",")

	var result string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT result FROM tasks
		WHERE agent = ? AND status = ? AND batch_id IN (`+placeholders+`)
		ORDER BY updated_at DESC, id DESC LIMIT 1`,
		args...,
	).Scan(&result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("latest completed result in batches: %w", err)
	}
	return result, true, nil
}

func (s *Store) queryTasks(ctx context.Context, op string, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan task: %w", op, err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate tasks: %w", op, err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var agent, status, tools string
	var description, result sql.NullString
	var created, updated int64
	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.BatchID, &description, &agent, &tools, &status, &result,
		&t.LastError, &created, &updated,
	); err != nil {
		return domain.Task{}, err
	}
	t.Description = description.String
	t.Result = result.String
	t.Agent = domain.Role(agent)
	t.Status = domain.TaskStatus(status)
	if err := json.Unmarshal([]byte(tools), &t.Tools); err != nil {
		t.Tools = nil
	}
	t.CreatedAt = unixToTime(created)
	t.UpdatedAt = unixToTime(updated)
	return t, nil
}

func (s *Store) AppendMemory(ctx context.Context, entry domain.MemoryEntry) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agent_memory(project_id, agent_name, action, content) VALUES(?, ?, ?, ?)`,
		entry.ProjectID, entry.AgentName, entry.Action, entry.Content,
	)
	if err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

// RecentMemory returns up to limit entries of a project, newest first.
func (s *Store) RecentMemory(ctx context.Context, projectID string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, agent_name, action, content, timestamp
		FROM agent_memory
		WHERE project_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent memory: %w", err)
	}
	defer rows.Close()

	result := make([]domain.MemoryEntry, 0, limit)
	for rows.Next() {
		var e domain.MemoryEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.AgentName, &e.Action, &e.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		parsed, err := time.Parse(memoryTimestampLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse memory timestamp %q: %w", ts, err)
		}
		e.Timestamp = parsed.UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(project_id, task_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.ProjectID, entry.TaskID, entry.Actor, entry.Action, entry.Reason, payload, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListProjectDecisions(ctx context.Context, projectID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, task_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE project_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list project decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.TaskID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func (s *Store) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO artifacts(id, project_id, batch_id, producer_agent, kind, uri, checksum, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.ProjectID, artifact.BatchID, artifact.ProducerAgent, artifact.Kind,
		artifact.URI, artifact.Checksum, artifact.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func (s *Store) ListProjectArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, batch_id, producer_agent, kind, uri, checksum, created_at
		FROM artifacts WHERE project_id = ? ORDER BY created_at ASC, rowid ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var result []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var created int64
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.BatchID, &a.ProducerAgent, &a.Kind, &a.URI, &a.Checksum, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt = unixToTime(created)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return result, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
