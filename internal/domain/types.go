package domain

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleResearcher Role = "Researcher"
	RoleWriter     Role = "Writer"
	RoleCritic     Role = "Critic"
	RoleProgrammer Role = "Programmer"
)

// Roles lists the known roles in the order they are presented to the manager.
var Roles = []Role{RoleResearcher, RoleWriter, RoleCritic, RoleProgrammer}

func (r Role) Known() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

type BatchOrigin string

const (
	BatchOriginDecomposition BatchOrigin = "decomposition"
	BatchOriginCritique      BatchOrigin = "critique"
)

type Task struct {
	ID          int64      `json:"id"`
	ProjectID   string     `json:"project_id"`
	BatchID     string     `json:"batch_id"`
	Description string     `json:"description"`
	Agent       Role       `json:"agent"`
	Tools       []string   `json:"tools"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskSpec is one entry of a decomposition or critique response, before it is persisted.
type TaskSpec struct {
	Agent       Role     `json:"agent"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
}

type TaskBatchPayload struct {
	Tasks []TaskSpec `json:"tasks"`
}

type Batch struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Origin    BatchOrigin `json:"origin"`
	ParentID  string      `json:"parent_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type MemoryEntry struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	AgentName string    `json:"agent_name"`
	Action    string    `json:"action"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"project_id"`
	TaskID    int64           `json:"task_id,omitempty"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Artifact struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	BatchID       string    `json:"batch_id"`
	ProducerAgent string    `json:"producer_agent"`
	Kind          string    `json:"kind"`
	URI           string    `json:"uri"`
	Checksum      string    `json:"checksum"`
	CreatedAt     time.Time `json:"created_at"`
}

type EventKind string

const (
	EventBatchPlanned  EventKind = "batch_planned"
	EventTaskInserted  EventKind = "task_inserted"
	EventTaskCompleted EventKind = "task_completed"
	EventTaskFailed    EventKind = "task_failed"
	EventTaskRejected  EventKind = "task_rejected"
	EventPhaseStarted  EventKind = "phase_started"
	EventReportReady   EventKind = "report_ready"
)

// Event is a progress notification published while a research run is in flight.
type Event struct {
	Kind      EventKind `json:"kind"`
	ProjectID string    `json:"project_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	TaskID    int64     `json:"task_id,omitempty"`
	Agent     Role      `json:"agent,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
