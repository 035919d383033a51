package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/mudler/xlog"

	"research_agent/internal/domain"
)

const (
	NoEntriesSentinel = "No recent memory entries found."
	ErrorSentinel     = "Error retrieving memory."

	header          = "Recent Memory Entries (oldest first):\n"
	timestampLayout = "2006-01-02 15:04:05.000"
	defaultWindow   = 10
)

type Backend interface {
	AppendMemory(ctx context.Context, entry domain.MemoryEntry) error
	RecentMemory(ctx context.Context, projectID string, limit int) ([]domain.MemoryEntry, error)
}

// Store is the shared agent memory: an append-only log per project and a bounded context window over it.
type Store struct {
	backend Backend
	window  int
}

func New(backend Backend, window int) *Store {
	if window <= 0 {
		window = defaultWindow
	}
	return &Store{backend: backend, window: window}
}

// Save appends one entry. Failures are logged and returned; callers may proceed without memory.
func (s *Store) Save(ctx context.Context, projectID, agentName, action, content string) error {
	err := s.backend.AppendMemory(ctx, domain.MemoryEntry{
		ProjectID: projectID,
		AgentName: agentName,
		Action:    action,
		Content:   content,
	})
	if err != nil {
		xlog.Error("save memory entry", "project", projectID, "agent", agentName, "error", err)
		return fmt.Errorf("save memory entry: %w", err)
	}
	return nil
}

// Context returns the most recent entries of a project formatted oldest first.
// The returned string is always usable: a sentinel stands in when there is nothing to show.
func (s *Store) Context(ctx context.Context, projectID string, limit int) (string, error) {
	if limit <= 0 {
		limit = s.window
	}
	entries, err := s.backend.RecentMemory(ctx, projectID, limit)
	if err != nil {
		xlog.Error("read memory context", "project", projectID, "error", err)
		return ErrorSentinel, fmt.Errorf("read memory context: %w", err)
	}
	if len(entries) == 0 {
		return NoEntriesSentinel, nil
	}

	var b strings.Builder
	b.WriteString(header)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(&b, "- [%s] %s %s: %s\n", e.Timestamp.UTC().Format(timestampLayout), e.AgentName, e.Action, e.Content)
	}
	return b.String(), nil
}

// Entries returns the raw window, newest first.
func (s *Store) Entries(ctx context.Context, projectID string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = s.window
	}
	entries, err := s.backend.RecentMemory(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("read memory entries: %w", err)
	}
	return entries, nil
}
