package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"research_agent/internal/domain"
)

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID int64) {
	table.Clear()
	headers := []string{"ID", "Agent", "Status", "Updated", "Description"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(fmt.Sprintf("%d", t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Agent)))
		table.SetCell(row, 2, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 3, tview.NewTableCell(t.UpdatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(t.Description, 64)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func statusColor(status domain.TaskStatus) tcell.Color {
	switch status {
	case domain.TaskStatusCompleted:
		return tcell.ColorGreen
	case domain.TaskStatusFailed:
		return tcell.ColorRed
	default:
		return tcell.ColorYellow
	}
}

func findTask(tasks []domain.Task, id int64) (domain.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

func renderTaskDetail(task domain.Task, ok bool) string {
	if !ok {
		return "No task selected"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s  status=%s  batch=%s\n", task.ID, task.Agent, task.Status, shortID(task.BatchID))
	if len(task.Tools) > 0 {
		fmt.Fprintf(&b, "tools: %s\n", strings.Join(task.Tools, ", "))
	}
	fmt.Fprintf(&b, "\n%s\n\n", tview.Escape(task.Description))
	switch task.Status {
	case domain.TaskStatusFailed:
		b.WriteString("[red]error:[-] " + tview.Escape(task.LastError) + "\n")
	case domain.TaskStatusCompleted:
		b.WriteString(tview.Escape(task.Result) + "\n")
	default:
		b.WriteString("waiting...\n")
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		task := ""
		if d.TaskID != 0 {
			task = fmt.Sprintf(" task=%d", d.TaskID)
		}
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s%s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.Actor,
			d.Action,
			task,
			tview.Escape(trimLine(d.Reason, 100)),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + tview.Escape(trimLine(detail, 160)) + "\n")
		}
	}
	return b.String()
}

type roleStateLine struct {
	Role       domain.Role
	Pending    int
	Completed  int
	Failed     int
	LastAction string
	LastAt     time.Time
}

// renderRoleState summarises task counts and the latest dispatch decision per role.
func renderRoleState(projectID string, tasks []domain.Task, decisions []domain.DecisionLog) string {
	if strings.TrimSpace(projectID) == "" {
		return "No project selected"
	}
	lines := map[domain.Role]*roleStateLine{}
	for _, role := range domain.Roles {
		lines[role] = &roleStateLine{Role: role}
	}
	byTask := map[int64]domain.Role{}
	for _, t := range tasks {
		byTask[t.ID] = t.Agent
		line, ok := lines[t.Agent]
		if !ok {
			continue
		}
		switch t.Status {
		case domain.TaskStatusPending:
			line.Pending++
		case domain.TaskStatusCompleted:
			line.Completed++
		case domain.TaskStatusFailed:
			line.Failed++
		}
	}
	for _, d := range decisions {
		line, ok := lines[byTask[d.TaskID]]
		if !ok {
			continue
		}
		if line.LastAt.IsZero() || d.CreatedAt.After(line.LastAt) {
			line.LastAt = d.CreatedAt
			line.LastAction = d.Action
		}
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Project: %s  tasks=%d\n", shortID(projectID), len(tasks)))
	for _, role := range domain.Roles {
		line := lines[role]
		lastAt := "-"
		if !line.LastAt.IsZero() {
			lastAt = line.LastAt.Local().Format("15:04:05")
		}
		b.WriteString(fmt.Sprintf(
			"%-11s pending=%d completed=%d failed=%d last=%s action=%s\n",
			line.Role, line.Pending, line.Completed, line.Failed, lastAt, trimLine(line.LastAction, 20),
		))
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
