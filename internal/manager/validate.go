package manager

import (
	"encoding/json"
	"fmt"
	"strings"

	"research_agent/internal/domain"
	"research_agent/internal/llm"
)

type Issue struct {
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a structurally valid task list whose entries break the task schema.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Index < 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
			continue
		}
		parts = append(parts, fmt.Sprintf("tasks[%d].%s: %s", issue.Index, issue.Field, issue.Message))
	}
	return "invalid task list: " + strings.Join(parts, "; ")
}

// ParseTaskBatch decodes and validates a {"tasks": [...]} document produced by a model.
// A document without a tasks key yields an empty list. Undecodable output is a *llm.MalformedOutputError.
func ParseTaskBatch(raw string) ([]domain.TaskSpec, error) {
	var envelope map[string]json.RawMessage
	if err := llm.DecodeJSON(raw, &envelope); err != nil {
		return nil, err
	}
	tasksRaw, ok := envelope["tasks"]
	if !ok || string(tasksRaw) == "null" {
		return []domain.TaskSpec{}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(tasksRaw, &items); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Index: -1, Field: "tasks", Message: "must be a list"}}}
	}

	specs := make([]domain.TaskSpec, 0, len(items))
	var issues []Issue
	for i, item := range items {
		spec, itemIssues := validateTask(i, item)
		if len(itemIssues) > 0 {
			issues = append(issues, itemIssues...)
			continue
		}
		specs = append(specs, spec)
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return specs, nil
}

func validateTask(index int, item json.RawMessage) (domain.TaskSpec, []Issue) {
	var fields map[string]any
	if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
		return domain.TaskSpec{}, []Issue{{Index: index, Field: "", Message: "must be an object"}}
	}

	var spec domain.TaskSpec
	var issues []Issue

	switch agent := fields["agent"].(type) {
	case string:
		role := domain.Role(strings.TrimSpace(agent))
		if !role.Known() {
			issues = append(issues, Issue{Index: index, Field: "agent", Message: fmt.Sprintf("unknown role %q", agent)})
		}
		spec.Agent = role
	case nil:
		issues = append(issues, Issue{Index: index, Field: "agent", Message: "is required"})
	default:
		issues = append(issues, Issue{Index: index, Field: "agent", Message: "must be a string"})
	}

	switch description := fields["description"].(type) {
	case string:
		if strings.TrimSpace(description) == "" {
			issues = append(issues, Issue{Index: index, Field: "description", Message: "must not be empty"})
		}
		spec.Description = strings.TrimSpace(description)
	case nil:
		issues = append(issues, Issue{Index: index, Field: "description", Message: "is required"})
	default:
		issues = append(issues, Issue{Index: index, Field: "description", Message: "must be a string"})
	}

	spec.Tools = []string{}
	switch tools := fields["tools"].(type) {
	case nil:
	case []any:
		for j, tool := range tools {
			name, ok := tool.(string)
			if !ok {
				issues = append(issues, Issue{Index: index, Field: fmt.Sprintf("tools[%d]", j), Message: "must be a string"})
				continue
			}
			spec.Tools = append(spec.Tools, name)
		}
	default:
		issues = append(issues, Issue{Index: index, Field: "tools", Message: "must be a list of strings"})
	}

	return spec, issues
}
