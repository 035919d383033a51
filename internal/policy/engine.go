package policy

import (
	"fmt"
	"sort"
	"strings"

	"research_agent/internal/domain"
)

const (
	ToolWebSearch   = "web_search"
	ToolCodeSandbox = "code_sandbox"
)

// aliases maps tool names models tend to produce onto canonical tool names.
var aliases = map[string]string{
	"web_search":        ToolWebSearch,
	"web search":        ToolWebSearch,
	"search":            ToolWebSearch,
	"tavily":            ToolWebSearch,
	"tavily_search":     ToolWebSearch,
	"tavily search":     ToolWebSearch,
	"tavily search api": ToolWebSearch,
	"duckduckgo":        ToolWebSearch,
	"code_sandbox":      ToolCodeSandbox,
	"code sandbox":      ToolCodeSandbox,
	"sandbox":           ToolCodeSandbox,
	"code_interpreter":  ToolCodeSandbox,
	"go":                ToolCodeSandbox,
	"python":            ToolCodeSandbox,
}

// Engine decides which tools each role may be given.
type Engine struct {
	allowed map[domain.Role]map[string]struct{}
}

func New(rules map[domain.Role][]string) *Engine {
	allowed := make(map[domain.Role]map[string]struct{}, len(rules))
	for role, tools := range rules {
		set := make(map[string]struct{}, len(tools))
		for _, tool := range tools {
			set[Canonical(tool)] = struct{}{}
		}
		allowed[role] = set
	}
	return &Engine{allowed: allowed}
}

func Default() *Engine {
	return New(map[domain.Role][]string{
		domain.RoleResearcher: {ToolWebSearch},
		domain.RoleWriter:     {},
		domain.RoleCritic:     {},
		domain.RoleProgrammer: {ToolCodeSandbox},
	})
}

// Canonical normalises a requested tool name. Unknown names are returned lowercased.
func Canonical(tool string) string {
	key := strings.ToLower(strings.TrimSpace(tool))
	if canonical, ok := aliases[key]; ok {
		return canonical
	}
	return key
}

func (e *Engine) AllowedTools(role domain.Role) []string {
	set := e.allowed[role]
	out := make([]string, 0, len(set))
	for tool := range set {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) CanUseTool(role domain.Role, tool string) (bool, string) {
	set, ok := e.allowed[role]
	if !ok {
		return false, fmt.Sprintf("role %q has no tool policy", role)
	}
	canonical := Canonical(tool)
	if _, ok := set[canonical]; !ok {
		return false, fmt.Sprintf("tool %q is not allowed for role %q", tool, role)
	}
	return true, ""
}

// FilterTools splits requested tools into the allowed canonical names and the rejected originals.
func (e *Engine) FilterTools(role domain.Role, tools []string) (kept []string, dropped []string) {
	kept = []string{}
	seen := map[string]struct{}{}
	for _, tool := range tools {
		if ok, _ := e.CanUseTool(role, tool); !ok {
			dropped = append(dropped, tool)
			continue
		}
		canonical := Canonical(tool)
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		kept = append(kept, canonical)
	}
	return kept, dropped
}
