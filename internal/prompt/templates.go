package prompt

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

const (
	Manager    = "manager"
	Researcher = "researcher"
	Writer     = "writer"
	Critic     = "critic"
	Programmer = "programmer"
)

var templates = map[string]string{
	Manager:    managerTemplate,
	Researcher: researcherTemplate,
	Writer:     writerTemplate,
	Critic:     criticTemplate,
	Programmer: programmerTemplate,
}

var parsed = mustParseAll()

// Render executes the named template with data.
func Render(name string, data any) (string, error) {
	tmpl, ok := parsed[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return out.String(), nil
}

func templateBase(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(sprig.FuncMap()).Parse(text)
}

func mustParseAll() map[string]*template.Template {
	out := make(map[string]*template.Template, len(templates))
	for name, text := range templates {
		tmpl, err := templateBase(name, text)
		if err != nil {
			panic(fmt.Sprintf("parse %s prompt: %v", name, err))
		}
		out[name] = tmpl
	}
	return out
}

type RoleInfo struct {
	Name        string
	Description string
	Tools       []string
}

type ManagerData struct {
	Query string
	Roles []RoleInfo
}

type ResearcherData struct {
	Task            string
	Context         string
	ToolName        string
	ToolDescription string
	MaxIterations   int
	Scratchpad      string
}

type WriterData struct {
	Task     string
	Research string
}

type CriticData struct {
	Report string
}

type ProgrammerData struct {
	Task    string
	Context string
}

const taskSchema = `Return a JSON object with a single key "tasks", which is a list of objects.
Each object must have the following keys:
- "agent": the name of the agent assigned to the task, exactly one of the agent names above.
- "description": a clear and concise description of the task. It must not be empty.
- "tools": a list of tool names the agent should use. It can be an empty list.`

const managerTemplate = `You are a manager agent responsible for breaking down a user's research request into a series of tasks for a team of agents.
Based on the user's query, create a list of tasks to be executed by the following agents:
{{- range .Roles }}
- {{ .Name }}: {{ .Description }}{{ if .Tools }} Allowed tools: {{ join ", " .Tools }}.{{ else }} No tools.{{ end }}
{{- end }}

The user's query is:
{{ .Query | trim }}

` + taskSchema + `

Example:
{
  "tasks": [
    {"agent": "Researcher", "description": "Gather information about the European solar panel market in 2024.", "tools": ["web_search"]},
    {"agent": "Writer", "description": "Write a SWOT analysis of the European solar panel market based on the research.", "tools": []}
  ]
}

Respond with the JSON object only.`

const researcherTemplate = `You are a researcher agent. Your goal is to gather information from the internet and synthesize it into a structured report.
Review the following recent memory entries to understand the context of the task:
{{ .Context }}

You have access to the following tool:
{{ .ToolName }}: {{ .ToolDescription }}

Use the following format:

Thought: think about what to do next
Action: {{ .ToolName }}
Action Input: the search query
Observation: the result of the search
... (Thought/Action/Action Input/Observation can repeat at most {{ .MaxIterations }} times)
Thought: I now know the final answer
Final Answer: the report

The final answer must be a report with the following structure:

1. **Summary**: A brief summary of the findings.
2. **Raw Data**: The raw data collected from the search, including snippets and content.
3. **Source URLs**: A list of the URLs of the sources used.

Research Task: {{ .Task }}

Begin!
{{ .Scratchpad }}`

const writerTemplate = `You are a writer agent. Your goal is to write a cohesive and well-structured report based on the provided research data.
The user's request is: {{ .Task }}
The research data is:
{{ default "No research data is available." .Research }}

Based on the above, generate a Markdown report that is well-structured, with a title, an introduction, a main body with sections, and a conclusion.
The report should be easy to read and understand.`

const criticTemplate = `You are a critic agent. Your role is to evaluate a given report, identify its weaknesses,
and propose concrete, actionable tasks to improve it. These tasks will be sent to other agents
(Researcher, Writer, Critic, Programmer).

The report is as follows:
{{ .Report }}

` + taskSchema + `

Example:
{
  "tasks": [
    {"agent": "Researcher", "description": "Find more recent data on the European solar panel market, specifically for Q3 and Q4 of 2024.", "tools": ["web_search"]},
    {"agent": "Writer", "description": "Rewrite the 'Market Trends' section to include the new data and provide a more in-depth analysis.", "tools": []}
  ]
}

If the report needs no further work, return {"tasks": []}. Respond with the JSON object only.`

const programmerTemplate = `You are a Go programmer. Write a complete Go program to accomplish the following task.
The program must be a single file in package main with a func main, may import only the standard library,
and must print its results to standard output. Do not add any explanation, just the code.
{{- if .Context }}

Context from previous steps:
{{ .Context }}
{{- end }}

Task: {{ .Task }}

Your code should be a single block of Go code.`
