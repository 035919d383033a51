package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/mudler/xlog"
	"github.com/spf13/cobra"

	"research_agent/internal/config"
	"research_agent/internal/domain"
	"research_agent/internal/llm"
	"research_agent/internal/manager"
	"research_agent/internal/orchestrator"
	sqlitestore "research_agent/internal/store/sqlite"
)

type researchService interface {
	Research(ctx context.Context, req orchestrator.Request) (orchestrator.Outcome, error)
	GetTask(ctx context.Context, taskID int64) (domain.Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	ListBatches(ctx context.Context, projectID string) ([]domain.Batch, error)
	ListProjectDecisions(ctx context.Context, projectID string, limit int) ([]domain.DecisionLog, error)
	ListProjectArtifacts(ctx context.Context, projectID string) ([]domain.Artifact, error)
	ReadArtifact(ctx context.Context, projectID, artifactID string) (domain.Artifact, []byte, error)
	MemoryContext(ctx context.Context, projectID string, limit int) (string, error)
	MemoryEntries(ctx context.Context, projectID string, limit int) ([]domain.MemoryEntry, error)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the research form and the JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			listen := firstNonEmpty(addr, a.cfg.Server.Addr)
			httpServer := &http.Server{
				Addr:              listen,
				Handler:           newServer(a.cfg, a.service).routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			xlog.Info("research agent listening", "addr", listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address override")
	return cmd
}

type server struct {
	cfg      config.Config
	research researchService
	page     *template.Template
}

func newServer(cfg config.Config, research researchService) *server {
	return &server{
		cfg:      cfg,
		research: research,
		page:     template.Must(template.New("page").Funcs(sprig.HtmlFuncMap()).Parse(pageTemplate)),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleForm)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/research", s.handleResearch)
	mux.HandleFunc("/projects/", s.handleProject)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	return loggingMiddleware(mux)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":   s.cfg.Path,
		"llm":    map[string]any{"provider": s.cfg.LLM.Provider, "model": s.cfg.LLM.Model, "host": s.cfg.LLM.Host},
		"search": map[string]any{"provider": s.cfg.Search.Provider, "max_results": s.cfg.Search.MaxResults},
		"agents": s.cfg.Agents,
		"memory": s.cfg.Memory,
	})
}

func (s *server) handleResearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	out, err := s.research.Research(r.Context(), req)
	if errors.Is(err, orchestrator.ErrMissingInput) {
		writeError(w, http.StatusBadRequest, errors.New(orchestrator.MissingInputMessage))
		return
	}
	writeJSON(w, researchStatus(err), out)
}

// researchStatus maps a research failure onto an HTTP status. A missing report is a
// completed run and still returns the outcome with 200.
func researchStatus(err error) int {
	var malformed *llm.MalformedOutputError
	var invalid *manager.ValidationError
	switch {
	case err == nil, errors.Is(err, orchestrator.ErrNoReport):
		return http.StatusOK
	case errors.As(err, &malformed), errors.As(err, &invalid):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) handleProject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if len(parts) == 3 && parts[1] == "artifacts" && projectID != "" && parts[2] != "" {
		s.handleArtifactContent(w, r, projectID, parts[2])
		return
	}
	if projectID == "" || len(parts) != 2 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("expected /projects/{id}/{view}"))
		return
	}

	ctx := r.Context()
	switch view := parts[1]; view {
	case "tasks":
		items, err := s.research.ListProjectTasks(ctx, projectID)
		respond(w, items, err)
	case "batches":
		items, err := s.research.ListBatches(ctx, projectID)
		respond(w, items, err)
	case "decisions":
		items, err := s.research.ListProjectDecisions(ctx, projectID, queryInt(r, "limit", 300))
		respond(w, items, err)
	case "artifacts":
		items, err := s.research.ListProjectArtifacts(ctx, projectID)
		respond(w, items, err)
	case "memory":
		limit := queryInt(r, "limit", s.cfg.Memory.Window)
		text, err := s.research.MemoryContext(ctx, projectID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		entries, err := s.research.MemoryEntries(ctx, projectID, limit)
		respond(w, map[string]any{"context": text, "entries": entries}, err)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown view: %s", view))
	}
}

func (s *server) handleArtifactContent(w http.ResponseWriter, r *http.Request, projectID, artifactID string) {
	artifact, content, err := s.research.ReadArtifact(r.Context(), projectID, artifactID)
	if errors.Is(err, orchestrator.ErrArtifactNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	contentType := "text/plain; charset=utf-8"
	if strings.HasSuffix(artifact.URI, ".md") {
		contentType = "text/markdown; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Artifact-Checksum", artifact.Checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/tasks/")
	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id must be an integer"))
		return
	}
	task, err := s.research.GetTask(r.Context(), taskID)
	if errors.Is(err, sqlitestore.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	respond(w, task, err)
}

type pageData struct {
	Topic      string
	Goal       string
	Warning    string
	Error      string
	ProjectID  string
	Tasks      []domain.TaskSpec
	ReportHTML template.HTML
	NoReport   bool
}

func (s *server) handleForm(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.renderPage(w, http.StatusOK, pageData{})
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			s.renderPage(w, http.StatusBadRequest, pageData{Error: err.Error()})
			return
		}
		data := pageData{
			Topic: strings.TrimSpace(r.PostForm.Get("topic")),
			Goal:  strings.TrimSpace(r.PostForm.Get("goal")),
		}
		out, err := s.research.Research(r.Context(), orchestrator.Request{Topic: data.Topic, Goal: data.Goal})
		if errors.Is(err, orchestrator.ErrMissingInput) {
			data.Warning = orchestrator.MissingInputMessage
			s.renderPage(w, http.StatusBadRequest, data)
			return
		}
		data.ProjectID = out.ProjectID
		data.Tasks = out.Tasks
		switch {
		case errors.Is(err, orchestrator.ErrNoReport):
			data.NoReport = true
		case err != nil:
			data.Error = "An error occurred: " + err.Error()
		default:
			data.ReportHTML = markdownToHTML(out.Report)
		}
		s.renderPage(w, researchStatus(err), data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *server) renderPage(w http.ResponseWriter, code int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := s.page.Execute(w, data); err != nil {
		xlog.Error("render page", "error", err)
	}
}

// markdownToHTML renders model-written Markdown, dropping any raw HTML it contains.
func markdownToHTML(md string) template.HTML {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock)
	doc := p.Parse([]byte(md))
	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank | html.SkipHTML})
	return template.HTML(markdown.Render(doc, renderer))
}

const pageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Autonomous AI Research Agent</title>
<style>
body { font-family: sans-serif; max-width: 860px; margin: 2em auto; }
.warning { background: #fff4ce; padding: .6em; }
.error { background: #fde7e9; padding: .6em; }
label { display: block; margin-top: .8em; }
input[type=text] { width: 100%; }
</style>
</head>
<body>
<h1>Autonomous AI Research Agent</h1>
<form method="post" action="/">
<label>Enter the research topic: <input type="text" name="topic" value="{{ .Topic }}"></label>
<label>Enter the research goal: <input type="text" name="goal" value="{{ .Goal }}"></label>
<p><button type="submit">Start Research</button></p>
</form>
{{- with .Warning }}<p class="warning">{{ . }}</p>{{ end }}
{{- with .Error }}<p class="error">{{ . }}</p>{{ end }}
{{- if .Tasks }}
<h2>Planned tasks</h2>
<p>Project {{ .ProjectID }}: {{ len .Tasks }} {{ if eq (len .Tasks) 1 }}task{{ else }}tasks{{ end }}</p>
<ol>
{{- range .Tasks }}
<li><strong>{{ .Agent }}</strong>: {{ .Description }}{{ if .Tools }} <em>({{ join ", " .Tools }})</em>{{ end }}</li>
{{- end }}
</ol>
{{- end }}
{{- if .NoReport }}<p class="warning">Could not retrieve report.</p>{{ end }}
{{- if .ReportHTML }}
<h2>Research Report</h2>
<article>{{ .ReportHTML }}</article>
{{- end }}
</body>
</html>
`

func respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		xlog.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
