package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mudler/xlog"

	"research_agent/internal/agent"
	"research_agent/internal/config"
	"research_agent/internal/domain"
	"research_agent/internal/fs"
	"research_agent/internal/llm"
	"research_agent/internal/manager"
	"research_agent/internal/memory"
	"research_agent/internal/messaging/inproc"
	"research_agent/internal/orchestrator"
	"research_agent/internal/policy"
	"research_agent/internal/sandbox"
	"research_agent/internal/search"
	sqlitestore "research_agent/internal/store/sqlite"
)

type app struct {
	cfg     config.Config
	store   *sqlitestore.Store
	bus     *inproc.Bus
	service *orchestrator.Service
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.Server.DBPath = filepath.Clean(firstNonEmpty(opts.dbPath, cfg.Server.DBPath))
	cfg.Server.WorkspaceRoot = filepath.Clean(firstNonEmpty(opts.workspace, cfg.Server.WorkspaceRoot))
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config) (*sqlitestore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(cfg.Server.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return store, nil
}

// newApp validates the configuration and wires every component of a research run.
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	service, bus, err := wireService(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, bus: bus, service: service}, nil
}

func wireService(cfg config.Config, store *sqlitestore.Store) (*orchestrator.Service, *inproc.Bus, error) {
	client, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("create llm client: %w", err)
	}
	searcher, err := search.New(cfg.Search)
	if err != nil {
		return nil, nil, fmt.Errorf("create search backend: %w", err)
	}
	files, err := fs.NewGateway(cfg.Server.WorkspaceRoot, store)
	if err != nil {
		return nil, nil, fmt.Errorf("create file gateway: %w", err)
	}

	inline := make([]domain.Role, 0, len(cfg.Agents.InlineRoles))
	for _, role := range cfg.Agents.InlineRoles {
		inline = append(inline, domain.Role(strings.TrimSpace(role)))
	}

	bus := inproc.New(256)
	mem := memory.New(store, cfg.Memory.Window)
	mgr, err := manager.New(manager.Config{
		LLM:    client,
		Store:  store,
		Memory: mem,
		Policy: policy.Default(),
		Events: bus,
		Researcher: agent.NewResearcher(client, search.NewTool(searcher, cfg.Search.Timeout()), agent.ResearcherConfig{
			MaxIterations: cfg.Agents.MaxIterations,
			LLMTimeout:    cfg.LLM.Timeout(),
		}),
		Writer:       agent.NewWriter(client),
		Critic:       agent.NewCritic(client),
		Programmer:   agent.NewProgrammer(client, sandbox.New(sandbox.Config{Timeout: cfg.Sandbox.Timeout()})),
		InlineRoles:  inline,
		MemoryWindow: cfg.Memory.Window,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create manager: %w", err)
	}

	service := orchestrator.New(store, mgr, mem, files, bus, orchestrator.Config{
		RefinementRounds: cfg.Agents.RefinementRounds,
	})
	xlog.Info("research agent wired",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"search", cfg.Search.Provider,
		"db", cfg.Server.DBPath,
		"workspace", files.Root(),
	)
	return service, bus, nil
}

func (a *app) Close() {
	_ = a.store.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
