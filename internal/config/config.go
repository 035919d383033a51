package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	SearchTavily     = "tavily"
	SearchDuckDuckGo = "duckduckgo"
)

var (
	ErrMissingSearchKey = errors.New("search api key is required for the tavily provider")
	ErrMissingLLMKey    = errors.New("api key is required for the openai provider")
)

type Config struct {
	LLM     LLMConfig      `toml:"llm"`
	Search  SearchConfig   `toml:"search"`
	Memory  MemoryConfig   `toml:"memory"`
	Agents  AgentsConfig   `toml:"agents"`
	Sandbox SandboxConfig  `toml:"sandbox"`
	Server  ServerConfig   `toml:"server"`
	Raw     map[string]any `toml:"-"`
	Path    string         `toml:"-"`
}

type LLMConfig struct {
	Provider     string  `toml:"provider"`
	Model        string  `toml:"model"`
	Host         string  `toml:"host"`
	APIKey       string  `toml:"api_key"`
	Temperature  float64 `toml:"temperature"`
	TimeoutMS    int     `toml:"timeout_ms"`
	MaxRetries   int     `toml:"max_retries"`
	RetryDelayMS int     `toml:"retry_delay_ms"`
}

type SearchConfig struct {
	Provider    string `toml:"provider"`
	APIKey      string `toml:"api_key"`
	BaseURL     string `toml:"base_url"`
	SearchDepth string `toml:"search_depth"`
	MaxResults  int    `toml:"max_results"`
	TimeoutMS   int    `toml:"timeout_ms"`
}

type MemoryConfig struct {
	Window int `toml:"window"`
}

type AgentsConfig struct {
	MaxIterations    int      `toml:"max_iterations"`
	RefinementRounds int      `toml:"refinement_rounds"`
	InlineRoles      []string `toml:"inline_roles"`
}

type SandboxConfig struct {
	TimeoutMS int `toml:"timeout_ms"`
}

type ServerConfig struct {
	Addr          string `toml:"addr"`
	DBPath        string `toml:"db_path"`
	WorkspaceRoot string `toml:"workspace_root"`
}

// Load reads the TOML file at path, then applies .env and environment overrides.
// An empty path uses the default location, which may be absent.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	bytes, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		var raw map[string]any
		if _, err := toml.Decode(string(bytes), &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
		cfg.Raw = raw
		cfg.Path = resolved
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	return cfg.WithDefaults(), nil
}

func (c Config) WithDefaults() Config {
	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderOllama
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "llama3"
	}
	if c.LLM.Host == "" && c.LLM.Provider == ProviderOllama {
		c.LLM.Host = "http://ollama:11434"
	}
	if c.LLM.TimeoutMS <= 0 {
		c.LLM.TimeoutMS = 120000
	}
	// An explicit max_retries = 0 disables retries; negative values mean the default.
	if c.LLM.MaxRetries < 0 || (c.LLM.MaxRetries == 0 && !c.hasRaw("llm", "max_retries")) {
		c.LLM.MaxRetries = 2
	}
	if c.LLM.RetryDelayMS <= 0 {
		c.LLM.RetryDelayMS = 1500
	}
	if c.Search.Provider == "" {
		c.Search.Provider = SearchTavily
	}
	if c.Search.BaseURL == "" && c.Search.Provider == SearchTavily {
		c.Search.BaseURL = "https://api.tavily.com"
	}
	if c.Search.SearchDepth == "" {
		c.Search.SearchDepth = "advanced"
	}
	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = 5
	}
	if c.Search.TimeoutMS <= 0 {
		c.Search.TimeoutMS = 30000
	}
	if c.Memory.Window <= 0 {
		c.Memory.Window = 10
	}
	if c.Agents.MaxIterations <= 0 {
		c.Agents.MaxIterations = 6
	}
	if c.Agents.RefinementRounds < 0 {
		c.Agents.RefinementRounds = 0
	}
	if c.Agents.RefinementRounds == 0 && !c.hasRaw("agents", "refinement_rounds") {
		c.Agents.RefinementRounds = 1
	}
	if len(c.Agents.InlineRoles) == 0 {
		c.Agents.InlineRoles = []string{"Researcher"}
	}
	if c.Sandbox.TimeoutMS <= 0 {
		c.Sandbox.TimeoutMS = 10000
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8787"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "research_agent.db"
	}
	if c.Server.WorkspaceRoot == "" {
		c.Server.WorkspaceRoot = "workspace"
	}
	return c
}

// Validate reports configuration that makes a research run impossible.
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOllama:
	case ProviderOpenAI:
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			return ErrMissingLLMKey
		}
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	switch c.Search.Provider {
	case SearchTavily:
		if strings.TrimSpace(c.Search.APIKey) == "" {
			return ErrMissingSearchKey
		}
	case SearchDuckDuckGo:
	default:
		return fmt.Errorf("unsupported search provider %q", c.Search.Provider)
	}
	return nil
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c LLMConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func (c SearchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c SandboxConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("RESEARCH_LLM_PROVIDER")); v != "" {
		c.LLM.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("RESEARCH_LLM_MODEL")); v != "" {
		c.LLM.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("RESEARCH_LLM_HOST")); v != "" {
		c.LLM.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("RESEARCH_DB_PATH")); v != "" {
		c.Server.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("RESEARCH_SEARCH_PROVIDER")); v != "" {
		c.Search.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("TAVILY_API_KEY")); v != "" && c.Search.APIKey == "" {
		c.Search.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
}

func (c Config) hasRaw(section, key string) bool {
	table, ok := c.Raw[section].(map[string]any)
	if !ok {
		return false
	}
	_, ok = table[key]
	return ok
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(path, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".research_agent/config.toml"
	}
	return filepath.Join(home, ".research_agent", "config.toml")
}
