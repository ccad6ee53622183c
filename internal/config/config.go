package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPath is read when Load is given no path.
const DefaultPath = "chatflow.toml"

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Session  SessionConfig  `toml:"session"`
	Tools    ToolsConfig    `toml:"tools"`
	MCP      []MCPServer    `toml:"mcp"`
	Observer ObserverConfig `toml:"observer"`
	Log      LogConfig      `toml:"log"`
}

type LLMConfig struct {
	Name        string   `toml:"name"`
	BaseURL     string   `toml:"base_url"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	Temperature *float64 `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`

	RetryAttempts int           `toml:"retry_attempts"`
	RetryDelay    time.Duration `toml:"retry_delay"`
	RetryTimeout  time.Duration `toml:"retry_timeout"`
	RPM           int           `toml:"rpm"`
	TPM           int           `toml:"tpm"`
}

type SessionConfig struct {
	SystemPrompt string `toml:"system_prompt"`
	MaxRequests  int    `toml:"max_requests"`
	// Exclude is one of "none", "filter" or "remove".
	Exclude     string `toml:"exclude"`
	AutoRepair  bool   `toml:"auto_repair"`
	MaxParallel int    `toml:"max_parallel"`
}

type ToolsConfig struct {
	Workspace    string `toml:"workspace"`
	Fetch        bool   `toml:"fetch"`
	File         bool   `toml:"file"`
	Shell        bool   `toml:"shell"`
	ShellTimeout int    `toml:"shell_timeout"`
}

// MCPServer is one [[mcp]] entry. Exactly one of Command or URL is set.
type MCPServer struct {
	Name    string            `toml:"name"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

// ObserverPricing is USD per million tokens. Cached defaults to Input.
type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
	Cached float64 `toml:"cached"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	workspace, _ := os.Getwd()
	if workspace == "" {
		workspace = os.TempDir()
	}
	return Config{
		LLM: LLMConfig{
			Name:          "openai",
			BaseURL:       "https://api.openai.com/v1",
			Model:         "gpt-4o-mini",
			RetryAttempts: 3,
			RetryDelay:    time.Second,
		},
		Session: SessionConfig{Exclude: "none", AutoRepair: true},
		Tools:   ToolsConfig{Workspace: workspace, Fetch: true, ShellTimeout: 30},
		Log:     LogConfig{Level: "warn", Format: "text"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)

	// Fallbacks
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATFLOW_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CHATFLOW_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CHATFLOW_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CHATFLOW_SESSION_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.MaxRequests = n
		}
	}
	if v := os.Getenv("CHATFLOW_TOOLS_WORKSPACE"); v != "" {
		cfg.Tools.Workspace = v
	}
	if v := os.Getenv("CHATFLOW_MCP_URL"); v != "" {
		cfg.MCP = append(cfg.MCP, MCPServer{Name: "env", URL: v})
	}
	if v := os.Getenv("CHATFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CHATFLOW_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.LLM.BaseURL == "" {
		return errors.New("llm.base_url is required")
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	switch c.Session.Exclude {
	case "", "none", "filter", "remove":
	default:
		return fmt.Errorf("session.exclude: unknown mode %q", c.Session.Exclude)
	}
	for i, s := range c.MCP {
		if (s.Command == "") == (s.URL == "") {
			return fmt.Errorf("mcp[%d] %q: set exactly one of command or url", i, s.Name)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}
