// Package config loads the loom CLI configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Model     ModelConfig     `toml:"model" yaml:"model"`
	Thread    ThreadConfig    `toml:"thread" yaml:"thread"`
	Retry     RetryConfig     `toml:"retry" yaml:"retry"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	Observer  ObserverConfig  `toml:"observer" yaml:"observer"`
	Tools     ToolsConfig     `toml:"tools" yaml:"tools"`
	MCP       []MCPServer     `toml:"mcp" yaml:"mcp"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

type ModelConfig struct {
	Provider    string   `toml:"provider" yaml:"provider"`
	Model       string   `toml:"model" yaml:"model"`
	APIKey      string   `toml:"api_key" yaml:"api_key"`
	BaseURL     string   `toml:"base_url" yaml:"base_url"`
	Temperature *float64 `toml:"temperature" yaml:"temperature"`
	TopP        *float64 `toml:"top_p" yaml:"top_p"`
	MaxTokens   int      `toml:"max_tokens" yaml:"max_tokens"`
}

type ThreadConfig struct {
	AgentID     string `toml:"agent_id" yaml:"agent_id"`
	System      string `toml:"system" yaml:"system"`
	MaxTicks    int    `toml:"max_ticks" yaml:"max_ticks"`
	Concurrency int    `toml:"concurrency" yaml:"concurrency"`
}

type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms" yaml:"base_delay_ms"`
}

// RateLimitConfig caps model traffic. Zero disables a limit.
type RateLimitConfig struct {
	RPM int `toml:"rpm" yaml:"rpm"`
	TPM int `toml:"tpm" yaml:"tpm"`
}

type StoreConfig struct {
	Driver string `toml:"driver" yaml:"driver"` // none, sqlite, postgres
	Path   string `toml:"path" yaml:"path"`
	DSN    string `toml:"dsn" yaml:"dsn"`
}

type ObserverConfig struct {
	Enabled     bool                       `toml:"enabled" yaml:"enabled"`
	ServiceName string                     `toml:"service_name" yaml:"service_name"`
	Pricing     map[string]ObserverPricing `toml:"pricing" yaml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input" yaml:"input"`
	Output float64 `toml:"output" yaml:"output"`
}

// ToolsConfig selects the optional built-in toolkits. Workspace is the
// directory file and shell tools are confined to.
type ToolsConfig struct {
	Workspace    string `toml:"workspace" yaml:"workspace"`
	Files        bool   `toml:"files" yaml:"files"`
	Shell        bool   `toml:"shell" yaml:"shell"`
	ShellTimeout int    `toml:"shell_timeout" yaml:"shell_timeout"` // seconds
	Fetch        bool   `toml:"fetch" yaml:"fetch"`
}

// MCPServer is an external MCP server spawned over stdio whose tools are
// offered to the agent.
type MCPServer struct {
	Name    string   `toml:"name" yaml:"name"`
	Command string   `toml:"command" yaml:"command"`
	Args    []string `toml:"args" yaml:"args"`
	Prefix  string   `toml:"prefix" yaml:"prefix"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level"` // debug, info, warn, error
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = os.TempDir()
	}
	return Config{
		Model:    ModelConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Thread:   ThreadConfig{AgentID: "loom", MaxTicks: 25, Concurrency: 4},
		Retry:    RetryConfig{MaxAttempts: 3, BaseDelayMS: 1000},
		Tools:    ToolsConfig{Workspace: filepath.Join(home, "loom-workspace"), Fetch: true, ShellTimeout: 30},
		Store:    StoreConfig{Driver: "sqlite", Path: filepath.Join(home, ".loom", "threads.db")},
		Observer: ObserverConfig{ServiceName: "loom"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> file -> env vars (env wins). An empty path
// means loom.toml in the working directory. A missing file is not an error.
// ${VAR} references inside the file are expanded before decoding.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, os.ExpandEnv(string(data)), &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func decode(path, data string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal([]byte(data), cfg)
	default:
		_, err := toml.Decode(data, cfg)
		return err
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOOM_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("LOOM_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("LOOM_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("LOOM_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
		cfg.Store.Driver = "postgres"
	}
	if v := os.Getenv("LOOM_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("LOOM_WORKSPACE"); v != "" {
		cfg.Tools.Workspace = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// Fallbacks
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}
