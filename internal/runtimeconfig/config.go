// Package runtimeconfig is the external collaborator that assembles the
// single immutable runtime-configuration object every other package
// depends on: workspace path, provider endpoints, routing lists, memory
// and task-orchestration parameters. No component applies its own
// defaults from this package — each package's own sanitizeConfig/
// Default...Config remains authoritative; this package only decides
// what to load from disk and where the zero value should fall back to.
package runtimeconfig

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Local     LocalConfig     `yaml:"local_provider"`
	Remote    RemoteConfig    `yaml:"remote_provider"`
	Routing   RoutingConfig   `yaml:"routing"`
	Memory    MemoryConfig    `yaml:"memory"`
	Runner    RunnerConfig    `yaml:"runner"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WorkspaceConfig points at the workspace directory holding tasks.db,
// memory.db, logs/, and HEARTBEAT.md.
type WorkspaceConfig struct {
	Path          string `yaml:"path"`
	HeartbeatFile string `yaml:"heartbeat_file"`
}

// LocalConfig configures the always-available local provider.
type LocalConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	ContextLength int           `yaml:"context_length"`
	Timeout       time.Duration `yaml:"timeout"`
}

// RemoteConfig configures the optional escalation provider. Enabled
// gates whether cmd wiring constructs it at all; when false, routing
// always resolves to local regardless of keywords.
type RemoteConfig struct {
	Enabled       bool   `yaml:"enabled"`
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	ContextLength int    `yaml:"context_length"`
	MaxTokens     int64  `yaml:"max_tokens"`
}

// RoutingConfig configures the local/remote routing decision and the
// agent loop's escalation threshold.
type RoutingConfig struct {
	AlwaysLocalKeywords  []string `yaml:"always_local_keywords"`
	AlwaysRemoteKeywords []string `yaml:"always_remote_keywords"`
	Default              string   `yaml:"default"`
	EscalationThreshold  float64  `yaml:"escalation_threshold"`
}

// MemoryConfig configures the hybrid memory store.
type MemoryConfig struct {
	Path             string        `yaml:"path"`
	WorkingMemoryTTL time.Duration `yaml:"working_memory_ttl"`
}

// RunnerConfig configures the task runner's tick cadence and dedupe/
// timeout windows.
type RunnerConfig struct {
	DBPath        string        `yaml:"db_path"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	EventDedupeMs int64         `yaml:"event_dedupe_ms"`
	TaskTimeout   time.Duration `yaml:"task_timeout"`
}

// DiscoveryConfig configures the idle-gated proposal loop.
type DiscoveryConfig struct {
	Interval         time.Duration `yaml:"interval"`
	UserActiveWithin time.Duration `yaml:"user_active_within"`
	IdleThresholdMs  int64         `yaml:"idle_threshold_ms"`
	MaxProposals     int           `yaml:"max_proposals"`
}

// WebhookConfig configures the inbound webhook event source's own
// minimal HTTP listener (the webhook receiver is the one narrow
// exception to the HTTP-surface non-goal: without it the event source
// has no way to receive deliveries).
type WebhookConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Route      string `yaml:"route"`
	Secret     string `yaml:"secret"`
}

// LoggingConfig configures the root slog logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the YAML config at path, expanding environment
// variables first (so secrets like api keys can be injected via env),
// then applies this package's own fallback defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtimeconfig: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("runtimeconfig: parse %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("runtimeconfig: %s must contain a single document", path)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace.Path == "" {
		cfg.Workspace.Path = "./workspace"
	}
	if cfg.Workspace.HeartbeatFile == "" {
		cfg.Workspace.HeartbeatFile = "HEARTBEAT.md"
	}

	if cfg.Local.BaseURL == "" {
		cfg.Local.BaseURL = "http://localhost:11434"
	}
	if cfg.Local.Model == "" {
		cfg.Local.Model = "llama3.1"
	}
	if cfg.Local.ContextLength <= 0 {
		cfg.Local.ContextLength = 8192
	}
	if cfg.Local.Timeout <= 0 {
		cfg.Local.Timeout = 2 * time.Minute
	}

	if cfg.Remote.ContextLength <= 0 {
		cfg.Remote.ContextLength = 200000
	}
	if cfg.Remote.MaxTokens <= 0 {
		cfg.Remote.MaxTokens = 4096
	}

	if cfg.Routing.Default == "" {
		cfg.Routing.Default = "local"
	}
	if cfg.Routing.EscalationThreshold <= 0 {
		cfg.Routing.EscalationThreshold = 0.5
	}

	if cfg.Memory.Path == "" {
		cfg.Memory.Path = cfg.Workspace.Path + "/memory.db"
	}
	if cfg.Memory.WorkingMemoryTTL <= 0 {
		cfg.Memory.WorkingMemoryTTL = time.Hour
	}

	if cfg.Runner.DBPath == "" {
		cfg.Runner.DBPath = cfg.Workspace.Path + "/tasks.db"
	}

	if cfg.Webhook.Route == "" {
		cfg.Webhook.Route = "webhook"
	}
	if cfg.Webhook.ListenAddr == "" {
		cfg.Webhook.ListenAddr = "127.0.0.1:8085"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
