// Package config provides the configuration schema, loader, and adapter
// factory for the wall-bounce analyzer.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wallbounce/wallbounce/pkg/types"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration for YAML decoding of strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Defaults  DefaultsConfig   `yaml:"defaults"`
	Sessions  SessionsConfig   `yaml:"sessions"`
	Retriever RetrieverConfig  `yaml:"retriever"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Approvals ApprovalsConfig  `yaml:"approvals"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderConfig declares one provider adapter. Exactly one of the SDK, CLI
// and MCP blocks must be set, matching Kind.
type ProviderConfig struct {
	// ID is the stable provider id. Must be unique.
	ID string `yaml:"id"`

	// Name is the human-readable provider name. Defaults to ID.
	Name string `yaml:"name"`

	// Vendor groups providers for session vendor rotation (e.g. "openai").
	Vendor string `yaml:"vendor"`

	// Tier grades the provider's capability in [1,5].
	Tier int `yaml:"tier"`

	// Kind selects the invocation mechanism: sdk, cli, or mcp.
	Kind string `yaml:"kind"`

	// Capabilities lists what the provider is good at (analysis, coding,
	// creative, aggregation).
	Capabilities []string `yaml:"capabilities"`

	// CostPerToken is the relative cost used to break selection ties.
	CostPerToken float64 `yaml:"cost_per_token"`

	// Disabled excludes the provider without removing its block.
	Disabled bool `yaml:"disabled"`

	SDK *SDKConfig `yaml:"sdk"`
	CLI *CLIConfig `yaml:"cli"`
	MCP *MCPConfig `yaml:"mcp"`
}

// SDKConfig configures an in-process SDK adapter.
type SDKConfig struct {
	// Backend is the any-llm backend name (e.g., "openai", "anthropic",
	// "gemini", "ollama").
	Backend string `yaml:"backend"`

	// Model selects a specific model within the backend.
	Model string `yaml:"model"`

	// APIKey is a secret reference such as "env:OPENAI_API_KEY". Config
	// files never carry raw keys.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Temperature, when non-zero, is forwarded to the backend.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens, when positive, caps the completion length.
	MaxTokens int `yaml:"max_tokens"`
}

// CLIConfig configures a subprocess adapter. Arguments form an explicit argv
// vector and are never interpreted by a shell.
type CLIConfig struct {
	// Command is the path to the executable.
	Command string `yaml:"command"`

	// Args is the argument vector passed to the executable.
	Args []string `yaml:"args"`

	// Env holds additional environment variables injected into the
	// subprocess. Values may be secret references.
	Env map[string]string `yaml:"env"`

	// WorkDir is the child's working directory. Empty means inherit.
	WorkDir string `yaml:"workdir"`

	// Format selects raw or jsonl output parsing. Default: raw.
	Format string `yaml:"format"`

	// HealthArgs replaces Args for health probes. Default: ["--version"].
	HealthArgs []string `yaml:"health_args"`
}

// MCPConfig configures an adapter that speaks to a local MCP server over
// stdio.
type MCPConfig struct {
	// Command is the argv vector that starts the MCP server, executable
	// first.
	Command []string `yaml:"command"`

	// Env holds additional environment variables for the server process.
	// Values may be secret references.
	Env map[string]string `yaml:"env"`

	// CompletionTool names the server tool that produces completions.
	// Default: "complete".
	CompletionTool string `yaml:"completion_tool"`

	// ReadOnlyTools lists tool names that never need approval.
	ReadOnlyTools []string `yaml:"read_only_tools"`
}

// DefaultsConfig overrides the built-in per-call option defaults. Zero fields
// keep the documented defaults.
type DefaultsConfig struct {
	TaskType             string   `yaml:"task_type"`
	Mode                 string   `yaml:"mode"`
	Depth                int      `yaml:"depth"`
	MinProviders         int      `yaml:"min_providers"`
	ConfidenceFloor      float64  `yaml:"confidence_floor"`
	ConsensusFloor       float64  `yaml:"consensus_floor"`
	SandboxLevel         string   `yaml:"sandbox_level"`
	AutoMode             bool     `yaml:"auto_mode"`
	PerAdapterTimeout    Duration `yaml:"per_adapter_timeout"`
	WholeDispatchTimeout Duration `yaml:"whole_dispatch_timeout"`
}

// SessionsConfig configures the multi-turn session layer.
type SessionsConfig struct {
	// Redis configures the durable session store. When nil, sessions live
	// in process memory only.
	Redis *RedisConfig `yaml:"redis"`

	// TTL is the idle lifetime of a session. Default 720h.
	TTL Duration `yaml:"ttl"`
}

// RedisConfig holds the Redis connection settings for the session store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr"`

	// Password is a secret reference such as "env:REDIS_PASSWORD".
	Password string `yaml:"password"`

	// DB selects the Redis logical database.
	DB int `yaml:"db"`
}

// RetrieverConfig configures the optional pgvector context retriever.
type RetrieverConfig struct {
	// PostgresDSN is the connection string for the snippet store. May be a
	// secret reference ("env:WALLBOUNCE_PG_DSN") since DSNs often embed
	// credentials. Empty disables retrieval.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Table is the snippet table name. Default "snippets".
	Table string `yaml:"table"`

	// Limit caps the snippets attached to each analysis. Default 5.
	Limit int `yaml:"limit"`

	// Embeddings configures the query embedder.
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig configures the OpenAI embedder used for retrieval queries.
type EmbeddingsConfig struct {
	// Model is the embedding model name. Default text-embedding-3-small.
	Model string `yaml:"model"`

	// APIKey is a secret reference such as "env:OPENAI_API_KEY".
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url"`
}

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	// Disabled turns breakers off entirely.
	Disabled bool `yaml:"disabled"`

	// MaxFailures is the consecutive-failure count that opens a breaker.
	// Default 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing.
	// Default 30s.
	ResetTimeout Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the probe budget in the half-open state. Default 3.
	HalfOpenMax int `yaml:"half_open_max"`
}

// ApprovalsConfig configures the tool-approval gate.
type ApprovalsConfig struct {
	// Timeout is how long a pending approval waits before expiring.
	// Default 60s.
	Timeout Duration `yaml:"timeout"`

	// AutoMode allows low and medium risk approvals to auto-resolve.
	AutoMode bool `yaml:"auto_mode"`
}

// Options maps the configured defaults onto the per-call option surface.
func (c *Config) Options() types.Options {
	opts := types.DefaultOptions()
	d := c.Defaults
	if d.TaskType != "" {
		opts.TaskType = types.TaskType(d.TaskType)
	}
	if d.Mode != "" {
		opts.Mode = types.Mode(d.Mode)
	}
	if d.Depth != 0 {
		opts.Depth = d.Depth
	}
	if d.MinProviders != 0 {
		opts.MinProviders = d.MinProviders
	}
	if d.ConfidenceFloor != 0 {
		opts.ConfidenceFloor = d.ConfidenceFloor
	}
	if d.ConsensusFloor != 0 {
		opts.ConsensusFloor = d.ConsensusFloor
	}
	if d.SandboxLevel != "" {
		opts.SandboxLevel = types.SandboxLevel(d.SandboxLevel)
	}
	if d.PerAdapterTimeout > 0 {
		opts.PerAdapterTimeout = d.PerAdapterTimeout.Std()
	}
	if d.WholeDispatchTimeout > 0 {
		opts.WholeDispatchTimeout = d.WholeDispatchTimeout.Std()
	}
	if c.Approvals.Timeout > 0 {
		opts.ApprovalTimeout = c.Approvals.Timeout.Std()
	}
	opts.AutoMode = d.AutoMode || c.Approvals.AutoMode
	return opts
}

// SlogLevel maps the configured log level onto the slog scale.
func (c *Config) SlogLevel() slog.Level {
	switch c.Server.LogLevel {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
