package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wallbounce/wallbounce/pkg/types"
)

// KnownSDKBackends lists the any-llm backend names the SDK adapter accepts.
// Used by [Validate] to warn about likely typos.
var KnownSDKBackends = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	enabled := 0
	idsSeen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of providers[%d]", prefix, p.ID, prev))
			}
			idsSeen[p.ID] = i
		}
		if p.Vendor == "" {
			errs = append(errs, fmt.Errorf("%s.vendor is required", prefix))
		}
		if p.Tier < 1 || p.Tier > 5 {
			errs = append(errs, fmt.Errorf("%s.tier %d is out of range [1, 5]", prefix, p.Tier))
		}
		for _, c := range p.Capabilities {
			if !types.Capability(c).IsValid() {
				errs = append(errs, fmt.Errorf("%s.capabilities %q is invalid; valid values: coding, analysis, creative, aggregation", prefix, c))
			}
		}

		switch p.Kind {
		case "sdk":
			if p.SDK == nil {
				errs = append(errs, fmt.Errorf("%s: kind sdk requires an sdk block", prefix))
				break
			}
			if p.SDK.Backend == "" {
				errs = append(errs, fmt.Errorf("%s.sdk.backend is required", prefix))
			} else if !slices.Contains(KnownSDKBackends, p.SDK.Backend) {
				slog.Warn("unknown sdk backend name, may be a typo",
					"provider", p.ID, "backend", p.SDK.Backend, "known", KnownSDKBackends)
			}
			if p.SDK.Model == "" {
				errs = append(errs, fmt.Errorf("%s.sdk.model is required", prefix))
			}
			if looksLikeRawSecret(p.SDK.APIKey) {
				errs = append(errs, fmt.Errorf("%s.sdk.api_key must be a secret reference (env:NAME), not a raw key", prefix))
			}
		case "cli":
			if p.CLI == nil {
				errs = append(errs, fmt.Errorf("%s: kind cli requires a cli block", prefix))
				break
			}
			if p.CLI.Command == "" {
				errs = append(errs, fmt.Errorf("%s.cli.command is required", prefix))
			}
			if p.CLI.Format != "" && p.CLI.Format != "raw" && p.CLI.Format != "jsonl" {
				errs = append(errs, fmt.Errorf("%s.cli.format %q is invalid; valid values: raw, jsonl", prefix, p.CLI.Format))
			}
		case "mcp":
			if p.MCP == nil {
				errs = append(errs, fmt.Errorf("%s: kind mcp requires an mcp block", prefix))
				break
			}
			if len(p.MCP.Command) == 0 {
				errs = append(errs, fmt.Errorf("%s.mcp.command is required", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: sdk, cli, mcp", prefix, p.Kind))
		}

		if !p.Disabled {
			enabled++
		}
	}
	if len(cfg.Providers) > 0 && enabled < 2 {
		errs = append(errs, fmt.Errorf("at least 2 enabled providers are required for consensus, have %d", enabled))
	}

	d := cfg.Defaults
	if d.TaskType != "" && !types.TaskType(d.TaskType).IsValid() {
		errs = append(errs, fmt.Errorf("defaults.task_type %q is invalid; valid values: basic, premium, critical", d.TaskType))
	}
	if d.Mode != "" && !types.Mode(d.Mode).IsValid() {
		errs = append(errs, fmt.Errorf("defaults.mode %q is invalid; valid values: parallel, sequential", d.Mode))
	}
	if d.Depth != 0 && (d.Depth < 1 || d.Depth > 5) {
		errs = append(errs, fmt.Errorf("defaults.depth %d is out of range [1, 5]", d.Depth))
	}
	if d.MinProviders != 0 && d.MinProviders < 2 {
		errs = append(errs, fmt.Errorf("defaults.min_providers %d is below the minimum 2", d.MinProviders))
	}
	if d.ConfidenceFloor < 0 || d.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("defaults.confidence_floor %v is out of range [0, 1]", d.ConfidenceFloor))
	}
	if d.ConsensusFloor < 0 || d.ConsensusFloor > 1 {
		errs = append(errs, fmt.Errorf("defaults.consensus_floor %v is out of range [0, 1]", d.ConsensusFloor))
	}
	if d.SandboxLevel != "" && !types.SandboxLevel(d.SandboxLevel).IsValid() {
		errs = append(errs, fmt.Errorf("defaults.sandbox_level %q is invalid; valid values: read-only, isolated, full-access", d.SandboxLevel))
	}

	if cfg.Sessions.Redis != nil {
		if cfg.Sessions.Redis.Addr == "" {
			errs = append(errs, errors.New("sessions.redis.addr is required when the redis block is present"))
		}
		if looksLikeRawSecret(cfg.Sessions.Redis.Password) {
			errs = append(errs, errors.New("sessions.redis.password must be a secret reference (env:NAME), not a raw password"))
		}
	}

	if cfg.Retriever.PostgresDSN != "" {
		if cfg.Retriever.Embeddings.APIKey == "" {
			errs = append(errs, errors.New("retriever.embeddings.api_key is required when the retriever is enabled"))
		} else if looksLikeRawSecret(cfg.Retriever.Embeddings.APIKey) {
			errs = append(errs, errors.New("retriever.embeddings.api_key must be a secret reference (env:NAME), not a raw key"))
		}
	}

	return errors.Join(errs...)
}

// looksLikeRawSecret reports whether value is non-empty and carries no
// reference scheme. Raw credentials pasted into config files must fail loudly
// instead of being used silently.
func looksLikeRawSecret(value string) bool {
	return value != "" && !strings.Contains(value, ":")
}
