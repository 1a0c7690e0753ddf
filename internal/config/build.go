package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wallbounce/wallbounce/internal/registry"
	"github.com/wallbounce/wallbounce/internal/resilience"
	"github.com/wallbounce/wallbounce/internal/secret"
	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/provider/anyllm"
	"github.com/wallbounce/wallbounce/pkg/provider/mcpclient"
	"github.com/wallbounce/wallbounce/pkg/provider/subprocess"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// BuildRegistry instantiates every enabled provider and returns the populated
// selection registry. Secret references are resolved through secrets; raw
// values never leave this function. gate authorizes side-effecting MCP tool
// calls and may be nil when no MCP providers are configured.
func BuildRegistry(cfg *Config, secrets secret.Store, gate provider.ToolGate) (*registry.Registry, error) {
	var adapters []provider.Adapter
	for i, p := range cfg.Providers {
		if p.Disabled {
			continue
		}
		a, err := buildAdapter(p, secrets, gate)
		if err != nil {
			return nil, fmt.Errorf("config: providers[%d] (%s): %w", i, p.ID, err)
		}
		if !cfg.Breaker.Disabled {
			a = resilience.NewGuard(a, resilience.BreakerConfig{
				Name:         p.ID,
				MaxFailures:  cfg.Breaker.MaxFailures,
				ResetTimeout: cfg.Breaker.ResetTimeout.Std(),
				HalfOpenMax:  cfg.Breaker.HalfOpenMax,
			})
		}
		adapters = append(adapters, a)
	}
	return registry.New(adapters...)
}

func buildAdapter(p ProviderConfig, secrets secret.Store, gate provider.ToolGate) (provider.Adapter, error) {
	desc := descriptor(p)
	switch p.Kind {
	case "sdk":
		key, err := secrets.Resolve(p.SDK.APIKey)
		if err != nil {
			return nil, err
		}
		return anyllm.New(anyllm.Config{
			Descriptor:  desc,
			Backend:     p.SDK.Backend,
			Model:       p.SDK.Model,
			APIKey:      key,
			BaseURL:     p.SDK.BaseURL,
			Temperature: p.SDK.Temperature,
			MaxTokens:   p.SDK.MaxTokens,
		})
	case "cli":
		env, err := resolveEnv(p.CLI.Env, secrets)
		if err != nil {
			return nil, err
		}
		return subprocess.New(subprocess.Config{
			Descriptor: desc,
			Command:    p.CLI.Command,
			Args:       p.CLI.Args,
			Env:        env,
			WorkDir:    p.CLI.WorkDir,
			Format:     subprocess.OutputFormat(p.CLI.Format),
			HealthArgs: p.CLI.HealthArgs,
		})
	case "mcp":
		env, err := resolveEnv(p.MCP.Env, secrets)
		if err != nil {
			return nil, err
		}
		return mcpclient.New(mcpclient.Config{
			Descriptor:     desc,
			Command:        p.MCP.Command,
			Env:            env,
			CompletionTool: p.MCP.CompletionTool,
			ReadOnlyTools:  p.MCP.ReadOnlyTools,
			Gate:           gate,
		})
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

func descriptor(p ProviderConfig) types.ProviderDescriptor {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	caps := make([]types.Capability, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		caps = append(caps, types.Capability(c))
	}
	return types.ProviderDescriptor{
		ID:           p.ID,
		Name:         name,
		Vendor:       p.Vendor,
		Tier:         p.Tier,
		Capabilities: caps,
		CostPerToken: p.CostPerToken,
	}
}

// resolveEnv turns a name → reference-or-literal map into KEY=VALUE pairs.
// Values carrying a reference scheme are resolved through secrets; everything
// else passes through verbatim. Keys are sorted so adapter construction is
// deterministic.
func resolveEnv(env map[string]string, secrets secret.Store) ([]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		v, err := ResolveMaybe(env[k], secrets)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", k, err)
		}
		out = append(out, k+"="+v)
	}
	return out, nil
}

// ResolveMaybe resolves value through secrets when it carries the env:
// reference scheme and returns it verbatim otherwise. Used for fields like
// DSNs that may or may not embed credentials.
func ResolveMaybe(value string, secrets secret.Store) (string, error) {
	if !strings.HasPrefix(value, "env:") {
		return value, nil
	}
	if secrets == nil {
		return "", errors.New("secret reference present but no secret store configured")
	}
	return secrets.Resolve(value)
}
