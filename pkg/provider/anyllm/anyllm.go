// Package anyllm provides a [provider.Adapter] that invokes a vendor SDK
// in-process through github.com/mozilla-ai/any-llm-go, a unified
// multi-provider interface that supports OpenAI, Anthropic, Gemini, Ollama,
// DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	a, err := anyllm.New(anyllm.Config{
//		Descriptor: types.ProviderDescriptor{ID: "gpt", Vendor: "openai", Tier: 3},
//		Backend:    "openai",
//		Model:      "gpt-4o",
//		APIKey:     key,
//	})
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// healthTimeout bounds the health probe completion.
const healthTimeout = 10 * time.Second

// aggregateSystemPrompt frames the final step of a critical sequential chain.
const aggregateSystemPrompt = "You are the aggregation step of a multi-model analysis. " +
	"Weigh the candidate responses you are given and produce the single best answer."

// Config describes one SDK-backed provider.
type Config struct {
	// Descriptor is the static provider metadata.
	Descriptor types.ProviderDescriptor

	// Backend is the any-llm-go provider name: one of "openai", "anthropic",
	// "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp",
	// "llamafile".
	Backend string

	// Model is the specific model to use (e.g. "gpt-4o",
	// "claude-3-5-sonnet-latest").
	Model string

	// APIKey authenticates against the backend. It is injected by the caller
	// (typically from the secret store); the adapter never reads the
	// environment itself and never includes the key in errors or logs.
	APIKey string

	// BaseURL overrides the backend endpoint. Useful for proxies and local
	// inference servers.
	BaseURL string

	// Temperature, when non-zero, is forwarded to the backend.
	Temperature float64

	// MaxTokens, when positive, caps the completion length.
	MaxTokens int
}

// Adapter implements provider.Adapter by wrapping an any-llm-go backend.
type Adapter struct {
	cfg     Config
	backend anyllmlib.Provider
}

var _ provider.Adapter = (*Adapter)(nil)

// New validates cfg, constructs the backend and returns an Adapter.
func New(cfg Config, opts ...anyllmlib.Option) (*Adapter, error) {
	if cfg.Descriptor.ID == "" {
		return nil, fmt.Errorf("anyllm: descriptor must have a non-empty id")
	}
	if cfg.Backend == "" {
		return nil, fmt.Errorf("anyllm: provider %q requires a backend name", cfg.Descriptor.ID)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anyllm: provider %q requires a model", cfg.Descriptor.ID)
	}

	var all []anyllmlib.Option
	if cfg.APIKey != "" {
		all = append(all, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		all = append(all, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	all = append(all, opts...)

	backend, err := createBackend(cfg.Backend, all...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", cfg.Backend, err)
	}

	cfg.Descriptor.Kind = types.KindSDK
	return &Adapter{cfg: cfg, backend: backend}, nil
}

// createBackend creates the underlying any-llm-go provider for the given
// backend name.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", name)
	}
}

// Describe implements provider.Adapter.
func (a *Adapter) Describe() types.ProviderDescriptor {
	return a.cfg.Descriptor
}

// Invoke implements provider.Adapter.
func (a *Adapter) Invoke(ctx context.Context, req provider.Request) (types.ProviderResponse, error) {
	params := a.buildParams(req)

	start := time.Now()
	resp, err := a.backend.Completion(ctx, params)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return types.ProviderResponse{}, a.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return types.ProviderResponse{}, types.AdapterFault(types.ReasonParse,
			fmt.Sprintf("provider %s returned no choices", a.cfg.Descriptor.ID), nil)
	}

	out := types.ProviderResponse{
		ProviderID:    a.cfg.Descriptor.ID,
		Content:       resp.Choices[0].Message.ContentString(),
		LatencyMillis: latency,
	}
	if resp.Usage != nil {
		out.Usage = types.TokenUsage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
		}
	}
	out.CostEstimate = float64(out.Usage.Input+out.Usage.Output) * a.cfg.Descriptor.CostPerToken
	return out, nil
}

// HealthCheck implements provider.Adapter. It issues a single-token
// completion against the configured model.
func (a *Adapter) HealthCheck(ctx context.Context) types.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	one := 1
	params := anyllmlib.CompletionParams{
		Model:     a.cfg.Model,
		Messages:  []anyllmlib.Message{{Role: anyllmlib.RoleUser, Content: "ping"}},
		MaxTokens: &one,
	}

	start := time.Now()
	_, err := a.backend.Completion(ctx, params)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return types.HealthStatus{OK: false, LatencyMillis: latency, Detail: "completion probe failed"}
	}
	return types.HealthStatus{OK: true, LatencyMillis: latency}
}

// buildParams converts the request into anyllm CompletionParams. The prompt
// layout matches every other invocation kind; sequential aggregation adds a
// system message on top.
func (a *Adapter) buildParams(req provider.Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if req.Aggregate {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: aggregateSystemPrompt,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: provider.BuildPrompt(req),
	})

	params := anyllmlib.CompletionParams{
		Model:    a.cfg.Model,
		Messages: messages,
	}
	if a.cfg.Temperature != 0 {
		t := a.cfg.Temperature
		params.Temperature = &t
	}
	if a.cfg.MaxTokens > 0 {
		mt := a.cfg.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// classify maps a backend failure to a typed adapter fault. The backend error
// is wrapped as the cause but its text never becomes the fault message, so
// credentials embedded in vendor error strings cannot leak upward.
func (a *Adapter) classify(ctx context.Context, err error) *types.Fault {
	id := a.cfg.Descriptor.ID

	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return types.AdapterFault(types.ReasonTimeout,
			fmt.Sprintf("provider %s timed out", id), err)
	}
	return types.AdapterFault(types.ReasonRemote,
		fmt.Sprintf("provider %s backend call failed", id), err)
}
