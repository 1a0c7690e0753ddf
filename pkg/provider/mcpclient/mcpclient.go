// Package mcpclient provides a [provider.Adapter] that reaches its backend
// through the Model Context Protocol, using the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk).
//
// The adapter connects to one MCP server over stdio and drives two surfaces:
//
//   - completions: a designated server tool (default "complete") receives the
//     assembled prompt and returns the response, either as plain text or as a
//     JSON object carrying content, confidence, reasoning and token usage;
//   - tools: arbitrary server tools invoked through [Adapter.CallTool]. Side
//     effecting calls pass through the configured [provider.ToolGate] first,
//     so nothing risky runs without an approval decision.
//
// The server subprocess is started lazily on first use and shut down by
// [Adapter.Close].
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// defaultCompletionTool is the server tool used for completions when the
// config names none.
const defaultCompletionTool = "complete"

// healthTimeout bounds the health probe round-trip.
const healthTimeout = 5 * time.Second

// Config describes one MCP-backed provider.
type Config struct {
	// Descriptor is the static provider metadata.
	Descriptor types.ProviderDescriptor

	// Command is the argv vector that starts the MCP server, executable
	// first. Never interpreted by a shell.
	Command []string

	// Env lists additional environment variables as KEY=VALUE pairs for the
	// server process.
	Env []string

	// CompletionTool names the server tool that produces completions.
	// Default: "complete".
	CompletionTool string

	// ReadOnlyTools lists tool names that never need approval. Every other
	// tool invoked via CallTool is treated as side effecting and routed
	// through the gate.
	ReadOnlyTools []string

	// Gate authorizes side-effecting tool calls. Required when CallTool is
	// used for anything outside ReadOnlyTools.
	Gate provider.ToolGate

	// ToolTimeout bounds each tool call. Default types.DefaultToolTimeout.
	ToolTimeout time.Duration
}

// Adapter implements provider.Adapter over one MCP server session.
type Adapter struct {
	cfg    Config
	client *mcpsdk.Client

	mu      sync.Mutex
	session *mcpsdk.ClientSession
	closed  bool
}

var _ provider.Adapter = (*Adapter)(nil)

// New validates cfg and returns an Adapter. The server is not started yet;
// the first Invoke, CallTool or HealthCheck connects.
func New(cfg Config) (*Adapter, error) {
	if cfg.Descriptor.ID == "" {
		return nil, fmt.Errorf("mcpclient: descriptor must have a non-empty id")
	}
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("mcpclient: provider %q requires a server command", cfg.Descriptor.ID)
	}
	if cfg.CompletionTool == "" {
		cfg.CompletionTool = defaultCompletionTool
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = types.DefaultToolTimeout
	}
	cfg.Descriptor.Kind = types.KindMCP

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "wallbounce-mcpclient", Version: "1.0.0"},
		nil,
	)
	return &Adapter{cfg: cfg, client: client}, nil
}

// Describe implements provider.Adapter.
func (a *Adapter) Describe() types.ProviderDescriptor {
	return a.cfg.Descriptor
}

// connect returns the live session, dialing the server on first use.
func (a *Adapter) connect(ctx context.Context) (*mcpsdk.ClientSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("mcpclient: provider %q is closed", a.cfg.Descriptor.ID)
	}
	if a.session != nil {
		return a.session, nil
	}

	cmd := exec.Command(a.cfg.Command[0], a.cfg.Command[1:]...)
	for _, kv := range a.cfg.Env {
		cmd.Env = append(cmd.Env, kv)
	}

	session, err := a.client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: connect to server for provider %q: %w", a.cfg.Descriptor.ID, err)
	}
	a.session = session
	return session, nil
}

// Invoke implements provider.Adapter. The prompt goes to the completion tool;
// the tool's text content comes back as the response.
func (a *Adapter) Invoke(ctx context.Context, req provider.Request) (types.ProviderResponse, error) {
	id := a.cfg.Descriptor.ID

	session, err := a.connect(ctx)
	if err != nil {
		return types.ProviderResponse{}, types.AdapterFault(types.ReasonRemote,
			fmt.Sprintf("provider %s server unavailable", id), err)
	}

	args := map[string]any{
		"prompt": provider.BuildPrompt(req),
	}
	if req.IncludeThinking {
		args["include_thinking"] = true
	}

	start := time.Now()
	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      a.cfg.CompletionTool,
		Arguments: args,
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return types.ProviderResponse{}, a.classify(ctx, err)
	}
	text := textContent(result)
	if result.IsError {
		return types.ProviderResponse{}, types.AdapterFault(types.ReasonRemote,
			fmt.Sprintf("provider %s completion tool reported an error", id), errors.New(firstLine(text)))
	}

	resp, perr := parseCompletion(text)
	if perr != nil {
		return types.ProviderResponse{}, types.AdapterFault(types.ReasonParse,
			fmt.Sprintf("provider %s produced unparseable output", id), perr)
	}

	resp.ProviderID = id
	resp.LatencyMillis = latency
	resp.CostEstimate = float64(resp.Usage.Input+resp.Usage.Output) * a.cfg.Descriptor.CostPerToken
	return resp, nil
}

// CallTool invokes the named server tool. Side-effecting tools (anything not
// listed in ReadOnlyTools) are authorized through the gate first; a denial or
// expiry surfaces as the gate's fault and the tool never runs.
func (a *Adapter) CallTool(ctx context.Context, analysisID string, inv types.ToolInvocation) (string, error) {
	if !a.readOnly(inv.ToolName) {
		if a.cfg.Gate == nil {
			return "", types.ApprovalDenied(inv.ToolName, "no approval gate configured")
		}
		if err := a.cfg.Gate.Authorize(ctx, analysisID, inv); err != nil {
			return "", err
		}
	}

	session, err := a.connect(ctx)
	if err != nil {
		return "", types.AdapterFault(types.ReasonRemote,
			fmt.Sprintf("provider %s server unavailable", a.cfg.Descriptor.ID), err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ToolTimeout)
	defer cancel()

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      inv.ToolName,
		Arguments: inv.Arguments,
	})
	if err != nil {
		return "", a.classify(ctx, err)
	}
	text := textContent(result)
	if result.IsError {
		return "", types.AdapterFault(types.ReasonRemote,
			fmt.Sprintf("tool %s reported an error", inv.ToolName), errors.New(firstLine(text)))
	}
	return text, nil
}

// HealthCheck implements provider.Adapter. It connects and lists the server's
// tools, verifying the completion tool is present.
func (a *Adapter) HealthCheck(ctx context.Context) types.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	session, err := a.connect(ctx)
	if err != nil {
		return types.HealthStatus{OK: false, LatencyMillis: time.Since(start).Milliseconds(), Detail: "server unavailable"}
	}

	found := false
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return types.HealthStatus{OK: false, LatencyMillis: time.Since(start).Milliseconds(), Detail: "tool listing failed"}
		}
		if tool.Name == a.cfg.CompletionTool {
			found = true
		}
	}
	latency := time.Since(start).Milliseconds()
	if !found {
		return types.HealthStatus{OK: false, LatencyMillis: latency,
			Detail: fmt.Sprintf("completion tool %q not offered by server", a.cfg.CompletionTool)}
	}
	return types.HealthStatus{OK: true, LatencyMillis: latency}
}

// Close shuts down the server session. The adapter must not be used after.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	if a.session == nil {
		return nil
	}
	session := a.session
	a.session = nil
	if err := session.Close(); err != nil {
		return fmt.Errorf("mcpclient: close session for provider %q: %w", a.cfg.Descriptor.ID, err)
	}
	return nil
}

func (a *Adapter) readOnly(toolName string) bool {
	for _, name := range a.cfg.ReadOnlyTools {
		if name == toolName {
			return true
		}
	}
	return false
}

// classify maps a protocol failure to a typed adapter fault.
func (a *Adapter) classify(ctx context.Context, err error) *types.Fault {
	id := a.cfg.Descriptor.ID
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.AdapterFault(types.ReasonTimeout,
			fmt.Sprintf("provider %s timed out", id), err)
	}
	return types.AdapterFault(types.ReasonRemote,
		fmt.Sprintf("provider %s protocol call failed", id), err)
}

// completionEnvelope is the optional structured form of a completion result.
type completionEnvelope struct {
	Content    string           `json:"content"`
	Confidence float64          `json:"confidence"`
	Reasoning  string           `json:"reasoning"`
	Usage      types.TokenUsage `json:"usage"`
}

// parseCompletion accepts either a JSON envelope or plain text.
func parseCompletion(text string) (types.ProviderResponse, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return types.ProviderResponse{}, fmt.Errorf("empty completion result")
	}

	if strings.HasPrefix(trimmed, "{") {
		var env completionEnvelope
		if err := json.Unmarshal([]byte(trimmed), &env); err == nil && env.Content != "" {
			return types.ProviderResponse{
				Content:    env.Content,
				Confidence: clamp01(env.Confidence),
				Reasoning:  env.Reasoning,
				Usage:      env.Usage,
			}, nil
		}
	}
	return types.ProviderResponse{Content: trimmed}, nil
}

// textContent concatenates all text content blocks of a tool result.
func textContent(result *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
