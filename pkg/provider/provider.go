// Package provider defines the Adapter interface that every LLM backend
// conforms to, regardless of how it is reached.
//
// An adapter wraps one provider backend — a vendor CLI spawned as a
// subprocess, a vendor SDK invoked in-process, or an external Model Context
// Protocol server — and exposes the uniform invoke / describe / health
// surface the dispatcher relies on. Adapters are stateless across calls; any
// per-session state lives in the session manager.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled, Invoke must return as
// quickly as possible (subprocess adapters terminate the child process
// group, SDK adapters forward the context, MCP adapters issue a cancel
// notification).
package provider

import (
	"context"

	"github.com/wallbounce/wallbounce/pkg/types"
)

// Request carries everything an adapter needs for one invocation. The
// orchestrator assembles it: session context, retrieved snippets, and (in
// sequential mode) the prior responses of the chain.
type Request struct {
	// Query is the user's question for this analysis.
	Query string

	// Context is the contextual prompt built by the session manager for
	// turn 2 and later. Empty on the first turn and for sessionless calls.
	Context string

	// Snippets are ranked text snippets from the optional context
	// retriever, most relevant first.
	Snippets []string

	// PriorResponses are the earlier steps of a sequential chain, oldest
	// first. Adapters append them to the prompt so each step builds on the
	// last. Empty in parallel mode.
	PriorResponses []types.ProviderResponse

	// IncludeThinking asks the backend for its intermediate reasoning when
	// it can provide one.
	IncludeThinking bool

	// SandboxLevel bounds any tool invocation the backend issues during
	// this call.
	SandboxLevel types.SandboxLevel

	// Aggregate marks the final step of a critical sequential chain: the
	// adapter should synthesize the prior responses rather than answer
	// independently.
	Aggregate bool

	// AnalysisID correlates tool approvals and log lines with the analysis.
	AnalysisID string
}

// Adapter is the capability surface over any LLM backend.
type Adapter interface {
	// Invoke sends the request to the backend and returns its response.
	// Backend failures are returned as a *types.Fault of kind adapter_error
	// with a stable reason code and a redacted message; the raw backend
	// error never reaches callers.
	Invoke(ctx context.Context, req Request) (types.ProviderResponse, error)

	// Describe returns the static descriptor for this provider. The result
	// is constant for the lifetime of the adapter.
	Describe() types.ProviderDescriptor

	// HealthCheck probes the backend and reports reachability and latency.
	HealthCheck(ctx context.Context) types.HealthStatus
}

// ToolGate authorizes side-effecting tool invocations before an adapter
// executes them. The approval manager implements it; tests substitute fakes.
type ToolGate interface {
	// Authorize blocks until the invocation is approved, denied, or the
	// approval window expires. Denial and expiry surface as a *types.Fault
	// of kind approval_denied with retryable=false.
	Authorize(ctx context.Context, analysisID string, inv types.ToolInvocation) error
}

// BuildPrompt assembles the full prompt text for req in the canonical
// layout: retrieved snippets first, then session context, then prior chain
// responses, then the query. Adapters share this so every backend sees the
// same prompt regardless of invocation kind.
func BuildPrompt(req Request) string {
	var b []byte

	for i, snippet := range req.Snippets {
		if i == 0 {
			b = append(b, "Reference material:\n"...)
		}
		b = append(b, "- "...)
		b = append(b, snippet...)
		b = append(b, '\n')
	}
	if len(req.Snippets) > 0 {
		b = append(b, '\n')
	}

	if req.Context != "" {
		b = append(b, req.Context...)
		b = append(b, "\n\n"...)
	}

	if len(req.PriorResponses) > 0 {
		if req.Aggregate {
			b = append(b, "Synthesize a single best answer from the following candidate responses.\n\n"...)
		} else {
			b = append(b, "Earlier responses to consider:\n\n"...)
		}
		for _, prior := range req.PriorResponses {
			if !prior.OK() {
				continue
			}
			b = append(b, "["...)
			b = append(b, prior.ProviderID...)
			b = append(b, "]\n"...)
			b = append(b, prior.Content...)
			b = append(b, "\n\n"...)
		}
	}

	b = append(b, req.Query...)
	return string(b)
}
