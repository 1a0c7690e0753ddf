// Package types defines the shared types used across all wallbounce packages.
//
// These types form the lingua franca between provider adapters, the
// dispatcher, the consensus engine, the session manager, and the
// orchestrator. They are intentionally minimal — each package defines its own
// domain types, but cross-cutting data structures live here to avoid circular
// imports.
package types

import (
	"fmt"
	"time"
)

// TaskType grades a query by how much provider diversity it warrants.
type TaskType string

const (
	// TaskBasic is answered by at least two low-tier providers.
	TaskBasic TaskType = "basic"

	// TaskPremium requires at least three mid-tier providers from two vendors.
	TaskPremium TaskType = "premium"

	// TaskCritical requires three or more vendors plus an aggregator-capable
	// provider as the final sequential step.
	TaskCritical TaskType = "critical"
)

// IsValid reports whether t is a recognised task type.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskBasic, TaskPremium, TaskCritical:
		return true
	}
	return false
}

// Mode selects how the dispatcher invokes the selected providers.
type Mode string

const (
	// ModeParallel invokes all selected providers concurrently.
	ModeParallel Mode = "parallel"

	// ModeSequential invokes providers one at a time, feeding each step the
	// prior responses as additional context.
	ModeSequential Mode = "sequential"
)

// IsValid reports whether m is a recognised dispatch mode.
func (m Mode) IsValid() bool {
	return m == ModeParallel || m == ModeSequential
}

// SandboxLevel constrains what side effects a tool invocation may have.
type SandboxLevel string

const (
	SandboxReadOnly   SandboxLevel = "read-only"
	SandboxIsolated   SandboxLevel = "isolated"
	SandboxFullAccess SandboxLevel = "full-access"
)

// IsValid reports whether s is a recognised sandbox level.
func (s SandboxLevel) IsValid() bool {
	switch s {
	case SandboxReadOnly, SandboxIsolated, SandboxFullAccess:
		return true
	}
	return false
}

// InvocationKind identifies how an adapter reaches its backend. The set is
// closed: unknown kinds are rejected when the provider is registered, never
// at dispatch time.
type InvocationKind string

const (
	// KindSubprocess spawns a vendor CLI with an explicit argument vector.
	KindSubprocess InvocationKind = "subprocess"

	// KindSDK invokes a vendor library in-process.
	KindSDK InvocationKind = "in-process-sdk"

	// KindMCP speaks the Model Context Protocol to an external server.
	KindMCP InvocationKind = "mcp-client"
)

// IsValid reports whether k is a recognised invocation kind.
func (k InvocationKind) IsValid() bool {
	switch k {
	case KindSubprocess, KindSDK, KindMCP:
		return true
	}
	return false
}

// Capability labels what a provider is good at. Selection rules consult the
// capability set (e.g. critical tasks require an aggregation-capable
// provider).
type Capability string

const (
	CapCoding      Capability = "coding"
	CapAnalysis    Capability = "analysis"
	CapCreative    Capability = "creative"
	CapAggregation Capability = "aggregation"
)

// IsValid reports whether c is a recognised capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapCoding, CapAnalysis, CapCreative, CapAggregation:
		return true
	}
	return false
}

// QualityTier grades a consensus result by self-confidence and agreement
// variance.
type QualityTier string

const (
	QualityHigh   QualityTier = "high"
	QualityMedium QualityTier = "medium"
	QualityLow    QualityTier = "low"
)

// Default values for the per-call option surface. All of them can be
// overridden per call or through configuration.
const (
	DefaultMinProviders         = 2
	DefaultConfidenceFloor      = 0.7
	DefaultConsensusFloor       = 0.6
	DefaultPerAdapterTimeout    = 30 * time.Second
	DefaultWholeDispatchTimeout = 90 * time.Second
	DefaultToolTimeout          = 25 * time.Second
	DefaultApprovalTimeout      = 60 * time.Second
	DefaultEventBufferSize      = 64
	DefaultSessionTTL           = 30 * 24 * time.Hour
)

// Options carries every per-call knob recognised by the orchestrator.
// The zero value is not usable; start from [DefaultOptions].
type Options struct {
	// TaskType grades the query. Default: basic.
	TaskType TaskType

	// Mode selects parallel or sequential dispatch. Default: parallel.
	Mode Mode

	// Depth is the sequential chain length in [1,5]. Ignored in parallel
	// mode. Sequential dispatch clamps it to [3,5].
	Depth int

	// MinProviders is the floor on successful provider responses (≥ 2).
	MinProviders int

	// ConfidenceFloor is the combined-confidence value below which a
	// consensus is flagged. Default 0.7.
	ConfidenceFloor float64

	// ConsensusFloor is the agreement value below which a consensus is
	// flagged. Default 0.6.
	ConsensusFloor float64

	// SessionID attaches this analysis to a multi-turn session.
	SessionID string

	// UserID, when present, indexes the session under the user's session set.
	UserID string

	// IncludeThinking emits intermediate thinking events to subscribers.
	IncludeThinking bool

	// RequireConsensus flags results whose combined confidence falls below
	// ConsensusFloor with a warning event.
	RequireConsensus bool

	// AutoEscalate retries once with more providers when consensus falls
	// below the floor.
	AutoEscalate bool

	// Eager cancels still-running providers once success is guaranteed.
	// When false, all providers run to completion so their outputs still
	// contribute to consensus.
	Eager bool

	// SandboxLevel is the default sandbox for tool calls issued by adapters.
	SandboxLevel SandboxLevel

	// AutoMode allows low and medium risk approvals to auto-resolve.
	AutoMode bool

	// PerAdapterTimeout bounds each adapter invocation. Default 30s.
	PerAdapterTimeout time.Duration

	// WholeDispatchTimeout bounds the entire dispatch. Default 90s.
	WholeDispatchTimeout time.Duration

	// ApprovalTimeout is how long a pending approval waits before expiring.
	// Default 60s.
	ApprovalTimeout time.Duration
}

// DefaultOptions returns an Options populated with the documented defaults.
func DefaultOptions() Options {
	return Options{
		TaskType:             TaskBasic,
		Mode:                 ModeParallel,
		Depth:                3,
		MinProviders:         DefaultMinProviders,
		ConfidenceFloor:      DefaultConfidenceFloor,
		ConsensusFloor:       DefaultConsensusFloor,
		SandboxLevel:         SandboxReadOnly,
		PerAdapterTimeout:    DefaultPerAdapterTimeout,
		WholeDispatchTimeout: DefaultWholeDispatchTimeout,
		ApprovalTimeout:      DefaultApprovalTimeout,
	}
}

// Validate checks that o is internally coherent. It returns a Fault of kind
// [FaultInvalidInput] describing the first violation found.
func (o Options) Validate() error {
	if !o.TaskType.IsValid() {
		return InvalidInput(fmt.Sprintf("unknown task type %q", o.TaskType))
	}
	if !o.Mode.IsValid() {
		return InvalidInput(fmt.Sprintf("unknown mode %q", o.Mode))
	}
	if o.Depth < 1 || o.Depth > 5 {
		return InvalidInput(fmt.Sprintf("depth %d out of range [1,5]", o.Depth))
	}
	if o.MinProviders < 2 {
		return InvalidInput(fmt.Sprintf("minProviders %d below minimum 2", o.MinProviders))
	}
	if o.ConfidenceFloor < 0 || o.ConfidenceFloor > 1 {
		return InvalidInput(fmt.Sprintf("confidenceFloor %v out of range [0,1]", o.ConfidenceFloor))
	}
	if o.ConsensusFloor < 0 || o.ConsensusFloor > 1 {
		return InvalidInput(fmt.Sprintf("consensusFloor %v out of range [0,1]", o.ConsensusFloor))
	}
	if !o.SandboxLevel.IsValid() {
		return InvalidInput(fmt.Sprintf("unknown sandbox level %q", o.SandboxLevel))
	}
	return nil
}

// Query is an accepted user query plus its options. Queries are immutable
// once accepted by the orchestrator.
type Query struct {
	// Text is the opaque user text. Must be non-empty.
	Text string

	// Options are the per-call knobs in effect for this analysis.
	Options Options
}

// ProviderDescriptor describes one registered provider. Descriptors are
// registered at startup and owned by the registry; everyone else holds
// read-only copies.
type ProviderDescriptor struct {
	// ID is the stable provider id used for registry lookups and in votes.
	ID string

	// Name is the human-readable provider name.
	Name string

	// Vendor is the organisation backing this provider. Rotation between
	// session turns is computed over vendors, not providers.
	Vendor string

	// Tier ranks the provider 1 (cheapest) to 5 (most capable).
	Tier int

	// Capabilities is what this provider is good at.
	Capabilities []Capability

	// CostPerToken is a rough per-token cost estimate used for accounting.
	CostPerToken float64

	// Kind is how the adapter reaches the backend.
	Kind InvocationKind
}

// HasCapability reports whether the descriptor lists c.
func (d ProviderDescriptor) HasCapability(c Capability) bool {
	for _, got := range d.Capabilities {
		if got == c {
			return true
		}
	}
	return false
}

// TokenUsage holds token accounting for one provider invocation.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ProviderResponse is one provider's answer to a query. Created by an
// adapter (or by the dispatcher for failed invocations) and immutable
// thereafter.
type ProviderResponse struct {
	// ProviderID identifies the adapter that produced this response.
	ProviderID string `json:"providerId"`

	// Content is the response text. Empty when Err is set.
	Content string `json:"content"`

	// Confidence is the self-reported confidence in [0,1]. When the backend
	// reports none, the registry imposes a deterministic default derived
	// from a length/diversity heuristic.
	Confidence float64 `json:"confidence"`

	// Reasoning is the provider's own reasoning text, when available.
	Reasoning string `json:"reasoning,omitempty"`

	// LatencyMillis is the wall-clock invocation duration.
	LatencyMillis int64 `json:"latencyMillis"`

	// Usage holds input/output token counts when the backend reports them.
	Usage TokenUsage `json:"tokenUsage"`

	// CostEstimate is Usage priced by the descriptor's CostPerToken.
	CostEstimate float64 `json:"rawCostEstimate"`

	// Err is non-nil when the invocation failed (timeout, parse failure,
	// nonzero exit, remote error, denied approval). An errored response
	// still appears in the consensus votes.
	Err *Fault `json:"error,omitempty"`
}

// OK reports whether the response carries usable content.
func (r ProviderResponse) OK() bool { return r.Err == nil }

// Vote pairs a provider response with its agreement score against the other
// votes of the same analysis. The score is populated by the consensus engine
// after all votes are in.
type Vote struct {
	Response       ProviderResponse `json:"response"`
	AgreementScore float64          `json:"agreementScore"`
}

// Consensus is the synthesized result of one analysis.
//
// Invariants: Votes holds at least minProviders entries, the winner is one of
// the votes, and Confidence is in [0,1].
type Consensus struct {
	// WinnerProviderID identifies the vote selected as the answer.
	WinnerProviderID string `json:"winnerProviderId"`

	// Content is the winning response text.
	Content string `json:"content"`

	// Confidence is the arithmetic mean of the winner's self-confidence and
	// the average agreement across all votes.
	Confidence float64 `json:"confidence"`

	// Reasoning summarises how the winner was selected.
	Reasoning string `json:"reasoning"`

	// Votes are all provider responses considered, including errored ones.
	Votes []Vote `json:"votes"`

	// QualityTier grades the result: high, medium or low.
	QualityTier QualityTier `json:"qualityTier"`
}

// Turn is one completed analysis within a session. Once appended to a
// session a turn is immutable.
type Turn struct {
	// Index is 1-based and contiguous within the session.
	Index int `json:"turnIndex"`

	// Query is the user text of this turn.
	Query string `json:"query"`

	// Consensus is the result returned for this turn.
	Consensus Consensus `json:"consensus"`

	// ProviderIDs lists the providers that contributed responses.
	ProviderIDs []string `json:"providerIdsUsed"`
}

// Session is a durable sequence of turns sharing routing-policy state.
type Session struct {
	ID             string       `json:"sessionId"`
	ConversationID string       `json:"conversationId"`
	UserID         string       `json:"userId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastTouchedAt  time.Time    `json:"lastTouchedAt"`
	Turns          []Turn       `json:"turns"`
	Model          string       `json:"model,omitempty"`
	SandboxLevel   SandboxLevel `json:"sandboxLevel"`
}

// RiskLevel grades a tool invocation by blast radius.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ApprovalState is the lifecycle state of an approval request. Terminal
// states (approved, denied, auto-approved, expired) are sticky.
type ApprovalState string

const (
	ApprovalStatePending      ApprovalState = "pending"
	ApprovalStateApproved     ApprovalState = "approved"
	ApprovalStateDenied       ApprovalState = "denied"
	ApprovalStateAutoApproved ApprovalState = "auto-approved"
	ApprovalStateExpired      ApprovalState = "expired"
)

// Terminal reports whether s is a sticky end state.
func (s ApprovalState) Terminal() bool {
	switch s {
	case ApprovalStateApproved, ApprovalStateDenied, ApprovalStateAutoApproved, ApprovalStateExpired:
		return true
	}
	return false
}

// ApprovalRequest gates one risky tool invocation.
type ApprovalRequest struct {
	ID          string         `json:"requestId"`
	AnalysisID  string         `json:"analysisId,omitempty"`
	ToolName    string         `json:"toolName"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	RiskLevel   RiskLevel      `json:"riskLevel"`
	RequestedAt time.Time      `json:"requestedAt"`
	State       ApprovalState  `json:"state"`
}

// ToolInvocation is issued by an adapter when its backend wants to call a
// tool with possible side effects.
type ToolInvocation struct {
	ToolName          string         `json:"toolName"`
	Arguments         map[string]any `json:"arguments,omitempty"`
	SandboxLevel      SandboxLevel   `json:"sandboxLevel"`
	ApprovalRequestID string         `json:"approvalRequestId,omitempty"`
}

// HealthStatus is the result of one provider health probe.
type HealthStatus struct {
	OK            bool   `json:"ok"`
	LatencyMillis int64  `json:"latencyMillis"`
	Detail        string `json:"detail,omitempty"`
}
