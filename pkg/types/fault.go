package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// FaultKind enumerates the error taxonomy. Every failure crossing a package
// boundary is one of these; only the orchestrator formats user-visible
// messages from them.
type FaultKind string

const (
	// FaultInvalidInput — query empty or options out of range. Not retryable.
	FaultInvalidInput FaultKind = "invalid_input"

	// FaultInsufficientProviders — successful responses < minProviders.
	// The caller may retry with a relaxed policy.
	FaultInsufficientProviders FaultKind = "insufficient_providers"

	// FaultAdapter — a single adapter failed (timeout, parse, nonzero exit,
	// remote error). Surfaced inside the consensus votes as an errored vote.
	FaultAdapter FaultKind = "adapter_error"

	// FaultApprovalDenied — a required tool invocation was not approved.
	FaultApprovalDenied FaultKind = "approval_denied"

	// FaultConsensusBelowThreshold — warning, not an error; returned
	// alongside a valid consensus unless auto-escalation triggers a retry.
	FaultConsensusBelowThreshold FaultKind = "consensus_below_threshold"

	// FaultCanceled — caller-initiated cancellation. Terminal.
	FaultCanceled FaultKind = "canceled"

	// FaultOverflow — a subscriber lagged and its subscription was closed.
	// Non-fatal to the analysis.
	FaultOverflow FaultKind = "overflow"

	// FaultInternal — unexpected defect, reported with a correlation id.
	FaultInternal FaultKind = "internal"
)

// Stable reason codes carried in [Fault.Reason].
const (
	ReasonTimeout           = "timeout"
	ReasonParse             = "parse"
	ReasonExitStatus        = "exit_status"
	ReasonRemote            = "remote"
	ReasonDenied            = "denied"
	ReasonExpired           = "expired"
	ReasonBreaker           = "breaker_open"
	ReasonInvalidTransition = "invalid_transition"
)

// Fault is the typed error value used throughout the core. Message is always
// safe to display; secrets and stack traces never appear in it.
type Fault struct {
	// Kind classifies the failure.
	Kind FaultKind `json:"kind"`

	// Message is a redacted, displayable description.
	Message string `json:"message"`

	// Reason is a stable machine-readable reason code (adapter faults only).
	Reason string `json:"reason,omitempty"`

	// Retryable indicates whether retrying the same operation may succeed.
	Retryable bool `json:"retryable"`

	// Details carries structured context, e.g. which providers errored.
	Details map[string]string `json:"details,omitempty"`

	// CorrelationID links an internal fault to the corresponding log lines.
	CorrelationID string `json:"correlationId,omitempty"`

	cause error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.Reason, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (f *Fault) Unwrap() error { return f.cause }

// WithDetail returns f with key=value recorded in Details. The receiver is
// returned to allow chaining during construction; callers must not mutate a
// fault after handing it off.
func (f *Fault) WithDetail(key, value string) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]string)
	}
	f.Details[key] = value
	return f
}

// InvalidInput builds a non-retryable invalid_input fault.
func InvalidInput(msg string) *Fault {
	return &Fault{Kind: FaultInvalidInput, Message: msg}
}

// InsufficientProviders builds the dispatch-level shortage fault.
func InsufficientProviders(got, want int) *Fault {
	return &Fault{
		Kind:      FaultInsufficientProviders,
		Message:   fmt.Sprintf("only %d of the required %d providers responded successfully", got, want),
		Retryable: true,
	}
}

// AdapterFault builds an adapter_error fault with a stable reason code.
// cause may be nil; when present it is retained for log chains but never
// rendered into Message.
func AdapterFault(reason, msg string, cause error) *Fault {
	return &Fault{
		Kind:      FaultAdapter,
		Message:   msg,
		Reason:    reason,
		Retryable: reason == ReasonTimeout || reason == ReasonRemote,
		cause:     cause,
	}
}

// ApprovalDenied builds the non-retryable fault for a denied or expired
// tool approval.
func ApprovalDenied(toolName, reason string) *Fault {
	return &Fault{
		Kind:    FaultApprovalDenied,
		Message: fmt.Sprintf("tool %q was not approved", toolName),
		Reason:  reason,
	}
}

// Canceled builds the terminal cancellation fault.
func Canceled() *Fault {
	return &Fault{Kind: FaultCanceled, Message: "analysis canceled by caller"}
}

// Overflow builds the subscriber-lag fault.
func Overflow(subscriberID string) *Fault {
	return &Fault{
		Kind:    FaultOverflow,
		Message: fmt.Sprintf("subscriber %q lagged too far behind and was closed", subscriberID),
	}
}

// Internal wraps an unexpected defect with a fresh correlation id. The cause
// goes to the logs; the message shown to callers stays generic.
func Internal(cause error) *Fault {
	return &Fault{
		Kind:          FaultInternal,
		Message:       "internal error",
		CorrelationID: uuid.NewString(),
		cause:         cause,
	}
}

// AsFault extracts a *Fault from an error chain. Returns nil, false when the
// chain contains no Fault.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// FaultOf coerces any error into a Fault: existing faults pass through,
// everything else becomes an internal fault.
func FaultOf(err error) *Fault {
	if f, ok := AsFault(err); ok {
		return f
	}
	return Internal(err)
}
