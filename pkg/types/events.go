package types

import "time"

// EventType tags the members of the event union streamed to subscribers.
type EventType string

const (
	// EventThinking carries an intermediate reasoning step.
	EventThinking EventType = "thinking"

	// EventProviderResponse announces that one provider has yielded.
	EventProviderResponse EventType = "provider_response"

	// EventConsensusUpdate carries intermediate consensus state, including
	// warnings such as consensus_below_threshold and rotation_relaxed.
	EventConsensusUpdate EventType = "consensus_update"

	// EventFinalAnswer is the terminal success event of an analysis.
	EventFinalAnswer EventType = "final_answer"

	// EventError is the terminal failure event of an analysis.
	EventError EventType = "error"

	// EventApprovalRequested announces a pending approval request.
	EventApprovalRequested EventType = "approval_requested"

	// EventApprovalResolved announces the terminal state of an approval.
	EventApprovalResolved EventType = "approval_resolved"

	// EventCanceled is the terminal event of a caller-canceled analysis.
	EventCanceled EventType = "canceled"

	// EventDropped is the sentinel emitted in place of events the bus shed
	// for a lagging subscriber. Covers names the shed sequence range.
	EventDropped EventType = "dropped"
)

// Warning codes carried in the Code field of consensus_update events.
const (
	WarnRotationRelaxed         = "rotation_relaxed"
	WarnConsensusBelowThreshold = "consensus_below_threshold"
	WarnRetrieverUnavailable    = "retriever_unavailable"
)

// SequenceRange is a closed interval of per-analysis sequence numbers.
type SequenceRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Event is one member of the per-analysis event stream. Sequence numbers
// start at 1 and are strictly increasing per analysis; timestamps are
// wall-clock. Events are append-only per subscription.
//
// Exactly which payload fields are set depends on Type; unset fields are
// omitted from the wire encoding.
type Event struct {
	Type       EventType `json:"type"`
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	AnalysisID string    `json:"analysisId"`

	// ProviderID is set on thinking and provider_response events.
	ProviderID string `json:"providerId,omitempty"`

	// Content carries thinking text or a warning message.
	Content string `json:"content,omitempty"`

	// Code is the warning code on consensus_update events.
	Code string `json:"code,omitempty"`

	// Response is set on provider_response events.
	Response *ProviderResponse `json:"response,omitempty"`

	// Consensus is set on final_answer and consensus_update events.
	Consensus *Consensus `json:"consensus,omitempty"`

	// Approval is set on approval_requested and approval_resolved events.
	Approval *ApprovalRequest `json:"approval,omitempty"`

	// Fault is set on error events.
	Fault *Fault `json:"fault,omitempty"`

	// Covers is set on dropped sentinels and names the shed range.
	Covers *SequenceRange `json:"covers,omitempty"`
}

// Critical reports whether the bus must never shed this event. When a
// critical event cannot be buffered the subscription is closed with overflow
// instead.
func (e Event) Critical() bool {
	switch e.Type {
	case EventFinalAnswer, EventError, EventApprovalRequested, EventApprovalResolved, EventCanceled:
		return true
	}
	return false
}

// Terminal reports whether this event closes the stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventFinalAnswer, EventError, EventCanceled:
		return true
	}
	return false
}
