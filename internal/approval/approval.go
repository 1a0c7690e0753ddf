// Package approval implements the human-in-the-loop gate for risky tool
// invocations.
//
// Every side-effecting tool call is graded into a risk level from its sandbox
// and execution mode, then either auto-approved (low and medium risk in auto
// mode) or parked as a pending request that an operator resolves through the
// control plane. Pending requests expire after a deadline; expiry counts as a
// denial. State transitions are one-way: once a request is approved, denied,
// auto-approved or expired it never changes again, and a repeated identical
// decision is an idempotent no-op.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// Publisher receives the approval lifecycle events. The event bus implements
// it; tests substitute fakes.
type Publisher interface {
	Publish(analysisID string, ev types.Event)
}

// RiskFor grades a tool invocation. Full access in auto mode is the worst
// case: nobody is watching and nothing is contained.
func RiskFor(sandbox types.SandboxLevel, autoMode bool) types.RiskLevel {
	switch sandbox {
	case types.SandboxFullAccess:
		if autoMode {
			return types.RiskCritical
		}
		return types.RiskHigh
	case types.SandboxIsolated:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// autoApprovable reports whether a request of the given risk may resolve
// without a human in auto mode.
func autoApprovable(risk types.RiskLevel) bool {
	return risk == types.RiskLow || risk == types.RiskMedium
}

// pending is the in-flight state of one request.
type pending struct {
	req   types.ApprovalRequest
	tool  string
	done  chan struct{}
	timer *time.Timer
}

// Manager tracks approval requests. All methods are safe for concurrent use.
type Manager struct {
	pub     Publisher
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	requests map[string]*pending
}

// Option configures a [Manager].
type Option func(*Manager)

// WithTimeout sets the default approval window. Default
// types.DefaultApprovalTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager publishing lifecycle events to pub.
func New(pub Publisher, opts ...Option) *Manager {
	m := &Manager{
		pub:      pub,
		timeout:  types.DefaultApprovalTimeout,
		now:      time.Now,
		requests: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request registers an approval request for inv and returns it. Low and
// medium risk requests auto-approve in auto mode; everything else goes
// pending and emits an approval_requested event. timeout overrides the
// manager default when positive.
func (m *Manager) Request(analysisID string, inv types.ToolInvocation, autoMode bool, timeout time.Duration) types.ApprovalRequest {
	risk := RiskFor(inv.SandboxLevel, autoMode)
	req := types.ApprovalRequest{
		ID:          uuid.NewString(),
		AnalysisID:  analysisID,
		ToolName:    inv.ToolName,
		Arguments:   inv.Arguments,
		RiskLevel:   risk,
		RequestedAt: m.now(),
		State:       types.ApprovalStatePending,
	}

	if autoMode && autoApprovable(risk) {
		req.State = types.ApprovalStateAutoApproved
		slog.Info("tool invocation auto-approved",
			"analysis_id", analysisID, "tool", inv.ToolName, "risk", risk)
		m.publish(analysisID, types.EventApprovalResolved, req)
		return req
	}

	if timeout <= 0 {
		timeout = m.timeout
	}
	p := &pending{req: req, tool: inv.ToolName, done: make(chan struct{})}
	p.timer = time.AfterFunc(timeout, func() { m.expire(req.ID) })

	m.mu.Lock()
	m.requests[req.ID] = p
	m.mu.Unlock()

	slog.Info("tool invocation awaiting approval",
		"analysis_id", analysisID, "tool", inv.ToolName, "risk", risk, "request_id", req.ID)
	m.publish(analysisID, types.EventApprovalRequested, req)
	return req
}

// Await blocks until the request reaches a terminal state or ctx is done.
// Approved and auto-approved resolve to nil; denial and expiry resolve to an
// approval_denied fault.
func (m *Manager) Await(ctx context.Context, requestID string) error {
	m.mu.Lock()
	p, ok := m.requests[requestID]
	var terminal bool
	if ok {
		terminal = p.req.State.Terminal()
	}
	m.mu.Unlock()
	if !ok {
		return types.InvalidInput(fmt.Sprintf("unknown approval request %q", requestID))
	}

	if !terminal {
		select {
		case <-ctx.Done():
			return types.Canceled()
		case <-p.done:
		}
	}

	m.mu.Lock()
	state := p.req.State
	tool := p.tool
	m.mu.Unlock()

	switch state {
	case types.ApprovalStateApproved, types.ApprovalStateAutoApproved:
		return nil
	case types.ApprovalStateExpired:
		return types.ApprovalDenied(tool, types.ReasonExpired)
	default:
		return types.ApprovalDenied(tool, types.ReasonDenied)
	}
}

// Resolve records an operator decision. Resolving an already-terminal request
// with the same decision is a no-op; a conflicting decision is rejected and
// the original state stands.
func (m *Manager) Resolve(requestID string, approve bool) (types.ApprovalRequest, error) {
	target := types.ApprovalStateDenied
	if approve {
		target = types.ApprovalStateApproved
	}

	m.mu.Lock()
	p, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return types.ApprovalRequest{}, types.InvalidInput(fmt.Sprintf("unknown approval request %q", requestID))
	}

	if p.req.State.Terminal() {
		state := p.req.State
		req := p.req
		m.mu.Unlock()
		if state == target || (approve && state == types.ApprovalStateAutoApproved) {
			return req, nil
		}
		f := types.InvalidInput(fmt.Sprintf(
			"approval request %q already %s; conflicting decision rejected", requestID, state))
		f.Reason = types.ReasonInvalidTransition
		return req, f
	}

	p.req.State = target
	p.timer.Stop()
	close(p.done)
	req := p.req
	m.mu.Unlock()

	slog.Info("approval request resolved",
		"request_id", requestID, "analysis_id", req.AnalysisID, "state", req.State)
	m.publish(req.AnalysisID, types.EventApprovalResolved, req)
	return req, nil
}

// Get returns the current state of a request.
func (m *Manager) Get(requestID string) (types.ApprovalRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.requests[requestID]
	if !ok {
		return types.ApprovalRequest{}, false
	}
	return p.req, true
}

// Pending returns all requests still awaiting a decision.
func (m *Manager) Pending() []types.ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ApprovalRequest
	for _, p := range m.requests {
		if !p.req.State.Terminal() {
			out = append(out, p.req)
		}
	}
	return out
}

// ExpireForAnalysis force-expires every pending request of a canceled
// analysis so their waiters unblock immediately.
func (m *Manager) ExpireForAnalysis(analysisID string) {
	m.mu.Lock()
	var ids []string
	for id, p := range m.requests {
		if p.req.AnalysisID == analysisID && !p.req.State.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.expire(id)
	}
}

// Release drops terminal requests belonging to a finished analysis.
func (m *Manager) Release(analysisID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.requests {
		if p.req.AnalysisID == analysisID && p.req.State.Terminal() {
			delete(m.requests, id)
		}
	}
}

// expire moves a pending request to the expired state.
func (m *Manager) expire(requestID string) {
	m.mu.Lock()
	p, ok := m.requests[requestID]
	if !ok || p.req.State.Terminal() {
		m.mu.Unlock()
		return
	}
	p.req.State = types.ApprovalStateExpired
	p.timer.Stop()
	close(p.done)
	req := p.req
	m.mu.Unlock()

	slog.Warn("approval request expired",
		"request_id", requestID, "analysis_id", req.AnalysisID, "tool", req.ToolName)
	m.publish(req.AnalysisID, types.EventApprovalResolved, req)
}

func (m *Manager) publish(analysisID string, evType types.EventType, req types.ApprovalRequest) {
	if m.pub == nil {
		return
	}
	reqCopy := req
	m.pub.Publish(analysisID, types.Event{Type: evType, Approval: &reqCopy})
}

// Gate adapts a Manager into a [provider.ToolGate] with a fixed execution
// mode and approval window.
type Gate struct {
	Manager  *Manager
	AutoMode bool
	Timeout  time.Duration
}

var _ provider.ToolGate = (*Gate)(nil)

// Authorize implements provider.ToolGate: it files the request and blocks on
// the decision.
func (g *Gate) Authorize(ctx context.Context, analysisID string, inv types.ToolInvocation) error {
	req := g.Manager.Request(analysisID, inv, g.AutoMode, g.Timeout)
	if req.State.Terminal() {
		if req.State == types.ApprovalStateAutoApproved || req.State == types.ApprovalStateApproved {
			return nil
		}
		return types.ApprovalDenied(inv.ToolName, types.ReasonDenied)
	}
	return g.Manager.Await(ctx, req.ID)
}
