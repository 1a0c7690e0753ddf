// Package orchestrator is the facade that drives one analysis end to end:
// validate, resolve session context, select providers, dispatch, score
// consensus, persist the turn, and emit the terminal event.
//
// The per-analysis state machine is
//
//	received → dispatching → consensus_pending → {succeeded | failed | escalated}
//
// with canceled as the terminal state of a caller-canceled analysis. All
// failures crossing this boundary are *types.Fault values; the fault message
// is what callers may display.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wallbounce/wallbounce/internal/approval"
	"github.com/wallbounce/wallbounce/internal/consensus"
	"github.com/wallbounce/wallbounce/internal/dispatch"
	"github.com/wallbounce/wallbounce/internal/eventbus"
	"github.com/wallbounce/wallbounce/internal/observe"
	"github.com/wallbounce/wallbounce/internal/registry"
	"github.com/wallbounce/wallbounce/internal/session"
	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/retriever"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// State is the per-analysis lifecycle state.
type State string

const (
	StateReceived         State = "received"
	StateDispatching      State = "dispatching"
	StateConsensusPending State = "consensus_pending"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
	StateEscalated        State = "escalated"
	StateCanceled         State = "canceled"
)

// DefaultRetrieveLimit is the snippet count requested from the context
// retriever.
const DefaultRetrieveLimit = 5

// Result is the outcome of one analysis.
type Result struct {
	// AnalysisID identifies the analysis across events and logs.
	AnalysisID string `json:"analysisId"`

	// State is the terminal state: succeeded, escalated, failed or canceled.
	State State `json:"state"`

	// Consensus is the synthesized answer. Zero when State is failed or
	// canceled.
	Consensus types.Consensus `json:"consensus"`

	// Warnings lists the warning codes raised during the analysis
	// (rotation_relaxed, consensus_below_threshold, retriever_unavailable).
	Warnings []string `json:"warnings,omitempty"`

	// TurnIndex is the session turn this analysis was persisted as, 0 for
	// sessionless analyses.
	TurnIndex int `json:"turnIndex,omitempty"`
}

// Outcome pairs the result of a streamed analysis with its error.
type Outcome struct {
	Result *Result
	Err    error
}

// Config wires an [Orchestrator].
type Config struct {
	// Registry supplies the provider adapters. Required.
	Registry *registry.Registry

	// Bus streams progress events. Optional; nil disables streaming.
	Bus *eventbus.Bus

	// Approvals gates risky tool invocations. Optional.
	Approvals *approval.Manager

	// Sessions manages multi-turn state. Optional; analyses that name a
	// session fail without it.
	Sessions *session.Manager

	// Retriever supplies ranked context snippets. Optional.
	Retriever retriever.Retriever

	// RetrieveLimit caps the retrieved snippets. Default
	// [DefaultRetrieveLimit].
	RetrieveLimit int

	// Metrics records dispatch and consensus instrumentation. Optional.
	Metrics *observe.Metrics
}

// Orchestrator drives analyses. Safe for concurrent use.
type Orchestrator struct {
	registry      *registry.Registry
	dispatcher    *dispatch.Dispatcher
	engine        *consensus.Engine
	bus           *eventbus.Bus
	approvals     *approval.Manager
	sessions      *session.Manager
	retr          retriever.Retriever
	retrieveLimit int
	metrics       *observe.Metrics

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	limit := cfg.RetrieveLimit
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}

	var pub dispatch.Publisher
	if cfg.Bus != nil {
		pub = cfg.Bus
	}
	return &Orchestrator{
		registry:      cfg.Registry,
		dispatcher:    dispatch.New(pub),
		engine:        consensus.New(cfg.Registry.Tiers()),
		bus:           cfg.Bus,
		approvals:     cfg.Approvals,
		sessions:      cfg.Sessions,
		retr:          cfg.Retriever,
		retrieveLimit: limit,
		metrics:       cfg.Metrics,
	}, nil
}

// Analyze runs one analysis to completion and returns the consensus result.
func (o *Orchestrator) Analyze(ctx context.Context, q types.Query) (*Result, error) {
	if err := validate(q); err != nil {
		return nil, err
	}
	return o.run(ctx, uuid.NewString(), q)
}

// AnalyzeStream runs one analysis while streaming its events to subscriberID.
// The subscription is live before the first event is published; the outcome
// channel yields exactly one value after the terminal event.
func (o *Orchestrator) AnalyzeStream(ctx context.Context, q types.Query, subscriberID string) (*eventbus.Subscription, <-chan Outcome, error) {
	if err := validate(q); err != nil {
		return nil, nil, err
	}
	if o.bus == nil {
		return nil, nil, types.InvalidInput("streaming is not enabled")
	}

	analysisID := uuid.NewString()
	sub := o.bus.Subscribe(analysisID, subscriberID)

	out := make(chan Outcome, 1)
	go func() {
		res, err := o.run(ctx, analysisID, q)
		out <- Outcome{Result: res, Err: err}
		close(out)
	}()
	return sub, out, nil
}

// Cancel cancels a running analysis. Returns false when the analysis is not
// running.
func (o *Orchestrator) Cancel(analysisID string) bool {
	o.mu.Lock()
	cancel, ok := o.running[analysisID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// validate rejects malformed queries before an analysis id is even minted.
func validate(q types.Query) error {
	if q.Text == "" {
		return types.InvalidInput("query text must not be empty")
	}
	return q.Options.Validate()
}

// run drives the state machine for one analysis.
func (o *Orchestrator) run(ctx context.Context, analysisID string, q types.Query) (res *Result, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(analysisID, cancel)
	defer o.untrack(analysisID)

	ctx, span := observe.StartSpan(ctx, "analyze")
	defer span.End()

	o.analysesGauge(ctx, 1)
	defer o.analysesGauge(ctx, -1)

	defer func() {
		if o.bus != nil {
			o.bus.Release(analysisID)
		}
		if o.approvals != nil {
			o.approvals.Release(analysisID)
		}
	}()

	opts := q.Options
	result := &Result{AnalysisID: analysisID, State: StateReceived}
	slog.Info("analysis received",
		"analysis_id", analysisID, "task", opts.TaskType, "mode", opts.Mode)

	// Critical tasks end on the aggregator, which only exists as the last
	// step of a sequential chain.
	if opts.TaskType == types.TaskCritical {
		opts.Mode = types.ModeSequential
	}

	// Session context raises the provider floor and constrains vendors.
	var (
		sess   types.Session
		policy session.Policy
	)
	minProviders := opts.MinProviders
	var avoidVendors []string
	if opts.SessionID != "" {
		if o.sessions == nil {
			return nil, o.fail(ctx, result, types.InvalidInput("sessions are not enabled"))
		}
		sess, err = o.sessions.Load(ctx, opts.SessionID)
		if errors.Is(err, session.ErrNotFound) {
			return nil, o.fail(ctx, result, types.InvalidInput(
				fmt.Sprintf("unknown session %q", opts.SessionID)))
		}
		if err != nil {
			return nil, o.fail(ctx, result, types.FaultOf(err))
		}
		policy = o.sessions.DerivePolicy(sess)
		if policy.MinProviders > minProviders {
			minProviders = policy.MinProviders
		}
		avoidVendors = policy.AvoidVendors
	}

	req := provider.Request{
		Query:           q.Text,
		IncludeThinking: opts.IncludeThinking,
		SandboxLevel:    opts.SandboxLevel,
		AnalysisID:      analysisID,
	}
	// From turn 2 on the contextual prompt embeds the query itself.
	if opts.SessionID != "" && len(sess.Turns) > 0 {
		req.Context = session.ContextPrompt(sess, q.Text)
		req.Query = ""
	}

	// Retrieval failure never fails the analysis.
	if o.retr != nil {
		snippets, rerr := o.retr.Retrieve(ctx, q.Text, o.retrieveLimit)
		if rerr != nil {
			slog.Warn("context retrieval failed, continuing without snippets",
				"analysis_id", analysisID, "error", rerr)
			o.warn(result, analysisID, types.WarnRetrieverUnavailable,
				"context retriever unavailable")
		}
		for _, s := range snippets {
			req.Snippets = append(req.Snippets, s.Text)
		}
	}

	sel, err := o.registry.Select(opts.TaskType, minProviders, avoidVendors)
	if err != nil {
		return nil, o.fail(ctx, result, types.FaultOf(err))
	}
	if sel.Relaxed {
		// Turn 2 rotation is mandatory and its relaxation is caller-visible;
		// later turns only prefer rotation, so a repeat is not a warning.
		if policy.Mandatory {
			o.warn(result, analysisID, types.WarnRotationRelaxed,
				"vendor rotation relaxed to reach the provider floor")
		} else {
			slog.Debug("vendor rotation preference not honored",
				"analysis_id", analysisID, "turn", policy.TurnIndex)
		}
	}
	opts.MinProviders = minProviders

	result.State = StateDispatching
	cons, fault := o.dispatchAndScore(ctx, analysisID, sel, req, opts, result)
	if fault != nil {
		return nil, o.fail(ctx, result, fault)
	}

	// Escalation: one retry with a wider selection when consensus comes in
	// under the floor.
	escalated := false
	if cons.Confidence < opts.ConsensusFloor && opts.AutoEscalate {
		escCons, ok := o.escalate(ctx, analysisID, req, opts, len(sel.Adapters), result)
		if ok {
			escalated = true
			sel = escCons.sel
			cons = escCons.consensus
		}
	}
	if opts.RequireConsensus && cons.Confidence < opts.ConsensusFloor {
		o.warnConsensus(result, analysisID, cons)
	}

	// Persist the turn before announcing success so turn k+1 always sees
	// turn k committed.
	if opts.SessionID != "" {
		turn := types.Turn{
			Query:       q.Text,
			Consensus:   cons,
			ProviderIDs: sel.IDs(),
		}
		updated, terr := o.sessions.AppendTurn(ctx, opts.SessionID, turn)
		if terr != nil {
			return nil, o.fail(ctx, result, types.FaultOf(terr))
		}
		result.TurnIndex = len(updated.Turns)
	}

	result.Consensus = cons
	result.State = StateSucceeded
	if escalated {
		result.State = StateEscalated
	}

	o.recordConsensus(ctx, cons)
	o.publish(analysisID, types.Event{Type: types.EventFinalAnswer, Consensus: &cons})
	slog.Info("analysis finished",
		"analysis_id", analysisID, "state", result.State,
		"winner", cons.WinnerProviderID, "confidence", cons.Confidence,
		"quality", cons.QualityTier)
	return result, nil
}

// escalation is the outcome of one widened retry.
type escalation struct {
	sel       registry.Selection
	consensus types.Consensus
}

// escalate reruns the dispatch with at least one more provider and no vendor
// constraint. A failed escalation keeps the original consensus.
func (o *Orchestrator) escalate(ctx context.Context, analysisID string, req provider.Request, opts types.Options, prevCount int, result *Result) (escalation, bool) {
	o.warn(result, analysisID, types.WarnConsensusBelowThreshold,
		"consensus below threshold, escalating with more providers")
	slog.Info("escalating analysis", "analysis_id", analysisID, "providers", prevCount+1)

	opts.MinProviders = prevCount + 1
	sel, err := o.registry.Select(opts.TaskType, opts.MinProviders, nil)
	if err != nil {
		slog.Warn("escalation selection failed, keeping original consensus",
			"analysis_id", analysisID, "error", err)
		return escalation{}, false
	}

	cons, fault := o.dispatchAndScore(ctx, analysisID, sel, req, opts, result)
	if fault != nil {
		slog.Warn("escalation dispatch failed, keeping original consensus",
			"analysis_id", analysisID, "error", fault)
		return escalation{}, false
	}
	return escalation{sel: sel, consensus: cons}, true
}

// dispatchAndScore runs the dispatcher and the consensus engine, mapping
// cancellation along the way.
func (o *Orchestrator) dispatchAndScore(ctx context.Context, analysisID string, sel registry.Selection, req provider.Request, opts types.Options, result *Result) (types.Consensus, *types.Fault) {
	start := time.Now()

	var (
		responses []types.ProviderResponse
		err       error
	)
	switch opts.Mode {
	case types.ModeSequential:
		responses, err = o.dispatcher.Sequential(ctx, analysisID, sel.Adapters, req, opts)
	default:
		responses, err = o.dispatcher.Parallel(ctx, analysisID, sel.Adapters, req, opts)
	}
	o.recordDispatch(ctx, opts, time.Since(start))
	if err != nil {
		return types.Consensus{}, types.FaultOf(err)
	}

	result.State = StateConsensusPending
	cons, err := o.engine.Evaluate(responses)
	if err != nil {
		return types.Consensus{}, types.FaultOf(err)
	}
	return cons, nil
}

// fail publishes the terminal failure or cancellation event and transitions
// the state machine.
func (o *Orchestrator) fail(ctx context.Context, result *Result, fault *types.Fault) error {
	if fault.Kind == types.FaultCanceled {
		result.State = StateCanceled
		if o.approvals != nil {
			o.approvals.ExpireForAnalysis(result.AnalysisID)
		}
		o.publish(result.AnalysisID, types.Event{Type: types.EventCanceled, Fault: fault})
		slog.Info("analysis canceled", "analysis_id", result.AnalysisID)
		return fault
	}

	result.State = StateFailed
	o.publish(result.AnalysisID, types.Event{Type: types.EventError, Fault: fault})
	slog.Warn("analysis failed",
		"analysis_id", result.AnalysisID, "kind", fault.Kind, "error", fault)
	return fault
}

// warn records a warning on the result and publishes it as a
// consensus_update event.
func (o *Orchestrator) warn(result *Result, analysisID, code, msg string) {
	result.Warnings = append(result.Warnings, code)
	o.publish(analysisID, types.Event{
		Type:    types.EventConsensusUpdate,
		Code:    code,
		Content: msg,
	})
}

// warnConsensus publishes the below-threshold warning with the consensus
// attached so subscribers can inspect what fell short.
func (o *Orchestrator) warnConsensus(result *Result, analysisID string, cons types.Consensus) {
	result.Warnings = append(result.Warnings, types.WarnConsensusBelowThreshold)
	consCopy := cons
	o.publish(analysisID, types.Event{
		Type:      types.EventConsensusUpdate,
		Code:      types.WarnConsensusBelowThreshold,
		Content:   fmt.Sprintf("combined confidence %.2f below the consensus floor", cons.Confidence),
		Consensus: &consCopy,
	})
}

func (o *Orchestrator) publish(analysisID string, ev types.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(analysisID, ev)
}

func (o *Orchestrator) track(analysisID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running == nil {
		o.running = make(map[string]context.CancelFunc)
	}
	o.running[analysisID] = cancel
}

func (o *Orchestrator) untrack(analysisID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, analysisID)
}

func (o *Orchestrator) analysesGauge(ctx context.Context, delta int64) {
	if o.metrics != nil {
		o.metrics.ActiveAnalyses.Add(ctx, delta)
	}
}

func (o *Orchestrator) recordDispatch(ctx context.Context, opts types.Options, d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordDispatch(ctx, string(opts.Mode), string(opts.TaskType), d.Seconds())
	}
}

func (o *Orchestrator) recordConsensus(ctx context.Context, cons types.Consensus) {
	if o.metrics != nil {
		o.metrics.RecordConsensus(ctx, cons.Confidence, string(cons.QualityTier))
	}
}
