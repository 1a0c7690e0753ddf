// Package resilience protects provider adapters from cascading backend
// failures.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open). [Guard] wraps a [provider.Adapter] with a
// breaker so the dispatcher can keep calling a uniform interface: when the
// breaker is open the guarded adapter fails fast with a breaker_open fault
// instead of burning a dispatch slot on a backend that is known to be down.
//
// Only retryable faults (timeouts, remote errors) count toward tripping.
// Deterministic failures such as a denied approval say nothing about backend
// health and leave the breaker alone.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls fail fast until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls are allowed through; if they succeed the
	// breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages, typically the
	// provider id.
	Name string

	// MaxFailures is the number of consecutive retryable failures in the
	// closed state before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning
	// to half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed in the half-open
	// state before the breaker decides whether to close or re-open.
	// Default: 3.
	HalfOpenMax int

	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewBreaker creates a [Breaker] with the supplied configuration. Zero-value
// config fields are replaced with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          cfg.Now,
		state:        StateClosed,
	}
}

// Allow reports whether a call may proceed right now and records the probe
// when the breaker is half-open. Callers must follow up with Record.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.resetTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenFails = 0
		slog.Info("circuit breaker transitioning to half-open", "name", b.name)

	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			return false
		}
	}

	if b.state == StateHalfOpen {
		b.halfOpenCalls++
	}
	return true
}

// Record feeds the outcome of an allowed call back into the breaker.
// countsAsFailure should be true only for retryable backend failures.
func (b *Breaker) Record(countsAsFailure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inHalfOpen := b.state == StateHalfOpen

	if countsAsFailure {
		b.lastFailure = b.now()
		if inHalfOpen {
			b.halfOpenFails++
			// Any failure in half-open immediately re-opens.
			b.state = StateOpen
			b.consecutiveFail = b.maxFailures
			slog.Warn("circuit breaker re-opened from half-open", "name", b.name)
			return
		}
		b.consecutiveFail++
		if b.consecutiveFail >= b.maxFailures {
			b.state = StateOpen
			slog.Warn("circuit breaker opened",
				"name", b.name,
				"consecutive_failures", b.consecutiveFail)
		}
		return
	}

	if inHalfOpen {
		successes := b.halfOpenCalls - b.halfOpenFails
		if successes >= b.halfOpenMax {
			b.state = StateClosed
			b.consecutiveFail = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			slog.Info("circuit breaker closed after successful probes", "name", b.name)
		}
		return
	}
	b.consecutiveFail = 0
}

// State returns the current [State] of the breaker. If the breaker is open
// and the reset timeout has elapsed, the returned state is [StateHalfOpen]
// (the actual transition happens on the next Allow call).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
	slog.Info("circuit breaker manually reset", "name", b.name)
}

// Guard wraps an adapter with a breaker. It implements provider.Adapter.
type Guard struct {
	inner   provider.Adapter
	breaker *Breaker
}

var _ provider.Adapter = (*Guard)(nil)

// NewGuard wraps inner with a breaker configured from cfg. When cfg.Name is
// empty the provider id is used.
func NewGuard(inner provider.Adapter, cfg BreakerConfig) *Guard {
	if cfg.Name == "" {
		cfg.Name = inner.Describe().ID
	}
	return &Guard{inner: inner, breaker: NewBreaker(cfg)}
}

// Breaker exposes the underlying breaker for health reporting.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Describe implements provider.Adapter.
func (g *Guard) Describe() types.ProviderDescriptor { return g.inner.Describe() }

// Invoke implements provider.Adapter. An open breaker fails fast with a
// retryable breaker_open fault so the dispatcher can count it like any other
// provider failure.
func (g *Guard) Invoke(ctx context.Context, req provider.Request) (types.ProviderResponse, error) {
	if !g.breaker.Allow() {
		return types.ProviderResponse{}, types.AdapterFault(types.ReasonBreaker,
			fmt.Sprintf("provider %s circuit breaker is open", g.inner.Describe().ID), nil)
	}

	resp, err := g.inner.Invoke(ctx, req)
	g.breaker.Record(countsAsFailure(err))
	return resp, err
}

// HealthCheck implements provider.Adapter. Probes bypass the breaker: an
// operator asking about health wants the real answer, and a successful probe
// must not count as a half-open trial.
func (g *Guard) HealthCheck(ctx context.Context) types.HealthStatus {
	hs := g.inner.HealthCheck(ctx)
	if state := g.breaker.State(); state != StateClosed {
		hs.Detail = joinDetail(hs.Detail, "circuit breaker "+state.String())
	}
	return hs
}

// countsAsFailure reports whether err indicates backend trouble. Only
// retryable faults trip the breaker; unknown error types are treated as
// backend trouble too.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if f, ok := types.AsFault(err); ok {
		return f.Retryable
	}
	return true
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
