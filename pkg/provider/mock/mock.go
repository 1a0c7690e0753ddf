// Package mock provides a test double for the provider.Adapter interface.
//
// Use Adapter in unit tests to feed controlled responses into the dispatcher,
// consensus engine and orchestrator without a live backend. All fields are
// safe to set before calling any method; mutating them during a concurrent
// call is the caller's responsibility.
//
// Example:
//
//	a := &mock.Adapter{
//	    Desc:           types.ProviderDescriptor{ID: "m1", Vendor: "acme", Tier: 2},
//	    InvokeResponse: types.ProviderResponse{Content: "Hello!", Confidence: 0.9},
//	}
//	resp, err := a.Invoke(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// InvokeCall records a single invocation of Invoke.
type InvokeCall struct {
	// Ctx is the context passed to Invoke.
	Ctx context.Context
	// Req is the request passed to Invoke.
	Req provider.Request
}

// Adapter is a mock implementation of provider.Adapter.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set InvokeErr to inject errors, or InvokeFn to take over entirely.
type Adapter struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Desc is returned by Describe.
	Desc types.ProviderDescriptor

	// InvokeResponse is returned by Invoke. The ProviderID field is stamped
	// with Desc.ID when empty, mirroring real adapters.
	InvokeResponse types.ProviderResponse

	// InvokeErr, if non-nil, is returned as the error from Invoke.
	InvokeErr error

	// InvokeDelay, when positive, makes Invoke sleep before responding.
	// Invoke still honors context cancellation during the sleep.
	InvokeDelay time.Duration

	// InvokeFn, if non-nil, replaces the canned response logic entirely.
	// InvokeDelay and call recording still apply.
	InvokeFn func(ctx context.Context, req provider.Request) (types.ProviderResponse, error)

	// Health is returned by HealthCheck.
	Health types.HealthStatus

	// --- Call records (read after test) ---

	// InvokeCalls records every invocation of Invoke in order.
	InvokeCalls []InvokeCall

	// HealthCheckCallCount is the number of times HealthCheck was called.
	HealthCheckCallCount int
}

// Invoke records the call and returns the configured response.
func (a *Adapter) Invoke(ctx context.Context, req provider.Request) (types.ProviderResponse, error) {
	a.mu.Lock()
	a.InvokeCalls = append(a.InvokeCalls, InvokeCall{Ctx: ctx, Req: req})
	delay := a.InvokeDelay
	fn := a.InvokeFn
	resp := a.InvokeResponse
	err := a.InvokeErr
	id := a.Desc.ID
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return types.ProviderResponse{}, types.AdapterFault(types.ReasonTimeout, "mock adapter canceled", ctx.Err())
		case <-time.After(delay):
		}
	}

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return types.ProviderResponse{}, err
	}
	if resp.ProviderID == "" {
		resp.ProviderID = id
	}
	return resp, nil
}

// Describe returns Desc.
func (a *Adapter) Describe() types.ProviderDescriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Desc
}

// HealthCheck records the call and returns Health.
func (a *Adapter) HealthCheck(context.Context) types.HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.HealthCheckCallCount++
	return a.Health
}

// Calls returns a copy of the recorded Invoke calls. Thread-safe.
func (a *Adapter) Calls() []InvokeCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]InvokeCall, len(a.InvokeCalls))
	copy(out, a.InvokeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.InvokeCalls = nil
	a.HealthCheckCallCount = 0
}

// Ensure Adapter implements provider.Adapter at compile time.
var _ provider.Adapter = (*Adapter)(nil)
