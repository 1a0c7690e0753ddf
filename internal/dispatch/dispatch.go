// Package dispatch fans a query out to the selected provider adapters.
//
// Parallel mode invokes every adapter concurrently under a per-adapter
// deadline and a whole-dispatch deadline, collecting every outcome — failed
// invocations become errored responses rather than aborting the dispatch.
// Sequential mode walks the adapters one at a time, feeding each step the
// prior responses, with an early exit once confidence is clearly high.
//
// The dispatcher never interprets the responses beyond counting successes
// against the minProviders floor; scoring belongs to the consensus engine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wallbounce/wallbounce/internal/registry"
	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// earlyExitMargin is how far above the confidence floor a sequential chain
// must score, for two consecutive steps, before it stops early.
const earlyExitMargin = 0.15

// earlyExitStreak is the number of consecutive qualifying steps required.
const earlyExitStreak = 2

// Sequential chain depth bounds.
const (
	minDepth = 3
	maxDepth = 5
)

// Publisher receives dispatch progress events. The event bus implements it.
type Publisher interface {
	Publish(analysisID string, ev types.Event)
}

// Dispatcher runs dispatches. Safe for concurrent use.
type Dispatcher struct {
	pub Publisher
}

// New creates a Dispatcher publishing progress to pub. pub may be nil when no
// subscriber cares (one-shot CLI runs).
func New(pub Publisher) *Dispatcher {
	return &Dispatcher{pub: pub}
}

// Parallel invokes all adapters concurrently and returns every outcome in
// adapter order. It fails with insufficient_providers when fewer than
// opts.MinProviders adapters succeed, and with canceled when the caller's
// context was canceled before the floor was reached. A whole-dispatch
// timeout counts as a provider shortage, not a cancellation.
func (d *Dispatcher) Parallel(ctx context.Context, analysisID string, adapters []provider.Adapter, req provider.Request, opts types.Options) ([]types.ProviderResponse, error) {
	callerCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, opts.WholeDispatchTimeout)
	defer cancel()

	var (
		mu        sync.Mutex
		successes int
	)
	responses := make([]types.ProviderResponse, len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		g.Go(func() error {
			id := a.Describe().ID
			if opts.IncludeThinking {
				d.publish(analysisID, types.Event{
					Type:       types.EventThinking,
					ProviderID: id,
					Content:    fmt.Sprintf("querying %s", id),
				})
			}

			resp := d.invokeOne(gctx, a, req, opts.PerAdapterTimeout)
			d.publish(analysisID, types.Event{
				Type:       types.EventProviderResponse,
				ProviderID: id,
				Response:   &resp,
			})

			mu.Lock()
			responses[i] = resp
			if resp.OK() {
				successes++
				if opts.Eager && successes >= opts.MinProviders {
					// Success is guaranteed; stop paying for stragglers.
					cancel()
				}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	got := successes
	mu.Unlock()

	if got >= opts.MinProviders {
		return responses, nil
	}
	if err := callerCtx.Err(); err != nil && errors.Is(err, context.Canceled) {
		return responses, types.Canceled()
	}
	slog.Warn("parallel dispatch fell short of the provider floor",
		"analysis_id", analysisID, "successes", got, "required", opts.MinProviders)
	return responses, shortageFault(responses, got, opts.MinProviders)
}

// Sequential walks the adapters in order, feeding each step the prior
// responses. The chain depth is opts.Depth clamped to [3,5], raised to the
// minProviders floor, and capped to the number of adapters; a critical chain
// always spans every selected adapter so the aggregator ordered last runs
// last. An early exit jumps to the aggregator instead of skipping it.
func (d *Dispatcher) Sequential(ctx context.Context, analysisID string, adapters []provider.Adapter, req provider.Request, opts types.Options) ([]types.ProviderResponse, error) {
	callerCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, opts.WholeDispatchTimeout)
	defer cancel()

	critical := opts.TaskType == types.TaskCritical

	depth := opts.Depth
	if depth < minDepth {
		depth = minDepth
	}
	if depth > maxDepth {
		depth = maxDepth
	}
	// The requested depth bounds exploration, never the selected fleet: a
	// chain shorter than minProviders could not reach the floor, and a
	// truncated critical chain would drop the aggregator.
	if depth < opts.MinProviders {
		depth = opts.MinProviders
	}
	if critical || depth > len(adapters) {
		depth = len(adapters)
	}

	floor := opts.ConfidenceFloor + earlyExitMargin

	var (
		responses []types.ProviderResponse
		successes int
		streak    int
	)

	for step := 0; step < depth; step++ {
		if ctx.Err() != nil {
			break
		}
		a := adapters[step]
		id := a.Describe().ID
		last := step == depth-1

		stepReq := req
		stepReq.PriorResponses = responses
		stepReq.Aggregate = critical && last

		if opts.IncludeThinking {
			d.publish(analysisID, types.Event{
				Type:       types.EventThinking,
				ProviderID: id,
				Content:    fmt.Sprintf("chain step %d/%d: querying %s", step+1, depth, id),
			})
		}

		resp := d.invokeOne(ctx, a, stepReq, opts.PerAdapterTimeout)
		responses = append(responses, resp)
		d.publish(analysisID, types.Event{
			Type:       types.EventProviderResponse,
			ProviderID: id,
			Response:   &resp,
		})

		if resp.OK() {
			successes++
		}
		if best(responses) > floor {
			streak++
		} else {
			streak = 0
		}

		if streak >= earlyExitStreak && !last {
			if critical {
				// The aggregator still runs; skip straight to it.
				step = depth - 2
				streak = 0
				continue
			}
			slog.Debug("sequential chain exited early",
				"analysis_id", analysisID, "steps", step+1, "depth", depth)
			break
		}
	}

	if successes >= opts.MinProviders {
		return responses, nil
	}
	if err := callerCtx.Err(); err != nil && errors.Is(err, context.Canceled) {
		return responses, types.Canceled()
	}
	return responses, shortageFault(responses, successes, opts.MinProviders)
}

// invokeOne runs a single adapter under its own deadline, converting failures
// into errored responses and imposing the default confidence heuristic when
// the backend reported none.
func (d *Dispatcher) invokeOne(ctx context.Context, a provider.Adapter, req provider.Request, timeout time.Duration) types.ProviderResponse {
	id := a.Describe().ID
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.Invoke(ctx, req)
	if err != nil {
		f, ok := types.AsFault(err)
		if !ok {
			f = types.AdapterFault(types.ReasonRemote,
				fmt.Sprintf("provider %s failed", id), err)
		}
		return types.ProviderResponse{
			ProviderID:    id,
			LatencyMillis: time.Since(start).Milliseconds(),
			Err:           f,
		}
	}

	if resp.ProviderID == "" {
		resp.ProviderID = id
	}
	if resp.Confidence == 0 {
		resp.Confidence = registry.DefaultConfidence(resp.Content)
	}
	return resp
}

// best returns the highest confidence among the successful responses.
func best(responses []types.ProviderResponse) float64 {
	var out float64
	for _, r := range responses {
		if r.OK() && r.Confidence > out {
			out = r.Confidence
		}
	}
	return out
}

// shortageFault builds the insufficient_providers fault, annotated with the
// failure reasons so callers can tell an all-timeout dispatch from a broken
// fleet.
func shortageFault(responses []types.ProviderResponse, got, want int) *types.Fault {
	f := types.InsufficientProviders(got, want)
	for _, r := range responses {
		if r.Err != nil && r.ProviderID != "" {
			f.WithDetail(r.ProviderID, r.Err.Reason)
		}
	}
	return f
}

func (d *Dispatcher) publish(analysisID string, ev types.Event) {
	if d.pub == nil {
		return
	}
	d.pub.Publish(analysisID, ev)
}
