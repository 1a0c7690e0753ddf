package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/provider/mock"
	"github.com/wallbounce/wallbounce/pkg/types"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *capturePublisher) Publish(analysisID string, ev types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev.AnalysisID = analysisID
	p.events = append(p.events, ev)
}

func (p *capturePublisher) byType(t types.EventType) []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func adapter(id string, content string, confidence float64) *mock.Adapter {
	return &mock.Adapter{
		Desc:           types.ProviderDescriptor{ID: id, Vendor: id + "-vendor", Tier: 2, Kind: types.KindSDK},
		InvokeResponse: types.ProviderResponse{Content: content, Confidence: confidence},
	}
}

func timeoutAdapter(id string) *mock.Adapter {
	return &mock.Adapter{
		Desc:      types.ProviderDescriptor{ID: id, Vendor: id + "-vendor", Tier: 2, Kind: types.KindSDK},
		InvokeErr: types.AdapterFault(types.ReasonTimeout, "provider "+id+" timed out", nil),
	}
}

func options() types.Options {
	o := types.DefaultOptions()
	o.PerAdapterTimeout = 2 * time.Second
	o.WholeDispatchTimeout = 5 * time.Second
	return o
}

// ── parallel ─────────────────────────────────────────────────────────────────

func TestParallelCollectsAllResponses(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})
	adapters := []provider.Adapter{
		adapter("p1", "answer one", 0.8),
		adapter("p2", "answer two", 0.7),
		adapter("p3", "answer three", 0.9),
	}

	responses, err := d.Parallel(context.Background(), "an-1", adapters, provider.Request{Query: "q"}, options())
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("responses = %d, want 3", len(responses))
	}
	// Responses stay in adapter order regardless of completion order.
	for i, want := range []string{"p1", "p2", "p3"} {
		if responses[i].ProviderID != want {
			t.Fatalf("responses[%d] = %s, want %s", i, responses[i].ProviderID, want)
		}
	}
}

func TestParallelPartialFailureStillSucceeds(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})
	adapters := []provider.Adapter{
		adapter("p1", "answer", 0.8),
		adapter("p2", "answer", 0.7),
		timeoutAdapter("p3"),
	}

	responses, err := d.Parallel(context.Background(), "an-1", adapters, provider.Request{Query: "q"}, options())
	if err != nil {
		t.Fatalf("parallel with 2/3 successes should pass: %v", err)
	}
	if responses[2].OK() {
		t.Fatal("failed adapter should yield an errored response")
	}
	if responses[2].Err.Reason != types.ReasonTimeout {
		t.Fatalf("reason = %s, want timeout", responses[2].Err.Reason)
	}
}

func TestParallelInsufficientProviders(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})
	adapters := []provider.Adapter{
		adapter("p1", "answer", 0.8),
		timeoutAdapter("p2"),
		timeoutAdapter("p3"),
	}

	_, err := d.Parallel(context.Background(), "an-1", adapters, provider.Request{Query: "q"}, options())
	f, ok := types.AsFault(err)
	if !ok || f.Kind != types.FaultInsufficientProviders {
		t.Fatalf("want insufficient_providers, got %v", err)
	}
	if f.Details["p2"] != types.ReasonTimeout {
		t.Fatalf("want per-provider reasons in details, got %v", f.Details)
	}
}

func TestParallelAllTimeoutsIsShortageNotCancellation(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})
	slow := &mock.Adapter{
		Desc:        types.ProviderDescriptor{ID: "slow", Vendor: "v", Tier: 2},
		InvokeDelay: time.Hour,
	}
	slow2 := &mock.Adapter{
		Desc:        types.ProviderDescriptor{ID: "slow2", Vendor: "v2", Tier: 2},
		InvokeDelay: time.Hour,
	}

	opts := options()
	opts.PerAdapterTimeout = 30 * time.Millisecond
	opts.WholeDispatchTimeout = 200 * time.Millisecond

	_, err := d.Parallel(context.Background(), "an-1", []provider.Adapter{slow, slow2}, provider.Request{Query: "q"}, opts)
	f, ok := types.AsFault(err)
	if !ok || f.Kind != types.FaultInsufficientProviders {
		t.Fatalf("want insufficient_providers when every provider times out, got %v", err)
	}
}

func TestParallelCallerCancellation(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})
	slow := &mock.Adapter{
		Desc:        types.ProviderDescriptor{ID: "slow", Vendor: "v", Tier: 2},
		InvokeDelay: time.Hour,
	}
	slow2 := &mock.Adapter{
		Desc:        types.ProviderDescriptor{ID: "slow2", Vendor: "v2", Tier: 2},
		InvokeDelay: time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := d.Parallel(ctx, "an-1", []provider.Adapter{slow, slow2}, provider.Request{Query: "q"}, options())
	f, ok := types.AsFault(err)
	if !ok || f.Kind != types.FaultCanceled {
		t.Fatalf("want canceled for caller cancellation, got %v", err)
	}
}

func TestParallelEagerCancelsStragglers(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})
	straggler := &mock.Adapter{
		Desc:        types.ProviderDescriptor{ID: "straggler", Vendor: "v3", Tier: 2},
		InvokeDelay: time.Hour,
	}
	adapters := []provider.Adapter{
		adapter("p1", "fast answer", 0.8),
		adapter("p2", "fast answer", 0.7),
		straggler,
	}

	opts := options()
	opts.Eager = true
	opts.MinProviders = 2

	start := time.Now()
	responses, err := d.Parallel(context.Background(), "an-1", adapters, provider.Request{Query: "q"}, opts)
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("eager dispatch waited for the straggler: %v", elapsed)
	}
	if responses[2].OK() {
		t.Fatal("straggler should have been canceled")
	}
}

func TestParallelEmitsEvents(t *testing.T) {
	t.Parallel()
	pub := &capturePublisher{}
	d := New(pub)
	adapters := []provider.Adapter{
		adapter("p1", "answer", 0.8),
		adapter("p2", "answer", 0.7),
	}

	opts := options()
	opts.IncludeThinking = true
	if _, err := d.Parallel(context.Background(), "an-1", adapters, provider.Request{Query: "q"}, opts); err != nil {
		t.Fatalf("parallel: %v", err)
	}

	if got := len(pub.byType(types.EventProviderResponse)); got != 2 {
		t.Fatalf("provider_response events = %d, want 2", got)
	}
	if got := len(pub.byType(types.EventThinking)); got != 2 {
		t.Fatalf("thinking events = %d, want 2", got)
	}
}

func TestParallelImposesDefaultConfidence(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})
	adapters := []provider.Adapter{
		adapter("p1", "a reasonably detailed answer with several words in it.", 0),
		adapter("p2", "another answer", 0.7),
	}

	responses, err := d.Parallel(context.Background(), "an-1", adapters, provider.Request{Query: "q"}, options())
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	if responses[0].Confidence <= 0 {
		t.Fatal("zero backend confidence should be replaced by the heuristic")
	}
}

// ── sequential ───────────────────────────────────────────────────────────────

func seqAdapters(n int, confidence float64) []provider.Adapter {
	out := make([]provider.Adapter, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, adapter(string(rune('a'+i))+"-prov", "chain answer", confidence))
	}
	return out
}

func TestSequentialDepthClamping(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})

	opts := options()
	opts.Mode = types.ModeSequential
	opts.Depth = 1 // clamps up to 3

	responses, err := d.Sequential(context.Background(), "an-1", seqAdapters(5, 0.5), provider.Request{Query: "q"}, opts)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("steps = %d, want 3 (clamped)", len(responses))
	}
}

func TestSequentialFeedsPriorResponses(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})

	var prompts []int
	mkAdapter := func(id string) *mock.Adapter {
		a := &mock.Adapter{Desc: types.ProviderDescriptor{ID: id, Vendor: id, Tier: 2}}
		a.InvokeFn = func(_ context.Context, req provider.Request) (types.ProviderResponse, error) {
			prompts = append(prompts, len(req.PriorResponses))
			return types.ProviderResponse{ProviderID: id, Content: "step answer", Confidence: 0.5}, nil
		}
		return a
	}

	opts := options()
	opts.Depth = 3
	_, err := d.Sequential(context.Background(), "an-1",
		[]provider.Adapter{mkAdapter("s1"), mkAdapter("s2"), mkAdapter("s3")},
		provider.Request{Query: "q"}, opts)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	for i, got := range prompts {
		if got != i {
			t.Fatalf("step %d saw %d prior responses, want %d", i, got, i)
		}
	}
}

func TestSequentialEarlyExit(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})

	opts := options()
	opts.Depth = 5
	opts.MinProviders = 2
	opts.ConfidenceFloor = 0.7

	// 0.9 > 0.7+0.15 from step one; two qualifying steps end the chain.
	responses, err := d.Sequential(context.Background(), "an-1", seqAdapters(5, 0.9), provider.Request{Query: "q"}, opts)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("steps = %d, want 2 (early exit)", len(responses))
	}
}

func TestSequentialNoEarlyExitBelowMargin(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})

	opts := options()
	opts.Depth = 4
	opts.ConfidenceFloor = 0.7

	// 0.8 < 0.85 margin: the chain runs to full depth.
	responses, err := d.Sequential(context.Background(), "an-1", seqAdapters(4, 0.8), provider.Request{Query: "q"}, opts)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	if len(responses) != 4 {
		t.Fatalf("steps = %d, want 4", len(responses))
	}
}

func TestSequentialCriticalRunsAggregatorOnEarlyExit(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})

	var sawAggregate bool
	agg := &mock.Adapter{Desc: types.ProviderDescriptor{
		ID: "agg", Vendor: "corvid", Tier: 4,
		Capabilities: []types.Capability{types.CapAggregation},
	}}
	agg.InvokeFn = func(_ context.Context, req provider.Request) (types.ProviderResponse, error) {
		sawAggregate = req.Aggregate
		return types.ProviderResponse{ProviderID: "agg", Content: "final synthesis", Confidence: 0.95}, nil
	}

	adapters := append(seqAdapters(4, 0.95), provider.Adapter(agg))

	opts := options()
	opts.TaskType = types.TaskCritical
	opts.Depth = 5
	opts.MinProviders = 3

	responses, err := d.Sequential(context.Background(), "an-1", adapters, provider.Request{Query: "q"}, opts)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	lastResp := responses[len(responses)-1]
	if lastResp.ProviderID != "agg" {
		t.Fatalf("last step = %s, want the aggregator", lastResp.ProviderID)
	}
	if !sawAggregate {
		t.Fatal("aggregator step must carry the aggregate flag")
	}
	if len(responses) >= 5 {
		t.Fatalf("steps = %d, want early jump to the aggregator", len(responses))
	}
}

func TestSequentialCriticalCoversWholeFleet(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})

	// Confidence stays below the early-exit margin so every step runs.
	mids := []provider.Adapter{
		adapter("m1", "candidate", 0.5),
		adapter("m2", "candidate", 0.5),
		adapter("m3", "candidate", 0.5),
	}
	agg := &mock.Adapter{
		Desc: types.ProviderDescriptor{
			ID: "agg", Vendor: "corvid", Tier: 4,
			Capabilities: []types.Capability{types.CapAggregation},
		},
		InvokeResponse: types.ProviderResponse{Content: "synthesis", Confidence: 0.9},
	}
	adapters := append(mids, provider.Adapter(agg))

	opts := options()
	opts.TaskType = types.TaskCritical
	opts.Depth = 3 // fewer than the four selected adapters
	opts.MinProviders = 4

	responses, err := d.Sequential(context.Background(), "an-1", adapters, provider.Request{Query: "q"}, opts)
	if err != nil {
		t.Fatalf("four healthy adapters must satisfy a floor of four: %v", err)
	}
	if len(responses) != 4 {
		t.Fatalf("steps = %d, want the whole fleet", len(responses))
	}
	if responses[3].ProviderID != "agg" {
		t.Fatalf("last step = %s, want the aggregator", responses[3].ProviderID)
	}
	aggCalls := agg.Calls()
	if len(aggCalls) != 1 || !aggCalls[0].Req.Aggregate {
		t.Fatalf("aggregator calls = %+v, want exactly one aggregate step", aggCalls)
	}
	for i, a := range mids {
		if calls := a.(*mock.Adapter).Calls(); calls[0].Req.Aggregate {
			t.Fatalf("step %d must not carry the aggregate flag", i)
		}
	}
}

func TestSequentialDepthRisesToProviderFloor(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})

	opts := options()
	opts.Depth = 3
	opts.MinProviders = 4

	responses, err := d.Sequential(context.Background(), "an-1", seqAdapters(4, 0.5), provider.Request{Query: "q"}, opts)
	if err != nil {
		t.Fatalf("a floor of four must lengthen the chain, not fail it: %v", err)
	}
	if len(responses) != 4 {
		t.Fatalf("steps = %d, want 4", len(responses))
	}
}

func TestSequentialShortage(t *testing.T) {
	t.Parallel()
	d := New(&capturePublisher{})
	adapters := []provider.Adapter{
		timeoutAdapter("p1"),
		timeoutAdapter("p2"),
		adapter("p3", "only answer", 0.5),
	}

	opts := options()
	opts.Depth = 3
	_, err := d.Sequential(context.Background(), "an-1", adapters, provider.Request{Query: "q"}, opts)
	f, ok := types.AsFault(err)
	if !ok || f.Kind != types.FaultInsufficientProviders {
		t.Fatalf("want insufficient_providers, got %v", err)
	}
}
