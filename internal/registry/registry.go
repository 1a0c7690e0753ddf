// Package registry holds the registered provider adapters and implements the
// selection policy that decides which of them answer a given query.
//
// Selection is deterministic: candidates are ordered by tier, then cost, then
// id, so the same registry and inputs always produce the same pick. Vendor
// rotation between session turns is expressed through the avoid-vendor list;
// when honoring it would leave too few providers, the constraint is relaxed
// and the caller is told so it can emit a warning.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/wallbounce/wallbounce/internal/resilience"
	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// Task-type floors on the number of selected providers.
const (
	basicFloor    = 2
	premiumFloor  = 3
	criticalFloor = 3
)

// aggregatorTier is the minimum tier for the final step of a critical chain.
const aggregatorTier = 4

// Registry is the immutable set of registered adapters. Build it once at
// startup with [New]; all methods are safe for concurrent use afterwards.
type Registry struct {
	adapters map[string]provider.Adapter
	ordered  []provider.Adapter // sorted by tier asc, cost asc, id asc
}

// New builds a Registry from the given adapters. Duplicate ids, empty ids,
// empty vendors and unknown invocation kinds are rejected.
func New(adapters ...provider.Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]provider.Adapter, len(adapters))}

	for _, a := range adapters {
		d := a.Describe()
		switch {
		case d.ID == "":
			return nil, fmt.Errorf("registry: adapter with empty id")
		case d.Vendor == "":
			return nil, fmt.Errorf("registry: provider %q has no vendor", d.ID)
		case d.Tier < 1 || d.Tier > 5:
			return nil, fmt.Errorf("registry: provider %q tier %d out of range [1,5]", d.ID, d.Tier)
		case !d.Kind.IsValid():
			return nil, fmt.Errorf("registry: provider %q has unknown invocation kind %q", d.ID, d.Kind)
		}
		if _, dup := r.adapters[d.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate provider id %q", d.ID)
		}
		r.adapters[d.ID] = a
		r.ordered = append(r.ordered, a)
	}

	sort.Slice(r.ordered, func(i, j int) bool {
		di, dj := r.ordered[i].Describe(), r.ordered[j].Describe()
		if di.Tier != dj.Tier {
			return di.Tier < dj.Tier
		}
		if di.CostPerToken != dj.CostPerToken {
			return di.CostPerToken < dj.CostPerToken
		}
		return di.ID < dj.ID
	})
	return r, nil
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (provider.Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// All returns the adapters in deterministic order.
func (r *Registry) All() []provider.Adapter {
	out := make([]provider.Adapter, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Descriptors returns the descriptors in deterministic order.
func (r *Registry) Descriptors() []types.ProviderDescriptor {
	out := make([]types.ProviderDescriptor, 0, len(r.ordered))
	for _, a := range r.ordered {
		out = append(out, a.Describe())
	}
	return out
}

// Tiers returns a provider-id → tier map for consensus tie-breaking.
func (r *Registry) Tiers() map[string]int {
	out := make(map[string]int, len(r.ordered))
	for _, a := range r.ordered {
		d := a.Describe()
		out[d.ID] = d.Tier
	}
	return out
}

// Selection is the outcome of one policy evaluation. The adapter order is the
// sequential-chain order; for critical tasks the last adapter is the
// aggregator.
type Selection struct {
	Adapters []provider.Adapter

	// Relaxed is true when the avoid-vendor constraint had to be dropped to
	// reach the provider floor. The caller emits a rotation warning.
	Relaxed bool
}

// IDs returns the selected provider ids in order.
func (s Selection) IDs() []string {
	out := make([]string, 0, len(s.Adapters))
	for _, a := range s.Adapters {
		out = append(out, a.Describe().ID)
	}
	return out
}

// Select picks the providers for one analysis.
//
// minProviders raises (never lowers) the task-type floor: basic ≥ 2 low-tier
// providers, premium ≥ 3 providers of tier 2-4 from at least two vendors,
// critical ≥ 3 distinct vendors plus an aggregation-capable tier-4+ provider
// ordered last. avoidVendors is honored when possible and relaxed otherwise.
// Adapters whose circuit breaker is open are skipped up front.
func (r *Registry) Select(task types.TaskType, minProviders int, avoidVendors []string) (Selection, error) {
	pool := r.available()

	sel, err := r.pick(pool, task, minProviders, avoidVendors)
	if err == nil {
		return sel, nil
	}
	if len(avoidVendors) == 0 {
		return Selection{}, err
	}

	// Rotation relaxation: retry without the vendor exclusion.
	sel, err = r.pick(pool, task, minProviders, nil)
	if err != nil {
		return Selection{}, err
	}
	sel.Relaxed = true
	return sel, nil
}

// available filters out adapters whose breaker is currently open.
func (r *Registry) available() []provider.Adapter {
	out := make([]provider.Adapter, 0, len(r.ordered))
	for _, a := range r.ordered {
		if g, ok := a.(*resilience.Guard); ok && g.Breaker().State() == resilience.StateOpen {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (r *Registry) pick(pool []provider.Adapter, task types.TaskType, minProviders int, avoidVendors []string) (Selection, error) {
	avoid := make(map[string]bool, len(avoidVendors))
	for _, v := range avoidVendors {
		avoid[strings.ToLower(v)] = true
	}

	candidates := make([]provider.Adapter, 0, len(pool))
	for _, a := range pool {
		d := a.Describe()
		if avoid[strings.ToLower(d.Vendor)] {
			continue
		}
		if !tierEligible(task, d.Tier) {
			continue
		}
		candidates = append(candidates, a)
	}

	want := floor(task)
	if minProviders > want {
		want = minProviders
	}

	switch task {
	case types.TaskBasic:
		return pickBasic(candidates, want)
	case types.TaskPremium:
		return pickDiverse(candidates, want, 2, false)
	case types.TaskCritical:
		return pickDiverse(candidates, want, 3, true)
	default:
		return Selection{}, types.InvalidInput(fmt.Sprintf("unknown task type %q", task))
	}
}

func floor(task types.TaskType) int {
	switch task {
	case types.TaskPremium:
		return premiumFloor
	case types.TaskCritical:
		return criticalFloor
	default:
		return basicFloor
	}
}

// tierEligible applies the per-task tier bands. Basic runs on the cheap
// tiers, premium on the middle band, critical anywhere (capability and
// vendor-diversity constraints do the real work there).
func tierEligible(task types.TaskType, tier int) bool {
	switch task {
	case types.TaskBasic:
		return tier <= 2
	case types.TaskPremium:
		return tier >= 2 && tier <= 4
	default:
		return true
	}
}

// pickBasic takes the cheapest candidates, in pool order.
func pickBasic(candidates []provider.Adapter, want int) (Selection, error) {
	if len(candidates) < want {
		return Selection{}, types.InsufficientProviders(len(candidates), want)
	}
	return Selection{Adapters: candidates[:want:want]}, nil
}

// pickDiverse selects want adapters spanning at least minVendors vendors,
// preferring higher tiers. With needAggregator the selection must contain an
// aggregation-capable tier-4+ adapter, placed last.
func pickDiverse(candidates []provider.Adapter, want, minVendors int, needAggregator bool) (Selection, error) {
	// Most capable first for the quality-sensitive task types.
	byTierDesc := make([]provider.Adapter, len(candidates))
	copy(byTierDesc, candidates)
	sort.SliceStable(byTierDesc, func(i, j int) bool {
		return byTierDesc[i].Describe().Tier > byTierDesc[j].Describe().Tier
	})

	var aggregator provider.Adapter
	if needAggregator {
		for _, a := range byTierDesc {
			d := a.Describe()
			if d.Tier >= aggregatorTier && d.HasCapability(types.CapAggregation) {
				aggregator = a
				break
			}
		}
		if aggregator == nil {
			return Selection{}, types.InsufficientProviders(0, 1).
				WithDetail("missing", "aggregation-capable tier-4 provider")
		}
	}

	// First pass favors unseen vendors so diversity comes before raw count.
	picked := make([]provider.Adapter, 0, want)
	vendors := make(map[string]bool)
	used := make(map[string]bool)
	if aggregator != nil {
		d := aggregator.Describe()
		used[d.ID] = true
		vendors[strings.ToLower(d.Vendor)] = true
	}

	for _, a := range byTierDesc {
		d := a.Describe()
		if used[d.ID] || vendors[strings.ToLower(d.Vendor)] {
			continue
		}
		picked = append(picked, a)
		used[d.ID] = true
		vendors[strings.ToLower(d.Vendor)] = true
		if len(picked)+btoi(aggregator != nil) == want {
			break
		}
	}
	for _, a := range byTierDesc {
		if len(picked)+btoi(aggregator != nil) >= want {
			break
		}
		d := a.Describe()
		if used[d.ID] {
			continue
		}
		picked = append(picked, a)
		used[d.ID] = true
	}
	if aggregator != nil {
		picked = append(picked, aggregator)
	}

	if len(picked) < want {
		return Selection{}, types.InsufficientProviders(len(picked), want)
	}
	if len(vendors) < minVendors {
		return Selection{}, types.InsufficientProviders(len(vendors), minVendors).
			WithDetail("missing", fmt.Sprintf("%d distinct vendors", minVendors))
	}
	return Selection{Adapters: picked}, nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

// HealthCheckAll probes every adapter and returns the statuses keyed by
// provider id.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]types.HealthStatus {
	out := make(map[string]types.HealthStatus, len(r.ordered))
	for _, a := range r.ordered {
		out[a.Describe().ID] = a.HealthCheck(ctx)
	}
	return out
}
