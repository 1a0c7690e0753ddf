package health

import (
	"context"
	"fmt"

	"github.com/wallbounce/wallbounce/internal/registry"
	"github.com/wallbounce/wallbounce/pkg/kv"
)

// Pinger is anything that can probe its backing connection. The pgvector
// retriever satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Providers reports ready while at least minHealthy provider backends answer
// their health probe. Readiness follows the dispatch floor, not perfection:
// a degraded fleet that can still reach quorum stays ready.
func Providers(reg *registry.Registry, minHealthy int) Checker {
	return Checker{
		Name: "providers",
		Check: func(ctx context.Context) error {
			statuses := reg.HealthCheckAll(ctx)
			healthy := 0
			for _, st := range statuses {
				if st.OK {
					healthy++
				}
			}
			if healthy < minHealthy {
				return fmt.Errorf("%d of %d providers healthy, need %d",
					healthy, len(statuses), minHealthy)
			}
			return nil
		},
	}
}

// KV reports ready while the session store answers pings.
func KV(store kv.Store) Checker {
	return Checker{
		Name:  "kv",
		Check: store.Ping,
	}
}

// Retriever reports ready while the context retriever answers pings.
func Retriever(p Pinger) Checker {
	return Checker{
		Name:  "retriever",
		Check: p.Ping,
	}
}
