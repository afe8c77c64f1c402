package agents

import (
	"context"
	"time"

	"github.com/colebrumley/agentq/internal/api"
	"github.com/colebrumley/agentq/internal/query"
)

// EndpointsKey caches the endpoints config.
var EndpointsKey = query.Key{"endpoints"}

// CachedEndpoints is an EndpointsSource backed by a cached query. Reads
// never fetch; call Load to populate or refresh it.
type CachedEndpoints struct {
	q *query.Query[api.EndpointsConfig]
}

// NewCachedEndpoints caches the endpoints config fetched from a.
func NewCachedEndpoints(c *query.Client, a API, staleTime time.Duration) *CachedEndpoints {
	return &CachedEndpoints{q: query.New(c, query.Options[api.EndpointsConfig]{
		Key:       EndpointsKey,
		Fetch:     a.GetEndpointsConfig,
		StaleTime: staleTime,
	})}
}

// Load returns the endpoints config, fetching when stale.
func (e *CachedEndpoints) Load(ctx context.Context) (api.EndpointsConfig, error) {
	return e.q.Get(ctx)
}

// Refresh fetches the endpoints config.
func (e *CachedEndpoints) Refresh(ctx context.Context) (api.EndpointsConfig, error) {
	return e.q.Refetch(ctx)
}

// Endpoints returns the last loaded config, or nil.
func (e *CachedEndpoints) Endpoints() api.EndpointsConfig {
	st := e.q.State()
	if !st.HasData {
		return nil
	}
	return st.Data
}
