// Package agents builds the cached queries over the agents API: listings,
// details, tools, run status, categories and the marketplace.
package agents

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/colebrumley/agentq/internal/api"
	"github.com/colebrumley/agentq/internal/polling"
	"github.com/colebrumley/agentq/internal/query"
)

// EndpointAgents is the endpoints-config entry that gates every agent query.
const EndpointAgents = "agents"

// DefaultCategoriesStaleTime applies when Config.CategoriesStaleTime is zero.
const DefaultCategoriesStaleTime = time.Hour

// API is the data-access surface the queries fetch from. *api.Client
// implements it.
type API interface {
	ListAgents(ctx context.Context, params api.AgentListParams) (*api.AgentListResponse, error)
	GetAgent(ctx context.Context, id string) (*api.Agent, error)
	GetExpandedAgent(ctx context.Context, id string) (*api.ExpandedAgent, error)
	ListAvailableTools(ctx context.Context) ([]api.ToolMetadata, error)
	GetActiveRunStatus(ctx context.Context, conversationID string) (*api.ActiveJobStatus, error)
	ListCategories(ctx context.Context) ([]api.Category, error)
	ListMarketplaceAgents(ctx context.Context, params api.AgentListParams) (*api.AgentListResponse, error)
	GetEndpointsConfig(ctx context.Context) (api.EndpointsConfig, error)
}

// EndpointsSource supplies the current endpoints config. It returns nil
// until the config is known.
type EndpointsSource interface {
	Endpoints() api.EndpointsConfig
}

// EndpointsFunc adapts a function to EndpointsSource.
type EndpointsFunc func() api.EndpointsConfig

func (f EndpointsFunc) Endpoints() api.EndpointsConfig { return f() }

// Indexer receives every agent seen in a listing, and the ids of agents
// the API no longer knows.
type Indexer interface {
	Index(agents []api.Agent) (int, error)
	Remove(id string) error
}

// Config wires a Queries.
type Config struct {
	Client    *query.Client
	API       API
	Endpoints EndpointsSource
	// Visibility pauses run-status polling. nil means always visible.
	Visibility polling.Visibility
	Indexer    Indexer
	Logger     *slog.Logger

	AgentsStaleTime     time.Duration
	ToolsStaleTime      time.Duration
	CategoriesStaleTime time.Duration
	MarketplacePageSize int
}

// Queries constructs the agent queries. Constructors are cheap; queries
// with equal keys share one cache entry.
type Queries struct {
	cfg Config
}

// New creates Queries from cfg.
func New(cfg Config) *Queries {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CategoriesStaleTime == 0 {
		cfg.CategoriesStaleTime = DefaultCategoriesStaleTime
	}
	return &Queries{cfg: cfg}
}

// Client returns the underlying query client.
func (q *Queries) Client() *query.Client { return q.cfg.Client }

// Enabled reports whether the endpoints config lists an enabled agents
// endpoint.
func (q *Queries) Enabled() bool {
	if q.cfg.Endpoints == nil {
		return false
	}
	return q.cfg.Endpoints.Endpoints().Available(EndpointAgents)
}

// Option overrides the defaults of a single query.
type Option func(*settings)

type settings struct {
	retry      *int
	retryDelay func(int) time.Duration
	staleTime  time.Duration
	enabled    func() bool
	visibility polling.Visibility
}

// WithRetry sets the retry count.
func WithRetry(n int) Option {
	return func(s *settings) { s.retry = query.Retries(n) }
}

// WithRetryDelay sets the backoff between retries.
func WithRetryDelay(fn func(n int) time.Duration) Option {
	return func(s *settings) { s.retryDelay = fn }
}

// WithStaleTime sets how long a result is served from cache.
func WithStaleTime(d time.Duration) Option {
	return func(s *settings) { s.staleTime = d }
}

// WithEnabled adds a condition to the query's enabled check. It cannot
// enable a query the endpoints config disables.
func WithEnabled(fn func() bool) Option {
	return func(s *settings) { s.enabled = fn }
}

// WithVisibility replaces the configured visibility for run-status polling.
func WithVisibility(v polling.Visibility) Option {
	return func(s *settings) { s.visibility = v }
}

func (q *Queries) settings(stale time.Duration, gate func() bool, opts []Option) settings {
	s := settings{retry: query.Retries(0), staleTime: stale, visibility: q.cfg.Visibility}
	for _, o := range opts {
		o(&s)
	}
	extra := s.enabled
	s.enabled = func() bool {
		if !gate() {
			return false
		}
		return extra == nil || extra()
	}
	return s
}

func options[T any](key query.Key, s settings, fetch func(context.Context) (T, error)) query.Options[T] {
	return query.Options[T]{
		Key:        key,
		Fetch:      fetch,
		StaleTime:  s.staleTime,
		Retry:      s.retry,
		RetryDelay: s.retryDelay,
		Enabled:    s.enabled,
	}
}

func (q *Queries) withID(id string) func() bool {
	return func() bool { return id != "" && q.Enabled() }
}

// ListAgents lists the agents visible to the caller.
func (q *Queries) ListAgents(params api.AgentListParams, opts ...Option) *query.Query[api.AgentListResponse] {
	s := q.settings(q.cfg.AgentsStaleTime, q.Enabled, opts)
	return query.New(q.cfg.Client, options(query.Key{"agents", params.Encode()}, s,
		func(ctx context.Context) (api.AgentListResponse, error) {
			resp, err := q.cfg.API.ListAgents(ctx, params)
			if err != nil {
				return api.AgentListResponse{}, err
			}
			q.index(resp.Data)
			return *resp, nil
		}))
}

// Agent fetches one agent. An empty id disables the query. An agent the
// API reports as missing is dropped from the index.
func (q *Queries) Agent(id string, opts ...Option) *query.Query[api.Agent] {
	s := q.settings(q.cfg.AgentsStaleTime, q.withID(id), opts)
	return query.New(q.cfg.Client, options(query.Key{"agent", id}, s,
		func(ctx context.Context) (api.Agent, error) {
			a, err := q.cfg.API.GetAgent(ctx, id)
			var apiErr *api.APIError
			if errors.As(err, &apiErr) && apiErr.NotFound() {
				q.unindex(id)
			}
			if err != nil {
				return api.Agent{}, err
			}
			return *a, nil
		}))
}

// ExpandedAgent fetches one agent with its editor-only details.
func (q *Queries) ExpandedAgent(id string, opts ...Option) *query.Query[api.ExpandedAgent] {
	s := q.settings(q.cfg.AgentsStaleTime, q.withID(id), opts)
	return query.New(q.cfg.Client, options(query.Key{"agent", id, "expanded"}, s,
		func(ctx context.Context) (api.ExpandedAgent, error) {
			a, err := q.cfg.API.GetExpandedAgent(ctx, id)
			if err != nil {
				return api.ExpandedAgent{}, err
			}
			return *a, nil
		}))
}

// AvailableTools lists the tools agents can be given.
func (q *Queries) AvailableTools(opts ...Option) *query.Query[[]api.ToolMetadata] {
	s := q.settings(q.cfg.ToolsStaleTime, q.Enabled, opts)
	return query.New(q.cfg.Client, options(query.Key{"tools", EndpointAgents}, s, q.cfg.API.ListAvailableTools))
}

// ActiveRunStatus reports whether a generation is running in a
// conversation. Poll refetches on the jittered polling schedule, slower
// while idle, and stops while the consumer is not visible.
func (q *Queries) ActiveRunStatus(conversationID string, opts ...Option) *query.Query[api.ActiveJobStatus] {
	s := q.settings(0, func() bool { return conversationID != "" }, opts)
	o := options(query.Key{"activeJob", conversationID}, s,
		func(ctx context.Context) (api.ActiveJobStatus, error) {
			st, err := q.cfg.API.GetActiveRunStatus(ctx, conversationID)
			if err != nil {
				return api.ActiveJobStatus{}, err
			}
			return *st, nil
		})
	o.RefetchInterval = func(st query.State[api.ActiveJobStatus]) time.Duration {
		running := st.Status == query.StatusSuccess && st.Data.Active
		return polling.RefetchInterval(running, conversationID, s.visibility)
	}
	return query.New(q.cfg.Client, o)
}

// Categories lists the marketplace categories.
func (q *Queries) Categories(opts ...Option) *query.Query[[]api.Category] {
	s := q.settings(q.cfg.CategoriesStaleTime, q.Enabled, opts)
	return query.New(q.cfg.Client, options(query.Key{"agentCategories"}, s, q.cfg.API.ListCategories))
}

// MarketplaceAgents pages through the marketplace. params.Cursor is
// ignored; pages chain through each response's cursor.
func (q *Queries) MarketplaceAgents(params api.AgentListParams, opts ...Option) *query.InfiniteQuery[api.AgentListResponse] {
	params.Cursor = ""
	if params.Limit == 0 {
		params.Limit = q.cfg.MarketplacePageSize
	}
	s := q.settings(q.cfg.AgentsStaleTime, q.Enabled, opts)
	return query.NewInfinite(q.cfg.Client, query.InfiniteOptions[api.AgentListResponse]{
		Key: query.Key{"marketplaceAgents", params.Encode()},
		Fetch: func(ctx context.Context, cursor string) (api.AgentListResponse, error) {
			p := params
			p.Cursor = cursor
			resp, err := q.cfg.API.ListMarketplaceAgents(ctx, p)
			if err != nil {
				return api.AgentListResponse{}, err
			}
			q.index(resp.Data)
			return *resp, nil
		},
		NextCursor: api.AgentListResponse.NextCursor,
		StaleTime:  s.staleTime,
		Retry:      s.retry,
		RetryDelay: s.retryDelay,
		Enabled:    s.enabled,
	})
}

func (q *Queries) index(agents []api.Agent) {
	if q.cfg.Indexer == nil || len(agents) == 0 {
		return
	}
	if _, err := q.cfg.Indexer.Index(agents); err != nil {
		q.cfg.Logger.Warn("failed to index agents", "count", len(agents), "error", err)
	}
}

func (q *Queries) unindex(id string) {
	if q.cfg.Indexer == nil {
		return
	}
	// Agents never listed are not indexed; that is not worth a warning.
	if err := q.cfg.Indexer.Remove(id); err != nil {
		q.cfg.Logger.Debug("agent not removed from index", "agent_id", id, "error", err)
	}
}
