package agents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/colebrumley/agentq/internal/api"
	"github.com/colebrumley/agentq/internal/polling"
	"github.com/colebrumley/agentq/internal/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]error
	active   bool
	pages    map[string]api.AgentListResponse
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		calls: map[string]int{},
		fail:  map[string]error{},
		pages: map[string]api.AgentListResponse{
			"":   {Data: []api.Agent{{ID: "m1", Name: "One"}}, HasMore: true, After: "c2"},
			"c2": {Data: []api.Agent{{ID: "m2", Name: "Two"}}, HasMore: false, After: "c3"},
		},
	}
}

func (f *fakeAPI) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.fail[name]
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) ListAgents(ctx context.Context, p api.AgentListParams) (*api.AgentListResponse, error) {
	if err := f.record("ListAgents"); err != nil {
		return nil, err
	}
	return &api.AgentListResponse{Data: []api.Agent{{ID: "a1", Name: "Helper", Category: p.Category}}}, nil
}

func (f *fakeAPI) GetAgent(ctx context.Context, id string) (*api.Agent, error) {
	if err := f.record("GetAgent"); err != nil {
		return nil, err
	}
	return &api.Agent{ID: id, Name: "Helper"}, nil
}

func (f *fakeAPI) GetExpandedAgent(ctx context.Context, id string) (*api.ExpandedAgent, error) {
	if err := f.record("GetExpandedAgent"); err != nil {
		return nil, err
	}
	return &api.ExpandedAgent{Agent: api.Agent{ID: id}, Actions: []string{"act"}}, nil
}

func (f *fakeAPI) ListAvailableTools(ctx context.Context) ([]api.ToolMetadata, error) {
	if err := f.record("ListAvailableTools"); err != nil {
		return nil, err
	}
	return []api.ToolMetadata{{Name: "Calculator", PluginKey: "calculator"}}, nil
}

func (f *fakeAPI) GetActiveRunStatus(ctx context.Context, id string) (*api.ActiveJobStatus, error) {
	if err := f.record("GetActiveRunStatus"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &api.ActiveJobStatus{Active: f.active}, nil
}

func (f *fakeAPI) ListCategories(ctx context.Context) ([]api.Category, error) {
	if err := f.record("ListCategories"); err != nil {
		return nil, err
	}
	return []api.Category{{Value: "general", Label: "General"}}, nil
}

func (f *fakeAPI) ListMarketplaceAgents(ctx context.Context, p api.AgentListParams) (*api.AgentListResponse, error) {
	if err := f.record("ListMarketplaceAgents"); err != nil {
		return nil, err
	}
	page := f.pages[p.Cursor]
	return &page, nil
}

func (f *fakeAPI) GetEndpointsConfig(ctx context.Context) (api.EndpointsConfig, error) {
	if err := f.record("GetEndpointsConfig"); err != nil {
		return nil, err
	}
	return api.EndpointsConfig{"agents": {}}, nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	ids     []string
	removed []string
}

func (i *fakeIndexer) Remove(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removed = append(i.removed, id)
	return nil
}

func (i *fakeIndexer) Index(agents []api.Agent) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, a := range agents {
		i.ids = append(i.ids, a.ID)
	}
	return len(agents), nil
}

var agentsOn = EndpointsFunc(func() api.EndpointsConfig {
	return api.EndpointsConfig{"agents": {}}
})

func newQueries(f *fakeAPI, endpoints EndpointsSource) *Queries {
	return New(Config{
		Client:    query.NewClient(nil, slog.New(slog.NewTextHandler(io.Discard, nil))),
		API:       f,
		Endpoints: endpoints,
	})
}

func TestEnabled(t *testing.T) {
	tests := []struct {
		name      string
		endpoints EndpointsSource
		want      bool
	}{
		{"no source", nil, false},
		{"unknown config", EndpointsFunc(func() api.EndpointsConfig { return nil }), false},
		{"agents missing", EndpointsFunc(func() api.EndpointsConfig { return api.EndpointsConfig{"openAI": {}} }), false},
		{"agents disabled", EndpointsFunc(func() api.EndpointsConfig {
			return api.EndpointsConfig{"agents": {Disabled: true}}
		}), false},
		{"agents enabled", agentsOn, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newQueries(newFakeAPI(), tt.endpoints).Enabled())
		})
	}
}

func TestAgentQueries_GatedByEndpoints(t *testing.T) {
	f := newFakeAPI()
	q := newQueries(f, EndpointsFunc(func() api.EndpointsConfig { return nil }))
	ctx := context.Background()

	_, err := q.ListAgents(api.AgentListParams{}).Get(ctx)
	assert.ErrorIs(t, err, query.ErrDisabled)
	_, err = q.Agent("a1").Get(ctx)
	assert.ErrorIs(t, err, query.ErrDisabled)
	_, err = q.ExpandedAgent("a1").Get(ctx)
	assert.ErrorIs(t, err, query.ErrDisabled)
	_, err = q.AvailableTools().Get(ctx)
	assert.ErrorIs(t, err, query.ErrDisabled)
	_, err = q.Categories().Get(ctx)
	assert.ErrorIs(t, err, query.ErrDisabled)
	_, err = q.MarketplaceAgents(api.AgentListParams{}).Get(ctx)
	assert.ErrorIs(t, err, query.ErrDisabled)

	f.mu.Lock()
	assert.Empty(t, f.calls)
	f.mu.Unlock()
}

func TestAgent_EmptyIDDisabled(t *testing.T) {
	q := newQueries(newFakeAPI(), agentsOn)
	assert.False(t, q.Agent("").Enabled())
	assert.False(t, q.ExpandedAgent("").Enabled())
	assert.False(t, q.ActiveRunStatus("").Enabled())
	assert.True(t, q.Agent("a1").Enabled())
}

func TestAgentQueries_NoRetryByDefault(t *testing.T) {
	f := newFakeAPI()
	boom := errors.New("boom")
	for _, name := range []string{"ListAgents", "GetAgent", "GetExpandedAgent", "ListAvailableTools"} {
		f.fail[name] = boom
	}
	q := newQueries(f, agentsOn)
	ctx := context.Background()

	_, err := q.ListAgents(api.AgentListParams{}).Get(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = q.Agent("a1").Get(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = q.ExpandedAgent("a1").Get(ctx)
	assert.ErrorIs(t, err, boom)
	tools := q.AvailableTools()
	_, err = tools.Get(ctx)
	assert.ErrorIs(t, err, boom)

	for _, name := range []string{"ListAgents", "GetAgent", "GetExpandedAgent", "ListAvailableTools"} {
		assert.Equal(t, 1, f.count(name), name)
	}
	assert.Equal(t, query.StatusError, tools.State().Status)
}

func TestAgentQueries_RetryOverride(t *testing.T) {
	f := newFakeAPI()
	f.fail["GetAgent"] = errors.New("boom")
	q := newQueries(f, agentsOn)

	_, err := q.Agent("a1", WithRetry(2), WithRetryDelay(func(int) time.Duration { return time.Millisecond })).Get(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, f.count("GetAgent"))
}

func TestAgentQueries_EnabledOverrideCannotBypassGate(t *testing.T) {
	q := newQueries(newFakeAPI(), EndpointsFunc(func() api.EndpointsConfig { return nil }))
	assert.False(t, q.Agent("a1", WithEnabled(func() bool { return true })).Enabled())

	q = newQueries(newFakeAPI(), agentsOn)
	assert.False(t, q.Agent("a1", WithEnabled(func() bool { return false })).Enabled())
}

func TestAgentQueries_Fetch(t *testing.T) {
	f := newFakeAPI()
	idx := &fakeIndexer{}
	q := New(Config{
		Client:              query.NewClient(nil, nil),
		API:                 f,
		Endpoints:           agentsOn,
		Indexer:             idx,
		AgentsStaleTime:     time.Minute,
		ToolsStaleTime:      time.Minute,
		MarketplacePageSize: 10,
	})
	ctx := context.Background()

	list, err := q.ListAgents(api.AgentListParams{Category: "finance"}).Get(ctx)
	require.NoError(t, err)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "finance", list.Data[0].Category)

	// Same params share the cache entry.
	_, err = q.ListAgents(api.AgentListParams{Category: "finance"}).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("ListAgents"))
	_, err = q.ListAgents(api.AgentListParams{Category: "it"}).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("ListAgents"))

	agent, err := q.Agent("a1").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", agent.ID)

	expanded, err := q.ExpandedAgent("a1").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"act"}, expanded.Actions)

	tools, err := q.AvailableTools().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "calculator", tools[0].PluginKey)

	cats, err := q.Categories().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "general", cats[0].Value)

	assert.Equal(t, []string{"a1", "a1"}, idx.ids)
}

func TestQueryKeys(t *testing.T) {
	q := newQueries(newFakeAPI(), agentsOn)
	assert.Equal(t, query.Key{"agent", "x"}, q.Agent("x").Key())
	assert.Equal(t, query.Key{"agent", "x", "expanded"}, q.ExpandedAgent("x").Key())
	assert.Equal(t, query.Key{"tools", "agents"}, q.AvailableTools().Key())
	assert.Equal(t, query.Key{"activeJob", "c"}, q.ActiveRunStatus("c").Key())
	assert.Equal(t, query.Key{"agentCategories"}, q.Categories().Key())
	assert.Equal(t, query.Key{"agents", "category=finance"}, q.ListAgents(api.AgentListParams{Category: "finance"}).Key())
	assert.Equal(t, query.Key{"marketplaceAgents", "limit=5"}, q.MarketplaceAgents(api.AgentListParams{Limit: 5, Cursor: "ignored"}).Key())
}

func TestMarketplaceAgents_Pages(t *testing.T) {
	f := newFakeAPI()
	idx := &fakeIndexer{}
	q := New(Config{Client: query.NewClient(nil, nil), API: f, Endpoints: agentsOn, Indexer: idx})
	ctx := context.Background()

	mq := q.MarketplaceAgents(api.AgentListParams{})
	_, err := mq.Get(ctx)
	require.NoError(t, err)
	assert.True(t, mq.HasNextPage())

	_, err = mq.FetchNextPage(ctx)
	require.NoError(t, err)
	// has_more false ends the pages even though the response carries a cursor.
	assert.False(t, mq.HasNextPage())
	_, err = mq.FetchNextPage(ctx)
	assert.ErrorIs(t, err, query.ErrNoNextPage)

	pages := mq.Pages()
	require.Len(t, pages, 2)
	assert.Equal(t, "m2", pages[1].Data[0].ID)
	assert.Equal(t, []string{"m1", "m2"}, idx.ids)
}

func TestActiveRunStatus_PollInterval(t *testing.T) {
	f := newFakeAPI()
	q := newQueries(f, agentsOn)
	id := "conv-42"
	jitter := time.Duration(polling.Jitter(id)) * time.Millisecond
	ctx := context.Background()

	status := q.ActiveRunStatus(id)
	_, err := status.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*polling.BaseInterval+jitter, status.Interval(), "idle conversations poll slowly")

	f.mu.Lock()
	f.active = true
	f.mu.Unlock()
	_, err = status.Refetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, polling.BaseInterval+jitter, status.Interval())

	f.mu.Lock()
	f.fail["GetActiveRunStatus"] = errors.New("down")
	f.mu.Unlock()
	_, err = status.Refetch(ctx)
	require.Error(t, err)
	assert.Equal(t, 1+2, f.count("GetActiveRunStatus"), "run status is not retried")
	assert.Equal(t, 2*polling.BaseInterval+jitter, status.Interval(), "errors count as not running")
}

func TestActiveRunStatus_PollStopsWhenHidden(t *testing.T) {
	f := newFakeAPI()
	hidden := polling.VisibilityFunc(func() bool { return false })
	q := New(Config{Client: query.NewClient(nil, nil), API: f, Endpoints: agentsOn, Visibility: hidden})

	done := make(chan error, 1)
	go func() { done <- q.ActiveRunStatus("conv-1").Poll(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not stop while hidden")
	}
	assert.Equal(t, 1, f.count("GetActiveRunStatus"))
}

func TestActiveRunStatus_WithVisibility(t *testing.T) {
	q := newQueries(newFakeAPI(), agentsOn)
	hidden := polling.VisibilityFunc(func() bool { return false })

	status := q.ActiveRunStatus("conv-1", WithVisibility(hidden))
	_, err := status.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, polling.Stop, status.Interval())
	assert.NotEqual(t, polling.Stop, q.ActiveRunStatus("conv-1").Interval())
}

func TestCachedEndpoints(t *testing.T) {
	f := newFakeAPI()
	c := query.NewClient(nil, nil)
	e := NewCachedEndpoints(c, f, time.Hour)
	assert.Nil(t, e.Endpoints())

	q := New(Config{Client: c, API: f, Endpoints: e})
	assert.False(t, q.Enabled())

	_, err := e.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, q.Enabled())

	_, err = e.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("GetEndpointsConfig"))

	_, err = e.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("GetEndpointsConfig"))
}

func TestAgent_NotFoundRemovesFromIndex(t *testing.T) {
	f := newFakeAPI()
	idx := &fakeIndexer{}
	q := New(Config{Client: query.NewClient(nil, nil), API: f, Endpoints: agentsOn, Indexer: idx})
	ctx := context.Background()

	f.mu.Lock()
	f.fail["GetAgent"] = &api.APIError{Status: 500}
	f.mu.Unlock()
	_, err := q.Agent("a1").Get(ctx)
	require.Error(t, err)
	assert.Empty(t, idx.removed, "server errors keep the agent indexed")

	f.mu.Lock()
	f.fail["GetAgent"] = &api.APIError{Status: 404}
	f.mu.Unlock()
	_, err = q.Agent("a1").Get(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"a1"}, idx.removed)
}

func TestMarketplacePage(t *testing.T) {
	f := newFakeAPI()
	q := New(Config{Client: query.NewClient(nil, nil), API: f, Endpoints: agentsOn})
	ctx := context.Background()
	mq := q.MarketplaceAgents(api.AgentListParams{})

	first, err := MarketplacePage(ctx, mq, "")
	require.NoError(t, err)
	assert.Equal(t, "m1", first.Data[0].ID)

	second, err := MarketplacePage(ctx, mq, "c2")
	require.NoError(t, err)
	assert.Equal(t, "m2", second.Data[0].ID)
	assert.Equal(t, 2, f.count("ListMarketplaceAgents"))

	// Pages are stale (zero stale time) but a cached cursor is served as is.
	again, err := MarketplacePage(ctx, mq, "c2")
	require.NoError(t, err)
	assert.Equal(t, "m2", again.Data[0].ID)
	assert.Equal(t, 2, f.count("ListMarketplaceAgents"))

	_, err = MarketplacePage(ctx, mq, "bogus")
	assert.ErrorIs(t, err, ErrUnknownCursor)
}

func TestMarketplacePage_WalksAfterRefetch(t *testing.T) {
	f := newFakeAPI()
	q := New(Config{Client: query.NewClient(nil, nil), API: f, Endpoints: agentsOn})
	ctx := context.Background()
	mq := q.MarketplaceAgents(api.AgentListParams{})

	_, err := MarketplacePage(ctx, mq, "c2")
	require.NoError(t, err)
	_, err = mq.Refetch(ctx)
	require.NoError(t, err)

	page, err := MarketplacePage(ctx, mq, "c2")
	require.NoError(t, err)
	assert.Equal(t, "m2", page.Data[0].ID)
	assert.Equal(t, []string{"", "c2"}, mq.State().Data.Cursors)
}
