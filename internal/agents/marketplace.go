package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/colebrumley/agentq/internal/api"
	"github.com/colebrumley/agentq/internal/query"
)

// ErrUnknownCursor is returned by MarketplacePage for a cursor that no page
// of the marketplace chains to.
var ErrUnknownCursor = errors.New("unknown cursor")

// MarketplacePage returns the page fetched with cursor, "" being the first.
// A cursor already among the cached pages is served from them, even when
// they are stale. Otherwise the pages are fetched forward until the cursor
// turns up, which costs one upstream request per page walked and a refetch
// of the first page when the cache is stale.
func MarketplacePage(ctx context.Context, mq *query.InfiniteQuery[api.AgentListResponse], cursor string) (api.AgentListResponse, error) {
	if cursor != "" {
		if st := mq.State(); st.HasData {
			if i := indexOf(st.Data.Cursors, cursor); i >= 0 {
				return st.Data.Pages[i], nil
			}
		}
	}

	pages, err := mq.Get(ctx)
	for err == nil && indexOf(pages.Cursors, cursor) < 0 && mq.HasNextPage() {
		pages, err = mq.FetchNextPage(ctx)
		if errors.Is(err, query.ErrPagesChanged) {
			// A refresh restarted the chain; keep walking the new one.
			err = nil
		}
	}
	if err != nil {
		return api.AgentListResponse{}, err
	}

	i := indexOf(pages.Cursors, cursor)
	if i < 0 {
		return api.AgentListResponse{}, fmt.Errorf("%w %q", ErrUnknownCursor, cursor)
	}
	return pages.Pages[i], nil
}

func indexOf(s []string, v string) int {
	for i := range s {
		if s[i] == v {
			return i
		}
	}
	return -1
}
