package query

import (
	"context"
	"errors"
	"time"
)

// ErrNoNextPage is returned by FetchNextPage after the last page.
var ErrNoNextPage = errors.New("no next page")

// ErrPagesChanged is returned by FetchNextPage when the pages were reset or
// extended while the next page was in flight. The fetched page is dropped
// and the current pages are returned.
var ErrPagesChanged = errors.New("pages changed during fetch")

// Pages holds the pages of a cursor-paginated result in fetch order.
// Cursors[i] is the cursor page i was fetched with ("" for the first).
type Pages[P any] struct {
	Pages   []P      `json:"pages"`
	Cursors []string `json:"cursors"`
}

// InfiniteOptions configures an InfiniteQuery.
type InfiniteOptions[P any] struct {
	Key   Key
	Fetch func(ctx context.Context, cursor string) (P, error)
	// NextCursor returns the cursor following page, or "" if page is the
	// last one.
	NextCursor func(page P) string

	StaleTime  time.Duration
	Retry      *int
	RetryDelay func(n int) time.Duration
	Enabled    func() bool
}

// InfiniteQuery is a query over forward cursor pagination.
type InfiniteQuery[P any] struct {
	q    *Query[Pages[P]]
	opts InfiniteOptions[P]
}

// NewInfinite creates an InfiniteQuery on c.
func NewInfinite[P any](c *Client, opts InfiniteOptions[P]) *InfiniteQuery[P] {
	iq := &InfiniteQuery[P]{opts: opts}
	iq.q = New(c, Options[Pages[P]]{
		Key: opts.Key,
		Fetch: func(ctx context.Context) (Pages[P], error) {
			page, err := opts.Fetch(ctx, "")
			if err != nil {
				return Pages[P]{}, err
			}
			return Pages[P]{Pages: []P{page}, Cursors: []string{""}}, nil
		},
		StaleTime:  opts.StaleTime,
		Retry:      opts.Retry,
		RetryDelay: opts.RetryDelay,
		Enabled:    opts.Enabled,
	})
	return iq
}

// Key returns the query key.
func (iq *InfiniteQuery[P]) Key() Key { return iq.opts.Key }

// State returns the current snapshot.
func (iq *InfiniteQuery[P]) State() State[Pages[P]] { return iq.q.State() }

// Subscribe calls fn after every change.
func (iq *InfiniteQuery[P]) Subscribe(fn func(State[Pages[P]])) func() { return iq.q.Subscribe(fn) }

// Get returns the cached pages while fresh and fetches the first page
// otherwise.
func (iq *InfiniteQuery[P]) Get(ctx context.Context) (Pages[P], error) { return iq.q.Get(ctx) }

// Refetch drops all pages and fetches the first one again.
func (iq *InfiniteQuery[P]) Refetch(ctx context.Context) (Pages[P], error) { return iq.q.Refetch(ctx) }

// Pages returns the fetched pages in order.
func (iq *InfiniteQuery[P]) Pages() []P { return iq.q.State().Data.Pages }

// HasNextPage reports whether the last fetched page names a following one.
func (iq *InfiniteQuery[P]) HasNextPage() bool {
	st := iq.q.State()
	if !st.HasData || len(st.Data.Pages) == 0 {
		return false
	}
	return iq.opts.NextCursor(st.Data.Pages[len(st.Data.Pages)-1]) != ""
}

// FetchNextPage appends the page after the last fetched one. With no pages
// yet it fetches the first.
func (iq *InfiniteQuery[P]) FetchNextPage(ctx context.Context) (Pages[P], error) {
	if !iq.q.Enabled() {
		return Pages[P]{}, ErrDisabled
	}

	st := iq.q.State()
	if !st.HasData || len(st.Data.Pages) == 0 {
		return iq.q.Get(ctx)
	}
	cursor := iq.opts.NextCursor(st.Data.Pages[len(st.Data.Pages)-1])
	if cursor == "" {
		return st.Data, ErrNoNextPage
	}

	c := iq.q.c
	key := iq.opts.Key
	v, err, _ := c.group.Do(key.String()+"#next:"+cursor, func() (any, error) {
		c.setFetching(key, true)
		next := New(c, Options[P]{
			Key:        key,
			Fetch:      func(ctx context.Context) (P, error) { return iq.opts.Fetch(ctx, cursor) },
			Retry:      iq.opts.Retry,
			RetryDelay: iq.opts.RetryDelay,
		})
		page, err := next.fetchWithRetry(ctx)
		if err != nil {
			c.setError(key, err)
			return nil, err
		}

		// Append only while page still follows the last page. A Refetch in
		// the meantime started a new chain.
		var out Pages[P]
		appended := c.updateData(key, func(e *entry) (any, bool) {
			cur := stateOf[Pages[P]](e)
			out = cur.Data
			n := len(cur.Data.Pages)
			if !cur.HasData || n == 0 || iq.opts.NextCursor(cur.Data.Pages[n-1]) != cursor {
				return nil, false
			}
			out = Pages[P]{
				Pages:   append(append([]P(nil), cur.Data.Pages...), page),
				Cursors: append(append([]string(nil), cur.Data.Cursors...), cursor),
			}
			return out, true
		})
		if !appended {
			return out, ErrPagesChanged
		}
		return out, nil
	})
	if errors.Is(err, ErrPagesChanged) {
		return v.(Pages[P]), err
	}
	if err != nil {
		return st.Data, err
	}
	return v.(Pages[P]), nil
}
