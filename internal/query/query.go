package query

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/colebrumley/agentq/internal/logging"
)

// DefaultRetries is used when Options.Retry is nil.
const DefaultRetries = 3

// StaleNever keeps a successful result fresh until it is invalidated.
const StaleNever time.Duration = -1

// State is a snapshot of a query.
type State[T any] struct {
	Status    Status
	Data      T
	HasData   bool
	Err       error
	UpdatedAt time.Time
	Fetching  bool
}

// Options configures a Query.
type Options[T any] struct {
	Key   Key
	Fetch func(ctx context.Context) (T, error)

	// StaleTime is how long a successful result is served without fetching.
	// Zero means always refetch on Get; StaleNever means never.
	StaleTime time.Duration

	// Retry is the number of retries after a failed fetch. nil means
	// DefaultRetries; use Retries(0) to fail on the first error.
	Retry *int
	// RetryDelay returns the wait before retry n (starting at 0).
	// Defaults to DefaultRetryDelay.
	RetryDelay func(n int) time.Duration

	// Enabled gates fetching. nil means always enabled.
	Enabled func() bool

	// RefetchInterval drives Poll. A result <= 0 stops polling.
	RefetchInterval func(State[T]) time.Duration
}

// Retries returns a pointer for Options.Retry.
func Retries(n int) *int { return &n }

// DefaultRetryDelay doubles from one second up to thirty.
func DefaultRetryDelay(n int) time.Duration {
	d := time.Second << n
	if n > 5 || d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// Query is a handle on one cached result.
type Query[T any] struct {
	c    *Client
	opts Options[T]
}

// New creates a query on c. Queries with equal keys share their cached
// result and in-flight fetches.
func New[T any](c *Client, opts Options[T]) *Query[T] {
	return &Query[T]{c: c, opts: opts}
}

// Key returns the query key.
func (q *Query[T]) Key() Key { return q.opts.Key }

// Enabled reports whether the query may fetch.
func (q *Query[T]) Enabled() bool {
	return q.opts.Enabled == nil || q.opts.Enabled()
}

// State returns the current snapshot.
func (q *Query[T]) State() State[T] {
	q.c.mu.Lock()
	defer q.c.mu.Unlock()
	return stateOf[T](q.c.entryLocked(q.opts.Key))
}

func stateOf[T any](e *entry) State[T] {
	st := State[T]{
		Status:    e.status,
		Err:       e.err,
		UpdatedAt: e.updatedAt,
		Fetching:  e.fetching,
	}
	if v, ok := e.data.(T); ok && e.hasData {
		st.Data = v
		st.HasData = true
	}
	return st
}

// Get returns the cached result while it is fresh and fetches otherwise.
func (q *Query[T]) Get(ctx context.Context) (T, error) {
	if !q.Enabled() {
		var zero T
		return zero, ErrDisabled
	}
	q.hydrate()
	if v, ok := q.fresh(); ok {
		return v, nil
	}
	return q.fetch(ctx)
}

// Refetch fetches regardless of freshness.
func (q *Query[T]) Refetch(ctx context.Context) (T, error) {
	if !q.Enabled() {
		var zero T
		return zero, ErrDisabled
	}
	return q.fetch(ctx)
}

// Subscribe calls fn with the new state after every change. The returned
// function removes the subscription.
func (q *Query[T]) Subscribe(fn func(State[T])) func() {
	return q.c.subscribe(q.opts.Key, func() { fn(q.State()) })
}

// Interval returns the current refetch interval, or 0 without one.
func (q *Query[T]) Interval() time.Duration {
	if q.opts.RefetchInterval == nil {
		return 0
	}
	return q.opts.RefetchInterval(q.State())
}

// Poll fetches and then keeps refetching on the RefetchInterval schedule.
// It returns nil once the interval says stop, or the context error.
func (q *Query[T]) Poll(ctx context.Context) error {
	if q.opts.RefetchInterval == nil {
		return errors.New("query has no refetch interval")
	}

	_, err := q.Get(ctx)
	for {
		if errors.Is(err, ErrDisabled) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		interval := q.Interval()
		if interval <= 0 {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		_, err = q.Refetch(ctx)
	}
}

func (q *Query[T]) fresh() (T, bool) {
	q.c.mu.Lock()
	defer q.c.mu.Unlock()

	var zero T
	e := q.c.entryLocked(q.opts.Key)
	if !e.hasData || e.invalidated || e.status != StatusSuccess {
		return zero, false
	}
	v, ok := e.data.(T)
	if !ok {
		return zero, false
	}
	switch {
	case q.opts.StaleTime < 0:
		return v, true
	case q.opts.StaleTime == 0:
		return zero, false
	default:
		return v, q.c.now().Sub(e.updatedAt) < q.opts.StaleTime
	}
}

// hydrate loads a persisted result into an empty entry once.
func (q *Query[T]) hydrate() {
	if q.c.store == nil {
		return
	}

	q.c.mu.Lock()
	e := q.c.entryLocked(q.opts.Key)
	if e.hydrated || e.hasData {
		e.hydrated = true
		q.c.mu.Unlock()
		return
	}
	e.hydrated = true
	q.c.mu.Unlock()

	key := q.opts.Key.String()
	raw, updatedAt, ok, err := q.c.store.Get(key)
	if err != nil {
		q.c.logger.Warn("failed to read persisted query", "key", key, "error", err)
		return
	}
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		q.c.logger.Warn("discarding unreadable persisted query", "key", key, "error", err)
		return
	}

	q.c.mu.Lock()
	if !e.hasData {
		e.data = v
		e.hasData = true
		e.status = StatusSuccess
		e.updatedAt = updatedAt
	}
	q.c.mu.Unlock()
}

func (q *Query[T]) fetch(ctx context.Context) (T, error) {
	key := q.opts.Key.String()
	v, err, _ := q.c.group.Do(key, func() (any, error) {
		q.c.setFetching(q.opts.Key, true)
		v, err := q.fetchWithRetry(ctx)
		if err != nil {
			q.c.setError(q.opts.Key, err)
			return nil, err
		}
		q.c.setData(q.opts.Key, v)
		return v, nil
	})

	var zero T
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return t, nil
}

func (q *Query[T]) fetchWithRetry(ctx context.Context) (T, error) {
	retries := DefaultRetries
	if q.opts.Retry != nil {
		retries = *q.opts.Retry
	}
	delay := q.opts.RetryDelay
	if delay == nil {
		delay = DefaultRetryDelay
	}
	logger := logging.WithQuery(q.c.logger, q.opts.Key.String())

	for attempt := 0; ; attempt++ {
		v, err := q.opts.Fetch(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= retries || ctx.Err() != nil {
			logger.Debug("fetch failed", "attempts", attempt+1, "error", err)
			return v, err
		}

		wait := delay(attempt)
		logger.Debug("retrying fetch", "attempt", attempt+1, "max_retries", retries, "delay", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

func (c *Client) setFetching(key Key, fetching bool) {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.fetching = fetching
	notify := e.listeners()
	c.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

func (c *Client) setError(key Key, err error) {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.fetching = false
	e.status = StatusError
	e.err = err
	notify := e.listeners()
	c.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// setData records a successful result and writes it through to the store.
func (c *Client) setData(key Key, v any) {
	c.updateData(key, func(*entry) (any, bool) { return v, true })
}

// updateData computes the new result from the current entry under the lock
// and records it like setData. When fn declines, only the fetching flag is
// cleared. It reports whether a result was recorded.
func (c *Client) updateData(key Key, fn func(e *entry) (any, bool)) bool {
	now := c.now()

	c.mu.Lock()
	e := c.entryLocked(key)
	e.fetching = false
	v, ok := fn(e)
	if ok {
		e.status = StatusSuccess
		e.err = nil
		e.data = v
		e.hasData = true
		e.updatedAt = now
		e.invalidated = false
	}
	notify := e.listeners()
	c.mu.Unlock()

	if ok && c.store != nil {
		if raw, err := json.Marshal(v); err != nil {
			c.logger.Warn("failed to encode query result", "key", key.String(), "error", err)
		} else if err := c.store.Put(key.String(), raw, now); err != nil {
			c.logger.Warn("failed to persist query result", "key", key.String(), "error", err)
		}
	}

	for _, fn := range notify {
		fn()
	}
	return ok
}
