// Package query caches the results of remote fetches by key, with stale
// times, retries, polling and cursor pagination.
package query

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrDisabled is returned by queries whose Enabled check fails.
var ErrDisabled = errors.New("query disabled")

// Key identifies a cached result. Keys are hierarchical: Invalidate(Key{"agents"})
// also hits Key{"agents", "list"}.
type Key []string

// String returns the canonical form of k used for storage.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// HasPrefix reports whether prefix is a leading subsequence of k.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Status is the lifecycle state of a cached result.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Store persists successful results between runs.
type Store interface {
	Get(key string) (data []byte, updatedAt time.Time, ok bool, err error)
	Put(key string, data []byte, updatedAt time.Time) error
	DeletePrefix(prefix string) error
}

type entry struct {
	key         Key
	status      Status
	data        any
	hasData     bool
	err         error
	updatedAt   time.Time
	fetching    bool
	invalidated bool
	hydrated    bool
	subs        map[int]func()
	nextSub     int
}

// Client owns the cache shared by all queries built on it.
type Client struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*entry
}

// NewClient creates a query client. store may be nil for a memory-only
// cache.
func NewClient(store Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		store:   store,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Invalidate marks every entry under prefix as stale so that the next Get
// fetches again, and drops the persisted copies.
func (c *Client) Invalidate(prefix Key) {
	c.mu.Lock()
	var notify []func()
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			e.invalidated = true
			notify = append(notify, e.listeners()...)
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeletePrefix(prefix.String()); err != nil {
			c.logger.Warn("failed to drop persisted queries", "prefix", prefix.String(), "error", err)
		}
	}
	for _, fn := range notify {
		fn()
	}
}

// Keys returns the keys currently held in memory.
func (c *Client) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]Key, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, e.key)
	}
	return keys
}

// entryLocked returns the entry for key, creating it. c.mu must be held.
func (c *Client) entryLocked(key Key) *entry {
	s := key.String()
	e, ok := c.entries[s]
	if !ok {
		e = &entry{key: key, subs: make(map[int]func())}
		c.entries[s] = e
	}
	return e
}

func (c *Client) subscribe(key Key, fn func()) func() {
	c.mu.Lock()
	e := c.entryLocked(key)
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(e.subs, id)
		c.mu.Unlock()
	}
}

func (e *entry) listeners() []func() {
	fns := make([]func(), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	return fns
}
