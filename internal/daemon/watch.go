package daemon

import (
	"context"
	"sync"

	"github.com/colebrumley/agentq/internal/agents"
	"github.com/colebrumley/agentq/internal/api"
	"github.com/colebrumley/agentq/internal/config"
	"github.com/colebrumley/agentq/internal/logging"
	"github.com/colebrumley/agentq/internal/polling"
	"github.com/colebrumley/agentq/internal/query"
)

// watch polls the run status of one conversation while someone has asked
// for it within the visibility window.
type watch struct {
	id   string
	vis  *polling.ActivityVisibility
	wake chan struct{}
}

type watchSet struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	byID   map[string]*watch
}

// startWatches replaces the running pollers with one per conversation in wc.
func (d *Daemon) startWatches(ctx context.Context, wc config.WatchConfig) {
	d.stopWatches()

	wctx, cancel := context.WithCancel(ctx)
	ws := &watchSet{cancel: cancel, byID: make(map[string]*watch)}
	for _, id := range wc.Conversations {
		if _, dup := ws.byID[id]; id == "" || dup {
			continue
		}
		w := &watch{
			id:   id,
			vis:  polling.NewActivityVisibility(wc.VisibilityWindow()),
			wake: make(chan struct{}, 1),
		}
		// Poll from startup until the first window passes unobserved.
		w.vis.Touch()
		ws.byID[id] = w

		ws.wg.Add(1)
		go func() {
			defer ws.wg.Done()
			d.runWatch(wctx, w)
		}()
	}

	d.mu.Lock()
	d.watches = ws
	d.mu.Unlock()
}

func (d *Daemon) stopWatches() {
	d.mu.Lock()
	ws := d.watches
	d.watches = nil
	d.mu.Unlock()

	if ws == nil {
		return
	}
	ws.cancel()
	ws.wg.Wait()
}

func (d *Daemon) runWatch(ctx context.Context, w *watch) {
	logger := logging.WithConversation(d.logger, w.id)
	q := d.app.Agents.ActiveRunStatus(w.id, agents.WithVisibility(w.vis))

	var mu sync.Mutex
	var seen, active bool
	unsubscribe := q.Subscribe(func(st query.State[api.ActiveJobStatus]) {
		if st.Status != query.StatusSuccess || st.Fetching {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !seen || active != st.Data.Active {
			logger.Info("run status changed", "active", st.Data.Active)
		}
		seen, active = true, st.Data.Active
	})
	defer unsubscribe()

	for {
		if err := q.Poll(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("run status polling failed", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		logger.Debug("run status polling paused")

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			logger.Debug("run status polling resumed")
		}
	}
}

// touchWatch marks a watched conversation as observed, resuming its poller.
// It reports whether id is watched.
func (d *Daemon) touchWatch(id string) bool {
	d.mu.RLock()
	ws := d.watches
	d.mu.RUnlock()
	if ws == nil {
		return false
	}

	w, ok := ws.byID[id]
	if !ok {
		return false
	}
	w.vis.Touch()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// watchedCount returns the number of watched conversations.
func (d *Daemon) watchedCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.watches == nil {
		return 0
	}
	return len(d.watches.byID)
}
