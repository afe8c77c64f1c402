// internal/polling/polling.go
package polling

import (
	"sync"
	"time"
	"unicode/utf16"
)

// BaseInterval is the polling period for an item that is currently running.
// Idle items are re-checked at twice this period.
const BaseInterval = 5000 * time.Millisecond

// Stop tells the poller not to reschedule.
const Stop time.Duration = 0

// Jitter derives a deterministic offset in [0, 1000) from id so that many
// pollers started at the same moment spread out over a second.
func Jitter(id string) int {
	if id == "" {
		return 0
	}
	sum := 0
	for _, c := range utf16.Encode([]rune(id)) {
		sum = (sum + int(c)) % 100000
	}
	return sum % 1000
}

// RefetchInterval returns how long to wait before checking the run status of
// id again, or Stop when nobody can see the result.
func RefetchInterval(running bool, id string, v Visibility) time.Duration {
	if v != nil && !v.Visible() {
		return Stop
	}
	jitter := time.Duration(Jitter(id)) * time.Millisecond
	if !running {
		return 2*BaseInterval + jitter
	}
	return BaseInterval + jitter
}

// Visibility reports whether the consumer of a poll result is currently
// looking at it.
type Visibility interface {
	Visible() bool
}

// VisibilityFunc adapts a plain function to Visibility.
type VisibilityFunc func() bool

func (f VisibilityFunc) Visible() bool { return f() }

// AlwaysVisible never pauses polling.
var AlwaysVisible Visibility = VisibilityFunc(func() bool { return true })

// ActivityVisibility is visible while something has called Touch within the
// configured window.
type ActivityVisibility struct {
	window   time.Duration
	now      func() time.Time
	mu       sync.Mutex
	lastSeen time.Time
}

// NewActivityVisibility creates an ActivityVisibility that starts out hidden.
func NewActivityVisibility(window time.Duration) *ActivityVisibility {
	return &ActivityVisibility{window: window, now: time.Now}
}

// Touch records consumer activity.
func (a *ActivityVisibility) Touch() {
	a.mu.Lock()
	a.lastSeen = a.now()
	a.mu.Unlock()
}

func (a *ActivityVisibility) Visible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastSeen.IsZero() {
		return false
	}
	return a.now().Sub(a.lastSeen) <= a.window
}
