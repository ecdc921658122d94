package gateway

import (
	"sync"
	"time"

	"github.com/eldtechnologies/ridewire/internal/clock"
)

// windowLimiter is a per-connection sliding-window counter: at most limit
// events in any span of window. It keeps the timestamps of the accepted
// events in a ring.
type windowLimiter struct {
	clock  clock.Clock
	limit  int
	window time.Duration

	mu    sync.Mutex
	times []time.Time
	head  int
	size  int
}

func newWindowLimiter(clk clock.Clock, limit int, window time.Duration) *windowLimiter {
	return &windowLimiter{
		clock:  clk,
		limit:  limit,
		window: window,
		times:  make([]time.Time, limit),
	}
}

// Allow records an event and reports whether it fits in the window.
// Rejected events are not recorded.
func (l *windowLimiter) Allow() bool {
	if l.limit <= 0 {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	for l.size > 0 && !l.times[l.head].After(cutoff) {
		l.head = (l.head + 1) % l.limit
		l.size--
	}
	if l.size == l.limit {
		return false
	}
	l.times[(l.head+l.size)%l.limit] = now
	l.size++
	return true
}
