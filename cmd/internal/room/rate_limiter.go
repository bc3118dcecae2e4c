package room

import (
	"sync"
	"time"
)

// UserLimits is the inbound event budget, kept per user rather than per
// socket: every connection a user holds draws from one sliding window, and the
// window outlives the connection, so reconnecting does not reset it.
type UserLimits struct {
	mu        sync.Mutex
	byUser    map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
}

// NewUserLimits allows limit events per user within window. Non-positive
// arguments take the defaults.
func NewUserLimits(limit int, window time.Duration) *UserLimits {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &UserLimits{byUser: make(map[string][]time.Time), limit: limit, window: window}
}

// Allow records an event by userID at now and reports whether it fits the budget.
// Rejected events are not recorded.
func (l *UserLimits) Allow(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := now.Add(-l.window)
	if now.Sub(l.lastSweep) >= l.window {
		l.sweepLocked(cut)
		l.lastSweep = now
	}

	events := trim(l.byUser[userID], cut)
	if len(events) >= l.limit {
		l.byUser[userID] = events
		return false
	}
	if events == nil {
		events = make([]time.Time, 0, min(l.limit, 16))
	}
	l.byUser[userID] = append(events, now)
	return true
}

// Users reports how many users currently hold a window.
func (l *UserLimits) Users() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byUser)
}

func (l *UserLimits) sweepLocked(cut time.Time) {
	for id, events := range l.byUser {
		if events = trim(events, cut); len(events) == 0 {
			delete(l.byUser, id)
		} else {
			l.byUser[id] = events
		}
	}
}

// trim drops events at or before cut, in place.
func trim(events []time.Time, cut time.Time) []time.Time {
	dst := events[:0]
	for _, t := range events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	return dst
}
