// Package ratelimit implements a sliding-window rate limiter keyed by an
// arbitrary string, used per (user, command) by the Discord handler and per
// principal by the REST API.
package ratelimit

import (
	"sync"
	"time"

	"github.com/recapd/recapd/pkg/models"
)

// Limiter allows at most limit events per window per key. Timestamps are
// kept in a bounded queue; stale entries are evicted on each check.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	entries map[string][]time.Time
	ops     int // Allow calls since the last sweep

	now func() time.Time // test hook
}

// pruneEvery is how many Allow calls pass between full sweeps of idle keys.
const pruneEvery = 256

// New builds a limiter allowing limit events per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an event for key if the limit permits. On rejection it
// returns a RateLimitedError carrying the wait until the oldest event
// leaves the window.
func (l *Limiter) Allow(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Sweep idle keys occasionally so one-off keys cannot grow the map
	// without bound.
	l.ops++
	if l.ops >= pruneEvery {
		l.ops = 0
		l.pruneLocked(cutoff)
	}

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		l.entries[key] = kept
		return &models.RateLimitedError{RetryAfter: kept[0].Sub(cutoff)}
	}

	l.entries[key] = append(kept, now)
	return nil
}

// Remaining reports how many events key may still make in the current
// window, without recording one.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	active := 0
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			active++
		}
	}
	if active >= l.limit {
		return 0
	}
	return l.limit - active
}

// Prune drops keys whose every entry left the window. Allow also sweeps
// on its own every pruneEvery calls; this is for callers that want an
// immediate sweep.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now().Add(-l.window))
}

func (l *Limiter) pruneLocked(cutoff time.Time) {
	for key, stamps := range l.entries {
		live := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.entries, key)
		}
	}
}
