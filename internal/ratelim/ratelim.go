// Package ratelim implements a small leaky-bucket gate for log call sites
// that could otherwise be flooded by an attacker inducing repeated
// anomalies (spec §7: "Logging is rate-limited (leaky-bucket per message
// site) so that an attacker cannot flood logs by inducing path-bias
// anomalies"). Generalized from the teacher's pattern of guarding noisy
// call sites, since the teacher itself never needed a reusable limiter.
package ratelim

import (
	"sync"
	"time"
)

// Limiter allows one event through per Interval, per instance. Create one
// Limiter per log call site (a package-level var), not one per message.
type Limiter struct {
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// Allow reports whether an event at this call site may be logged now. It
// returns false (and updates no state) if the interval since the last
// allowed event has not yet elapsed.
func (l *Limiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.last) < l.Interval {
		return false
	}
	l.last = now
	return true
}
