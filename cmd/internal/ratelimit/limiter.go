// Package ratelimit provides the sliding-window limiter shared by the fence
// (interaction heartbeats) and the realtime gateway (inbound frames).
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most limit events inside any window of the given length.
type Limiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// New constructs a Limiter. Non-positive inputs fall back to defLimit/defWindow.
func New(limit int, window time.Duration, defLimit int, defWindow time.Duration) *Limiter {
	if limit <= 0 {
		limit = defLimit
	}
	if window <= 0 {
		window = defWindow
	}
	if limit <= 0 {
		limit = 1
	}
	return &Limiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted and records it if so.
func (l *Limiter) Allow(now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cut := now.Add(-l.window)
	dst := l.events[:0]
	for _, t := range l.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	l.events = dst

	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}

// Limit returns the configured number of events per window.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }
