// Package ratelimit provides the sliding-window limiter applied to incoming
// tool requests.
package ratelimit

import (
	"sync"
	"time"
)

// window is the span over which requests are counted.
const window = 60 * time.Second

// Limiter admits at most capacity requests per sliding window. Safe for
// concurrent use.
type Limiter struct {
	mu         sync.Mutex
	capacity   int
	timestamps []time.Time
	now        func() time.Time
}

// NewLimiter creates a limiter admitting up to capacity requests per minute.
func NewLimiter(capacity int) *Limiter {
	return &Limiter{
		capacity: capacity,
		now:      time.Now,
	}
}

// Allow reports whether a request arriving now is admitted, and records it
// if so. Timestamps that have aged out of the window are dropped first, so
// the capacity applies to the trailing sixty seconds only.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.timestamps[:0]
	for _, ts := range l.timestamps {
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		}
	}
	l.timestamps = kept

	if len(l.timestamps) >= l.capacity {
		return false
	}
	l.timestamps = append(l.timestamps, now)
	return true
}
