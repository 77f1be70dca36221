package messenger

import (
	"sync"
	"time"
)

// ResolveOnce tracks which approval requests have been answered and owns
// their auto-deny timers. The first Claim for a request id wins; later
// claims and pending timer fires for that id are dropped.
type ResolveOnce struct {
	mu       sync.Mutex
	resolved map[string]struct{}
	timers   map[string]*time.Timer
}

// NewResolveOnce returns an empty gate.
func NewResolveOnce() *ResolveOnce {
	return &ResolveOnce{
		resolved: make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// Claim marks requestID resolved and cancels its timer. It returns false if
// the request was already resolved.
func (g *ResolveOnce) Claim(requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, done := g.resolved[requestID]; done {
		return false
	}
	g.resolved[requestID] = struct{}{}
	if t, ok := g.timers[requestID]; ok {
		t.Stop()
		delete(g.timers, requestID)
	}
	return true
}

// Schedule arms a timer that calls fire after d, unless the request is
// claimed first. The fire func runs only when its own claim succeeds, so a
// timer and a human decision can never both be delivered. Scheduling again
// for the same id replaces the previous timer.
func (g *ResolveOnce) Schedule(requestID string, d time.Duration, fire func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, done := g.resolved[requestID]; done {
		return
	}
	if t, ok := g.timers[requestID]; ok {
		t.Stop()
	}
	g.timers[requestID] = time.AfterFunc(d, func() {
		if !g.Claim(requestID) {
			return
		}
		fire()
	})
}

// StopAll cancels every armed timer without marking the requests resolved.
func (g *ResolveOnce) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}
