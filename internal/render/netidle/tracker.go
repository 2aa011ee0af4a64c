// Package netidle judges when a page's network has gone quiet: no more than
// a given number of requests in flight for a full window.
package netidle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/render-proxy/internal/clock/system"
)

const pollInterval = 50 * time.Millisecond

// Tracker counts in-flight requests for one page. Engines feed it from their
// own network events. It is safe for concurrent use.
type Tracker struct {
	clock       system.Clock
	maxInflight int
	window      time.Duration

	mu         sync.Mutex
	inflight   map[string]struct{}
	quietSince time.Time
}

// New returns a Tracker that reports idle once at most maxInflight requests
// have been pending for window. The quiet period starts immediately.
func New(clock system.Clock, maxInflight int, window time.Duration) *Tracker {
	if clock == nil {
		clock = system.New()
	}
	if maxInflight < 0 {
		maxInflight = 0
	}
	return &Tracker{
		clock:       clock,
		maxInflight: maxInflight,
		window:      window,
		inflight:    make(map[string]struct{}),
		quietSince:  clock.Now(),
	}
}

// Started records a request leaving the page.
func (t *Tracker) Started(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	t.update()
}

// Finished records a request completing or failing. Unknown ids are ignored.
func (t *Tracker) Finished(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
	t.update()
}

func (t *Tracker) update() {
	if len(t.inflight) > t.maxInflight {
		t.quietSince = time.Time{}
		return
	}
	if t.quietSince.IsZero() {
		t.quietSince = t.clock.Now()
	}
}

// Idle reports whether the quiet window has elapsed.
func (t *Tracker) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.quietSince.IsZero() && t.clock.Now().Sub(t.quietSince) >= t.window
}

// Wait blocks until Idle or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if t.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
