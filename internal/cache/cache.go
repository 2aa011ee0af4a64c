// Package cache memoizes successful renders for a short TTL and coalesces
// concurrent renders of the same target into one engine session.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/render-proxy/internal/hash/sha256"
	"github.com/JakeFAU/render-proxy/internal/metrics"
	"github.com/JakeFAU/render-proxy/internal/render"
)

// Renderer produces render outcomes. *render.Manager satisfies it.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (render.Outcome, error)
}

// Cache wraps a Renderer. Failed renders are never cached.
type Cache struct {
	next   Renderer
	lru    *expirable.LRU[string, render.Outcome]
	group  singleflight.Group
	hasher *sha256.Hasher
}

// New wraps next with an LRU of the given size and TTL.
func New(next Renderer, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 128
	}
	return &Cache{
		next:   next,
		lru:    expirable.NewLRU[string, render.Outcome](size, nil, ttl),
		hasher: sha256.New(),
	}
}

// Render returns a cached outcome for rawURL or renders it. Concurrent
// callers for the same URL share one render; each still honors its own ctx
// while waiting.
func (c *Cache) Render(ctx context.Context, rawURL string) (render.Outcome, error) {
	key := c.hasher.Key(strings.TrimSpace(rawURL))
	if out, ok := c.lru.Get(key); ok {
		metrics.ObserveCacheLookup(true)
		return out, nil
	}
	metrics.ObserveCacheLookup(false)

	// The shared render must not die with whichever caller started it.
	renderCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		out, err := c.next.Render(renderCtx, rawURL)
		if err != nil {
			return render.Outcome{}, err
		}
		c.lru.Add(key, out)
		return out, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return render.Outcome{}, res.Err
		}
		out, _ := res.Val.(render.Outcome)
		return out, nil
	case <-ctx.Done():
		return render.Outcome{}, fmt.Errorf("%w: %w", render.ErrCanceled, ctx.Err())
	}
}

// Len reports the number of cached outcomes.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge drops every cached outcome.
func (c *Cache) Purge() {
	c.lru.Purge()
}
