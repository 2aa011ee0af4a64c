package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/render-proxy/internal/render"
)

type countingRenderer struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (r *countingRenderer) Render(_ context.Context, rawURL string) (render.Outcome, error) {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return render.Outcome{}, r.err
	}
	return render.Outcome{Markup: "<p>" + rawURL + "</p>", ResolvedURL: rawURL}, nil
}

func TestCacheServesRepeatsFromMemory(t *testing.T) {
	t.Parallel()

	next := &countingRenderer{}
	c := New(next, 8, time.Minute)

	for range 3 {
		out, err := c.Render(context.Background(), "https://example.com/")
		require.NoError(t, err)
		require.Equal(t, "https://example.com/", out.ResolvedURL)
	}
	require.EqualValues(t, 1, next.calls.Load())
	require.Equal(t, 1, c.Len())

	c.Purge()
	require.Zero(t, c.Len())
	_, err := c.Render(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.EqualValues(t, 2, next.calls.Load())
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	t.Parallel()

	next := &countingRenderer{err: render.ErrResolvedURLBlocked}
	c := New(next, 8, time.Minute)

	for range 2 {
		_, err := c.Render(context.Background(), "https://redirect.example/")
		require.ErrorIs(t, err, render.ErrResolvedURLBlocked)
	}
	require.EqualValues(t, 2, next.calls.Load())
	require.Zero(t, c.Len())
}

func TestCacheCoalescesConcurrentRenders(t *testing.T) {
	t.Parallel()

	next := &countingRenderer{gate: make(chan struct{})}
	c := New(next, 8, time.Minute)

	var g errgroup.Group
	for range 5 {
		g.Go(func() error {
			out, err := c.Render(context.Background(), "https://slow.example/")
			if err != nil {
				return err
			}
			if out.ResolvedURL != "https://slow.example/" {
				return errors.New("unexpected outcome")
			}
			return nil
		})
	}
	require.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(next.gate)
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, next.calls.Load())
}

func TestCacheWaiterHonorsOwnContext(t *testing.T) {
	t.Parallel()

	next := &countingRenderer{gate: make(chan struct{})}
	c := New(next, 8, time.Minute)

	var g errgroup.Group
	g.Go(func() error {
		_, err := c.Render(context.Background(), "https://slow.example/")
		return err
	})
	require.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Render(ctx, "https://slow.example/")
	require.ErrorIs(t, err, render.ErrCanceled)

	close(next.gate)
	require.NoError(t, g.Wait())
	require.Equal(t, 1, c.Len())
}

func TestCacheExpiresEntries(t *testing.T) {
	t.Parallel()

	next := &countingRenderer{}
	c := New(next, 8, 20*time.Millisecond)

	_, err := c.Render(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)

	_, err = c.Render(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.EqualValues(t, 2, next.calls.Load())
}
