package render

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/guard"
	"github.com/JakeFAU/render-proxy/internal/logging"
	"github.com/JakeFAU/render-proxy/internal/metrics"
)

// Classifier re-checks the URL the engine ended up on. *guard.Guard satisfies it.
type Classifier interface {
	CheckContext(ctx context.Context, raw string) guard.Decision
}

// Config tunes the Manager.
type Config struct {
	// MaxParallel bounds concurrent render sessions. Values below 1 mean 1.
	MaxParallel int
	// QueueDepth bounds how many requests may wait for a slot. Zero rejects
	// as soon as every slot is busy.
	QueueDepth int
	// QueueTimeout bounds the wait for a slot. Zero waits until the caller's
	// context ends.
	QueueTimeout time.Duration
	// NavTimeout bounds navigation plus document extraction.
	NavTimeout time.Duration
	// PerRequestBrowser launches a browser per session instead of sharing one.
	PerRequestBrowser bool
}

// Manager executes render sessions. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	guard   Classifier
	logger  *zap.Logger
	slots   chan struct{}
	waiting atomic.Int64
	pool    pool
	closed  atomic.Bool
}

// NewManager builds a Manager over the given engine.
func NewManager(cfg Config, launcher Launcher, classifier Classifier, logger *zap.Logger) (*Manager, error) {
	if launcher == nil {
		return nil, errors.New("render: launcher is required")
	}
	if classifier == nil {
		return nil, errors.New("render: classifier is required")
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	logger = logging.OrNop(logger).Named("render")

	var p pool
	if cfg.PerRequestBrowser {
		p = &perRequestPool{launcher: launcher, logger: logger}
	} else {
		p = newSharedPool(launcher, logger)
	}

	return &Manager{
		cfg:    cfg,
		guard:  classifier,
		logger: logger,
		slots:  make(chan struct{}, cfg.MaxParallel),
		pool:   p,
	}, nil
}

// Render navigates to rawURL in a fresh browsing context, waits for the
// network to go idle and returns the serialized document. The browsing
// context and the slot are released before Render returns, on every path.
func (m *Manager) Render(ctx context.Context, rawURL string) (Outcome, error) {
	if m.closed.Load() {
		return Outcome{}, ErrClosed
	}
	release, err := m.acquireSlot(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	metrics.IncActiveRenders()
	defer metrics.DecActiveRenders()

	start := time.Now()
	out, err := m.render(ctx, rawURL)
	metrics.ObserveRender(resultLabel(err), time.Since(start))
	return out, err
}

// Close stops accepting sessions and shuts down the shared browser once the
// sessions using it finish.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.pool.close()
}

// Ready fails once the manager is closed.
func (m *Manager) Ready(context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Waiting reports how many requests are queued for a slot.
func (m *Manager) Waiting() int64 {
	return m.waiting.Load()
}

func (m *Manager) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case m.slots <- struct{}{}:
		return m.releaseSlot, nil
	default:
	}

	n := m.waiting.Add(1)
	if n > int64(m.cfg.QueueDepth) {
		m.waiting.Add(-1)
		return nil, ErrQueueFull
	}
	metrics.SetQueueWaiting(n)
	defer func() {
		metrics.SetQueueWaiting(m.waiting.Add(-1))
	}()

	var timeout <-chan time.Time
	if m.cfg.QueueTimeout > 0 {
		timer := time.NewTimer(m.cfg.QueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case m.slots <- struct{}{}:
		return m.releaseSlot, nil
	case <-timeout:
		return nil, fmt.Errorf("%w: no slot within %s", ErrQueueFull, m.cfg.QueueTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
}

func (m *Manager) releaseSlot() {
	<-m.slots
}

func (m *Manager) render(ctx context.Context, rawURL string) (Outcome, error) {
	browser, done, err := m.pool.acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return Outcome{}, err
		}
		m.logger.Error("browser launch failed", zap.Error(err))
		return Outcome{}, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	broken := false
	defer func() { done(broken) }()

	tab, err := browser.NewTab(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		broken = true
		m.logger.Error("failed to open browsing context", zap.Error(err))
		return Outcome{}, fmt.Errorf("%w: open browsing context: %w", ErrEngineUnavailable, err)
	}
	defer func() {
		if cerr := tab.Close(); cerr != nil {
			m.logger.Warn("failed to close browsing context", zap.Error(cerr))
		}
	}()

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout)
	defer cancel()

	if err := tab.Navigate(navCtx, rawURL); err != nil {
		return Outcome{}, m.navigationError(ctx, navCtx, err)
	}
	resolved, err := tab.Location(navCtx)
	if err != nil {
		return Outcome{}, m.navigationError(ctx, navCtx, err)
	}
	if d := m.guard.CheckContext(navCtx, resolved); d.Blocked() {
		return Outcome{ResolvedURL: resolved}, fmt.Errorf("%w: %s", ErrResolvedURLBlocked, d.Reason)
	}
	markup, err := tab.Document(navCtx)
	if err != nil {
		return Outcome{}, m.navigationError(ctx, navCtx, err)
	}

	return Outcome{Markup: markup, ResolvedURL: resolved}, nil
}

// navigationError attributes a failure to the caller going away, the
// navigation deadline, or the page itself.
func (m *Manager) navigationError(parent, navCtx context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, parent.Err())
	}
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrNavigationTimeout, m.cfg.NavTimeout)
	}
	return fmt.Errorf("%w: %w", ErrNavigationFailed, err)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNavigationTimeout):
		return "timeout"
	case errors.Is(err, ErrResolvedURLBlocked):
		return "blocked"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	default:
		return "error"
	}
}
