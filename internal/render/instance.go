package render

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/metrics"
)

// pool hands out browser instances to render sessions. release must be
// called exactly once per successful acquire.
type pool interface {
	acquire(ctx context.Context) (Browser, func(broken bool), error)
	close()
}

type instance struct {
	browser Browser
	refs    int
	retired bool
}

// sharedPool keeps one lazily launched browser for all sessions. A browser
// that fails to open a tab is retired and closed once its last session ends;
// the next acquire launches a replacement.
type sharedPool struct {
	launcher Launcher
	logger   *zap.Logger

	mu      sync.Mutex
	current *instance
	closed  bool
}

func newSharedPool(launcher Launcher, logger *zap.Logger) *sharedPool {
	return &sharedPool{launcher: launcher, logger: logger}
}

func (p *sharedPool) acquire(ctx context.Context) (Browser, func(bool), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrClosed
	}
	if p.current == nil {
		b, err := p.launcher.Launch(ctx)
		metrics.ObserveEngineLaunch(err)
		if err != nil {
			return nil, nil, err
		}
		p.logger.Info("browser launched", zap.String("mode", "shared"))
		p.current = &instance{browser: b}
	}
	inst := p.current
	inst.refs++

	var once sync.Once
	return inst.browser, func(broken bool) {
		once.Do(func() { p.release(inst, broken) })
	}, nil
}

func (p *sharedPool) release(inst *instance, broken bool) {
	p.mu.Lock()
	inst.refs--
	if broken && !inst.retired {
		inst.retired = true
		if p.current == inst {
			p.current = nil
		}
		p.logger.Warn("retiring browser after failure")
	}
	drained := inst.retired && inst.refs == 0
	p.mu.Unlock()

	if drained {
		p.closeBrowser(inst.browser)
	}
}

func (p *sharedPool) close() {
	p.mu.Lock()
	p.closed = true
	inst := p.current
	p.current = nil
	drained := false
	if inst != nil {
		inst.retired = true
		drained = inst.refs == 0
	}
	p.mu.Unlock()

	if drained {
		p.closeBrowser(inst.browser)
	}
}

func (p *sharedPool) closeBrowser(b Browser) {
	if err := b.Close(); err != nil {
		p.logger.Warn("failed to close browser", zap.Error(err))
	}
}

// perRequestPool launches a fresh browser for every session.
type perRequestPool struct {
	launcher Launcher
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

func (p *perRequestPool) acquire(ctx context.Context) (Browser, func(bool), error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, nil, ErrClosed
	}

	b, err := p.launcher.Launch(ctx)
	metrics.ObserveEngineLaunch(err)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return b, func(bool) {
		once.Do(func() {
			if err := b.Close(); err != nil {
				p.logger.Warn("failed to close browser", zap.Error(err))
			}
		})
	}, nil
}

func (p *perRequestPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
