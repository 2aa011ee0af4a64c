// Package cdpengine runs render sessions on headless Chrome through chromedp.
package cdpengine

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/render-proxy/internal/clock/system"
	"github.com/JakeFAU/render-proxy/internal/render"
	"github.com/JakeFAU/render-proxy/internal/render/netidle"
)

// Viewport used for every tab.
const (
	ViewportWidth  = 1280
	ViewportHeight = 800
)

const closeTimeout = 5 * time.Second

// documentScript serializes the live DOM including its doctype.
const documentScript = `(document.doctype ? new XMLSerializer().serializeToString(document.doctype) : '') + document.documentElement.outerHTML`

// Config controls the Chrome process and the network-idle wait.
type Config struct {
	ExecPath        string
	UserAgent       string
	IdleConnections int
	IdleWindow      time.Duration
	Clock           system.Clock
}

// Launcher implements render.Launcher.
type Launcher struct {
	cfg Config
}

// New builds a chromedp launcher.
func New(cfg Config) *Launcher {
	if cfg.IdleConnections < 0 {
		cfg.IdleConnections = 0
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	return &Launcher{cfg: cfg}
}

// allocatorOptions returns the Chrome flags for a container-friendly headless run.
func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-accelerated-2d-canvas", true),
		chromedp.NoFirstRun,
		chromedp.Flag("no-zygote", true),
		chromedp.DisableGPU,
		chromedp.Flag("disable-software-rasterizer", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.WindowSize(ViewportWidth, ViewportHeight),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	return opts
}

// Launch starts Chrome and waits for it to accept commands. The process
// belongs to the browser context, not to ctx: ctx only bounds the warm-up.
func (l *Launcher) Launch(ctx context.Context) (render.Browser, error) {
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// The first Run starts the process on browserCtx, so it must not be a
	// shorter-lived child of it.
	stop := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err == nil {
		err = browserCtx.Err()
	}
	if err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Browser{
		cfg:             l.cfg,
		ctx:             browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
	}, nil
}

// Browser is a running Chrome process.
type Browser struct {
	cfg             Config
	ctx             context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

// NewTab opens a target in its own browser context so sessions share no
// cookies or storage.
func (b *Browser) NewTab(ctx context.Context) (render.Tab, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, fmt.Errorf("browser gone: %w", err)
	}
	tabCtx, tabCancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())

	// The target's event loop runs on the context of its first Run.
	stop := forwardCancel(ctx, tabCancel)
	err := chromedp.Run(tabCtx)
	stop()
	if err == nil {
		err = tabCtx.Err()
	}
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("open target: %w", err)
	}
	return &Tab{cfg: b.cfg, ctx: tabCtx, cancel: tabCancel}, nil
}

// Close asks Chrome to exit and kills it if it has not within
// closeTimeout.
func (b *Browser) Close() error {
	ctx, cancel := context.WithTimeout(b.ctx, closeTimeout)
	defer cancel()
	err := chromedp.Cancel(ctx)
	b.browserCancel()
	b.allocatorCancel()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Tab is one chromedp target.
type Tab struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
}

// Navigate loads url and waits until the network has been quiet for the
// configured window.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := t.runContext(ctx)
	defer cancel()

	var contentType string
	tracker := netidle.New(t.cfg.Clock, t.cfg.IdleConnections, t.cfg.IdleWindow)
	chromedp.ListenTarget(runCtx, observeNetwork(tracker))

	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(ViewportWidth, ViewportHeight, 1, false),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if t.cfg.UserAgent == "" {
				return nil
			}
			return emulation.SetUserAgentOverride(t.cfg.UserAgent).Do(ctx)
		}),
		chromedp.Navigate(url),
		chromedp.ActionFunc(tracker.Wait),
		chromedp.Evaluate(render.ContentTypeScript, &contentType),
	}
	if err := chromedp.Run(runCtx, tasks); err != nil {
		return fmt.Errorf("chromedp navigate: %w", err)
	}
	if !render.HTMLContentType(contentType) {
		return fmt.Errorf("unsupported document type %q", contentType)
	}
	return nil
}

// Location returns the URL the tab ended up on.
func (t *Tab) Location(ctx context.Context) (string, error) {
	runCtx, cancel := t.runContext(ctx)
	defer cancel()

	var location string
	if err := chromedp.Run(runCtx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("chromedp location: %w", err)
	}
	return location, nil
}

// Document serializes the current DOM.
func (t *Tab) Document(ctx context.Context) (string, error) {
	runCtx, cancel := t.runContext(ctx)
	defer cancel()

	var markup string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(documentScript, &markup)); err != nil {
		return "", fmt.Errorf("chromedp serialize: %w", err)
	}
	return markup, nil
}

// Close closes the target and disposes of its browser context.
func (t *Tab) Close() error {
	err := chromedp.Cancel(t.ctx)
	t.cancel()
	if err != nil {
		return fmt.Errorf("close target: %w", err)
	}
	return nil
}

// runContext derives a context from the tab that also ends when ctx ends.
// Canceling it aborts the running action without closing the target.
func (t *Tab) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(t.ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}
	stop := forwardCancel(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// forwardCancel calls cancel if parent ends before the returned stop func
// is called. Once stop returns, cancel has either run to completion or
// will never run.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}
