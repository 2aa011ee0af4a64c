// Package rodengine runs render sessions on Chrome through go-rod.
package rodengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/JakeFAU/render-proxy/internal/clock/system"
	"github.com/JakeFAU/render-proxy/internal/render"
	"github.com/JakeFAU/render-proxy/internal/render/netidle"
)

const (
	viewportWidth  = 1280
	viewportHeight = 800
)

const documentScript = `() => (document.doctype ? new XMLSerializer().serializeToString(document.doctype) : '') + document.documentElement.outerHTML`

// ErrBrowserNotFound is returned when no exec path is configured and no
// local Chrome or Chromium install can be found.
var ErrBrowserNotFound = errors.New("no chrome binary found")

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

// New builds a rod launcher.
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

func (l *Launcher) binary() (string, error) {
	if l.cfg.ExecPath != "" {
		return l.cfg.ExecPath, nil
	}
	if path, ok := launcher.LookPath(); ok {
		return path, nil
	}
	return "", ErrBrowserNotFound
}

func (l *Launcher) process(bin string) *launcher.Launcher {
	return launcher.New().
		Bin(bin).
		Headless(true).
		NoSandbox(true).
		Set(flags.Flag("disable-setuid-sandbox")).
		Set(flags.Flag("disable-dev-shm-usage")).
		Set(flags.Flag("disable-accelerated-2d-canvas")).
		Set(flags.Flag("no-first-run")).
		Set(flags.Flag("no-zygote")).
		Set(flags.Flag("disable-gpu")).
		Set(flags.Flag("disable-software-rasterizer")).
		Set(flags.Flag("disable-extensions"))
}

// Launch starts Chrome and connects to its debugging endpoint.
func (l *Launcher) Launch(ctx context.Context) (render.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	bin, err := l.binary()
	if err != nil {
		return nil, err
	}

	proc := l.process(bin)
	controlURL, err := proc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		proc.Kill()
		proc.Cleanup()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	return &Browser{cfg: l.cfg, browser: browser, proc: proc}, nil
}

// Browser is a connected Chrome process.
type Browser struct {
	cfg     Config
	browser *rod.Browser
	proc    *launcher.Launcher
}

// NewTab opens a page inside a fresh incognito context.
func (b *Browser) NewTab(ctx context.Context) (render.Tab, error) {
	incognito, err := b.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("create incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             viewportWidth,
		Height:            viewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		_ = page.Close()
		_ = incognito.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	if b.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.cfg.UserAgent}); err != nil {
			_ = page.Close()
			_ = incognito.Close()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	return &Tab{cfg: b.cfg, page: page, incognito: incognito}, nil
}

// Close shuts Chrome down and removes its profile directory.
func (b *Browser) Close() error {
	err := b.browser.Close()
	b.proc.Kill()
	b.proc.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Tab is one rod page in its own incognito context.
type Tab struct {
	cfg       Config
	page      *rod.Page
	incognito *rod.Browser
}

// Navigate loads url, waits for the load event, then waits until no more
// than IdleConnections requests have been in flight for IdleWindow.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	page := t.page.Context(ctx)

	tracker := netidle.New(t.cfg.Clock, t.cfg.IdleConnections, t.cfg.IdleWindow)
	stop := t.watchNetwork(ctx, tracker)
	defer stop()

	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("rod navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("rod wait load: %w", err)
	}
	if err := tracker.Wait(ctx); err != nil {
		return fmt.Errorf("rod wait idle: %w", err)
	}
	obj, err := page.Eval("() => " + render.ContentTypeScript)
	if err != nil {
		return fmt.Errorf("rod content type: %w", err)
	}
	if contentType := obj.Value.Str(); !render.HTMLContentType(contentType) {
		return fmt.Errorf("unsupported document type %q", contentType)
	}
	return nil
}

// watchNetwork feeds the page's network events into tracker until the
// returned stop func is called. EachEvent enables the Network domain.
func (t *Tab) watchNetwork(ctx context.Context, tracker *netidle.Tracker) func() {
	listenCtx, cancel := context.WithCancel(ctx)
	wait := t.page.Context(listenCtx).EachEvent(networkCallbacks(tracker)...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()
	return func() {
		cancel()
		<-done
	}
}

func networkCallbacks(tracker *netidle.Tracker) []any {
	return []any{
		func(e *proto.NetworkRequestWillBeSent) { tracker.Started(string(e.RequestID)) },
		func(e *proto.NetworkLoadingFinished) { tracker.Finished(string(e.RequestID)) },
		func(e *proto.NetworkLoadingFailed) { tracker.Finished(string(e.RequestID)) },
	}
}

// Location returns the URL the page ended up on.
func (t *Tab) Location(ctx context.Context) (string, error) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("rod page info: %w", err)
	}
	return info.URL, nil
}

// Document serializes the current DOM.
func (t *Tab) Document(ctx context.Context) (string, error) {
	obj, err := t.page.Context(ctx).Eval(documentScript)
	if err != nil {
		return "", fmt.Errorf("rod serialize: %w", err)
	}
	return obj.Value.Str(), nil
}

// Close closes the page and disposes of its incognito context.
func (t *Tab) Close() error {
	// The page and context inherit the opening request's context, which may
	// already be canceled.
	pageErr := t.page.Context(context.Background()).Close()
	ctxErr := t.incognito.Context(context.Background()).Close()
	if err := errors.Join(pageErr, ctxErr); err != nil {
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}
