package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/render-proxy/internal/archive"
	"github.com/JakeFAU/render-proxy/internal/archive/memory"
	"github.com/JakeFAU/render-proxy/internal/events"
	"github.com/JakeFAU/render-proxy/internal/guard"
	"github.com/JakeFAU/render-proxy/internal/render"
	"github.com/JakeFAU/render-proxy/internal/rewrite"
)

const page = `<html><head><title>t</title></head><body><a href="next">n</a><script src="/app.js"></script></body></html>`

type renderFunc func(ctx context.Context, rawURL string) (render.Outcome, error)

func (f renderFunc) Render(ctx context.Context, rawURL string) (render.Outcome, error) {
	return f(ctx, rawURL)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) All() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func newService(t *testing.T, renderer Renderer, opts ...func(*Deps)) (*Service, *recorder) {
	t.Helper()
	rec := &recorder{}
	deps := Deps{
		Guard:    guard.New(guard.DefaultPolicy()),
		Renderer: renderer,
		Rewriter: rewrite.New(rewrite.Options{}),
		Events:   rec,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc, err := New(deps)
	require.NoError(t, err)
	return svc, rec
}

func request(raw string) TargetRequest {
	return TargetRequest{RequestID: "req-1", RawURL: raw, RequestingHost: "proxy.test", Scheme: "https"}
}

func okRenderer(resolved string) Renderer {
	return renderFunc(func(context.Context, string) (render.Outcome, error) {
		return render.Outcome{Markup: page, ResolvedURL: resolved}, nil
	})
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	_, err = New(Deps{Guard: guard.New(guard.DefaultPolicy())})
	require.Error(t, err)
	_, err = New(Deps{Guard: guard.New(guard.DefaultPolicy()), Renderer: okRenderer("https://a.test")})
	require.Error(t, err)
}

func TestHandleSuccess(t *testing.T) {
	var rendered string
	svc, rec := newService(t, renderFunc(func(_ context.Context, raw string) (render.Outcome, error) {
		rendered = raw
		return render.Outcome{Markup: page, ResolvedURL: "https://www.site.example/dir/"}, nil
	}))

	res := svc.Handle(context.Background(), request("  https://site.example/dir  "))
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, events.StateOK, res.State)
	require.Equal(t, "text/html; charset=utf-8", res.ContentType)
	require.Equal(t, "https://site.example/dir", rendered)

	require.Contains(t, res.Body, `<base href="https://www.site.example/dir/"/>`)
	require.Contains(t, res.Body, `href="https://proxy.test/fetch?url=https%3A%2F%2Fwww.site.example%2Fdir%2Fnext"`)
	require.Contains(t, res.Body, `data-original-url="https://www.site.example/dir/next"`)
	require.NotContains(t, res.Body, "app.js")

	evts := rec.All()
	require.Len(t, evts, 1)
	require.Equal(t, events.StateOK, evts[0].State)
	require.Equal(t, "req-1", evts[0].RequestID)
	require.Equal(t, int64(len(res.Body)), evts[0].Bytes)
	require.Equal(t, "site.example", evts[0].Site)
	require.NoError(t, evts[0].Validate())
}

func TestHandleMissingURL(t *testing.T) {
	svc, rec := newService(t, okRenderer("https://a.test"))

	res := svc.Handle(context.Background(), request("   "))
	require.Equal(t, http.StatusBadRequest, res.Status)
	require.Equal(t, "url required", res.Body)
	require.Equal(t, events.StateRejectedInput, res.State)
	require.Len(t, rec.All(), 1)
}

func TestHandlePrecheckRejection(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	called := false
	svc, rec := newService(t, renderFunc(func(context.Context, string) (render.Outcome, error) {
		called = true
		return render.Outcome{}, nil
	}), func(d *Deps) { d.Logger = zap.New(core) })

	for _, target := range []string{"http://127.0.0.1/admin", "http://intranet.local/", "not a url", "file:///etc/passwd"} {
		res := svc.Handle(context.Background(), request(target))
		require.Equal(t, http.StatusForbidden, res.Status, target)
		require.Equal(t, "forbidden", res.Body)
		require.Equal(t, events.StateRejectedInput, res.State)
	}
	require.False(t, called)

	evts := rec.All()
	require.Len(t, evts, 4)
	for _, evt := range evts {
		require.True(t, evt.Rejection)
		require.NotEmpty(t, evt.Note)
	}

	audited := logs.FilterMessage("target rejected").All()
	require.Len(t, audited, 4)
	require.Equal(t, true, audited[0].ContextMap()["audit"])
	require.Equal(t, "pre", audited[0].ContextMap()["stage"])
}

func TestHandleResolvedURLBlocked(t *testing.T) {
	svc, rec := newService(t, renderFunc(func(context.Context, string) (render.Outcome, error) {
		return render.Outcome{ResolvedURL: "http://10.0.0.7/internal"},
			fmt.Errorf("%w: private address", render.ErrResolvedURLBlocked)
	}))

	res := svc.Handle(context.Background(), request("https://redirector.example/"))
	require.Equal(t, http.StatusForbidden, res.Status)
	require.Equal(t, "Forbidden: resolved url blocked", res.Body)
	require.Equal(t, events.StateRejectedResolved, res.State)
	require.NotContains(t, res.Body, "10.0.0.7")

	evts := rec.All()
	require.Len(t, evts, 1)
	require.True(t, evts[0].Rejection)
	require.Equal(t, "http://10.0.0.7/internal", evts[0].URL)
}

func TestHandleOverloaded(t *testing.T) {
	svc, _ := newService(t, renderFunc(func(context.Context, string) (render.Outcome, error) {
		return render.Outcome{}, render.ErrQueueFull
	}))

	res := svc.Handle(context.Background(), request("https://example.com/"))
	require.Equal(t, http.StatusServiceUnavailable, res.Status)
	require.Equal(t, events.StateOverloaded, res.State)
}

func TestHandleRenderFailure(t *testing.T) {
	svc, rec := newService(t, renderFunc(func(context.Context, string) (render.Outcome, error) {
		return render.Outcome{}, fmt.Errorf("%w: net::ERR_NAME_NOT_RESOLVED", render.ErrNavigationFailed)
	}))

	res := svc.Handle(context.Background(), request("https://nowhere.example/"))
	require.Equal(t, http.StatusBadGateway, res.Status)
	require.Equal(t, events.StateRenderFailed, res.State)
	require.True(t, strings.HasPrefix(res.Body, "Failed to render page: "))
	require.Contains(t, res.Body, "ERR_NAME_NOT_RESOLVED")
	require.Equal(t, "text/plain; charset=utf-8", res.ContentType)
	require.False(t, rec.All()[0].Rejection)
}

func TestHandleRewriteFailure(t *testing.T) {
	svc, _ := newService(t, okRenderer("about:blank"))

	res := svc.Handle(context.Background(), request("https://example.com/"))
	require.Equal(t, http.StatusBadGateway, res.Status)
	require.Equal(t, events.StateRenderFailed, res.State)
}

func TestHandleArchivesRawDocument(t *testing.T) {
	store := memory.NewBlobStore()
	arch, err := archive.New(store, "raw")
	require.NoError(t, err)
	svc, _ := newService(t, okRenderer("https://example.com/landing"), func(d *Deps) { d.Archiver = arch })

	res := svc.Handle(context.Background(), request("https://example.com/"))
	require.Equal(t, http.StatusOK, res.Status)
	require.NoError(t, svc.Wait(context.Background()))

	paths := store.Paths()
	require.Len(t, paths, 1)
	body, ok := store.Get(paths[0])
	require.True(t, ok)
	require.Equal(t, page, string(body))
}

type failingArchiver struct{}

func (failingArchiver) Save(context.Context, archive.Snapshot) (string, error) {
	return "", errors.New("disk full")
}

func TestHandleIgnoresArchiveFailure(t *testing.T) {
	svc, _ := newService(t, okRenderer("https://example.com/"), func(d *Deps) { d.Archiver = failingArchiver{} })

	res := svc.Handle(context.Background(), request("https://example.com/"))
	require.Equal(t, http.StatusOK, res.Status)
	require.NoError(t, svc.Wait(context.Background()))
}

func TestTargetRequestOrigin(t *testing.T) {
	require.Equal(t, "https://proxy.test", request("x").Origin())
	require.Equal(t, "http://localhost:8080", TargetRequest{RequestingHost: "localhost:8080"}.Origin())
}

// End-to-end through the session manager with a scripted engine.

type scriptedEngine struct {
	mu       sync.Mutex
	open     int
	resolved string
	hang     bool
}

func (e *scriptedEngine) Launch(context.Context) (render.Browser, error) { return e, nil }
func (e *scriptedEngine) Close() error                                   { return nil }

func (e *scriptedEngine) NewTab(context.Context) (render.Tab, error) {
	e.mu.Lock()
	e.open++
	e.mu.Unlock()
	return &scriptedTab{engine: e}, nil
}

func (e *scriptedEngine) Open() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

type scriptedTab struct {
	engine *scriptedEngine
	once   sync.Once
}

func (t *scriptedTab) Navigate(ctx context.Context, _ string) error {
	if t.engine.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (t *scriptedTab) Location(context.Context) (string, error) { return t.engine.resolved, nil }
func (t *scriptedTab) Document(context.Context) (string, error) { return page, nil }

func (t *scriptedTab) Close() error {
	t.once.Do(func() {
		t.engine.mu.Lock()
		t.engine.open--
		t.engine.mu.Unlock()
	})
	return nil
}

func newManager(t *testing.T, engine *scriptedEngine, navTimeout time.Duration) *render.Manager {
	t.Helper()
	m, err := render.NewManager(render.Config{MaxParallel: 1, NavTimeout: navTimeout}, engine, guard.New(guard.DefaultPolicy()), nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestRedirectToBlockedTargetIsForbidden(t *testing.T) {
	engine := &scriptedEngine{resolved: "http://169.254.169.254/latest/meta-data"}
	svc, _ := newService(t, newManager(t, engine, time.Second))

	res := svc.Handle(context.Background(), request("https://public.example/redirect"))
	require.Equal(t, http.StatusForbidden, res.Status)
	require.Equal(t, events.StateRejectedResolved, res.State)
	require.NotContains(t, res.Body, "169.254")
	require.Zero(t, engine.Open())
}

func TestNavigationTimeoutIsBadGateway(t *testing.T) {
	engine := &scriptedEngine{resolved: "https://slow.example/", hang: true}
	svc, _ := newService(t, newManager(t, engine, 30*time.Millisecond))

	res := svc.Handle(context.Background(), request("https://slow.example/"))
	require.Equal(t, http.StatusBadGateway, res.Status)
	require.Equal(t, events.StateRenderFailed, res.State)
	require.Zero(t, engine.Open())
}

func TestHandleRecordsSpan(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	svc, _ := newService(t, renderFunc(func(context.Context, string) (render.Outcome, error) {
		return render.Outcome{}, errors.New("navigation failed")
	}))
	res := svc.Handle(context.Background(), request("https://site.example/"))
	require.Equal(t, http.StatusBadGateway, res.Status)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "proxy.handle", ended[0].Name())
	require.Equal(t, codes.Error, ended[0].Status().Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	require.Equal(t, "RENDER_FAILED", attrs["proxy.state"].AsString())
	require.Equal(t, int64(http.StatusBadGateway), attrs["http.status_code"].AsInt64())
	require.Equal(t, "req-1", attrs["request.id"].AsString())
}
