// Package proxy runs one inbound fetch through guard, render and rewrite and
// maps the outcome to an HTTP status.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/archive"
	"github.com/JakeFAU/render-proxy/internal/events"
	"github.com/JakeFAU/render-proxy/internal/logging"
	"github.com/JakeFAU/render-proxy/internal/metrics"
	"github.com/JakeFAU/render-proxy/internal/render"
	"github.com/JakeFAU/render-proxy/internal/telemetry"
)

// Response bodies. Rejections never echo the target.
const (
	msgURLRequired     = "url required"
	msgForbidden       = "forbidden"
	msgResolvedBlocked = "Forbidden: resolved url blocked"
	msgOverloaded      = "Service busy, retry later"
	msgRenderFailed    = "Failed to render page: "

	htmlContentType = "text/html; charset=utf-8"
	textContentType = "text/plain; charset=utf-8"
)

const defaultArchiveTimeout = 30 * time.Second

// TargetRequest is one inbound fetch.
type TargetRequest struct {
	RequestID      string
	RawURL         string
	RequestingHost string
	Scheme         string
}

// Origin is the proxy origin the client reached, scheme://host.
func (t TargetRequest) Origin() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + t.RequestingHost
}

// Result is what the HTTP layer writes back.
type Result struct {
	Status      int
	ContentType string
	Body        string
	State       events.State
}

// Renderer produces render outcomes. *render.Manager and *cache.Cache
// satisfy it.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (render.Outcome, error)
}

// Rewriter transforms rendered markup. *rewrite.Rewriter satisfies it.
type Rewriter interface {
	Rewrite(markup, baseURL, proxyOrigin string) (string, error)
}

// Archiver persists raw snapshots. *archive.Archiver satisfies it.
type Archiver interface {
	Save(ctx context.Context, snap archive.Snapshot) (string, error)
}

// Deps are the collaborators of a Service. Archiver and Events are optional.
type Deps struct {
	Guard          render.Classifier
	Renderer       Renderer
	Rewriter       Rewriter
	Archiver       Archiver
	Events         events.Emitter
	Logger         *zap.Logger
	ArchiveTimeout time.Duration
}

// Service orchestrates requests. It is safe for concurrent use.
type Service struct {
	guard          render.Classifier
	renderer       Renderer
	rewriter       Rewriter
	archiver       Archiver
	events         events.Emitter
	logger         *zap.Logger
	audit          *zap.Logger
	archiveTimeout time.Duration

	archiving sync.WaitGroup
}

// New validates deps and builds a Service.
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Guard == nil:
		return nil, fmt.Errorf("guard is required")
	case deps.Renderer == nil:
		return nil, fmt.Errorf("renderer is required")
	case deps.Rewriter == nil:
		return nil, fmt.Errorf("rewriter is required")
	}
	emitter := deps.Events
	if emitter == nil {
		emitter = events.Discard{}
	}
	timeout := deps.ArchiveTimeout
	if timeout <= 0 {
		timeout = defaultArchiveTimeout
	}
	logger := logging.OrNop(deps.Logger)
	return &Service{
		guard:          deps.Guard,
		renderer:       deps.Renderer,
		rewriter:       deps.Rewriter,
		archiver:       deps.Archiver,
		events:         emitter,
		logger:         logger.Named("proxy"),
		audit:          logging.Audit(logger),
		archiveTimeout: timeout,
	}, nil
}

// Handle runs req to a terminal state. Every call emits exactly one event.
func (s *Service) Handle(ctx context.Context, req TargetRequest) Result {
	start := time.Now()
	rawURL := strings.TrimSpace(req.RawURL)
	detail := events.Event{URL: rawURL, Site: metrics.SanitizeSite(rawURL)}

	ctx, span := telemetry.Tracer().Start(ctx, "proxy.handle")
	defer span.End()

	res := s.handle(ctx, req, rawURL, &detail)

	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("proxy.site", detail.Site),
		attribute.String("proxy.state", string(res.State)),
		attribute.Int("http.status_code", res.Status),
	)
	if res.Status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, detail.Note)
	}

	evt := events.New(req.RequestID, res.State)
	evt.URL = detail.URL
	evt.Site = detail.Site
	evt.Note = detail.Note
	evt.Rejection = detail.Rejection
	evt.Status = res.Status
	evt.Duration = time.Since(start)
	if res.Status == http.StatusOK {
		evt.Bytes = int64(len(res.Body))
	}
	s.events.Emit(evt)
	metrics.ObserveRequest(string(res.State))
	return res
}

func (s *Service) handle(ctx context.Context, req TargetRequest, rawURL string, evt *events.Event) Result {
	if rawURL == "" {
		return text(http.StatusBadRequest, msgURLRequired, events.StateRejectedInput)
	}

	if d := s.guard.CheckContext(ctx, rawURL); d.Blocked() {
		s.reject(req, "pre", rawURL, d.Reason, evt)
		return text(http.StatusForbidden, msgForbidden, events.StateRejectedInput)
	}

	out, err := s.renderer.Render(ctx, rawURL)
	switch {
	case errors.Is(err, render.ErrResolvedURLBlocked):
		s.reject(req, "post", out.ResolvedURL, err.Error(), evt)
		return text(http.StatusForbidden, msgResolvedBlocked, events.StateRejectedResolved)
	case errors.Is(err, render.ErrQueueFull):
		evt.Note = err.Error()
		s.logger.Warn("render queue full", zap.String("request_id", req.RequestID))
		return text(http.StatusServiceUnavailable, msgOverloaded, events.StateOverloaded)
	case err != nil:
		evt.Note = err.Error()
		s.logger.Warn("render failed",
			zap.String("request_id", req.RequestID),
			zap.String("url", rawURL),
			zap.Error(err),
		)
		return text(http.StatusBadGateway, msgRenderFailed+err.Error(), events.StateRenderFailed)
	}

	s.archive(ctx, req, rawURL, out)

	body, err := s.rewriter.Rewrite(out.Markup, out.ResolvedURL, req.Origin())
	if err != nil {
		evt.Note = err.Error()
		s.logger.Warn("rewrite failed", zap.String("request_id", req.RequestID), zap.Error(err))
		return text(http.StatusBadGateway, msgRenderFailed+err.Error(), events.StateRenderFailed)
	}
	s.logger.Debug("request served",
		zap.String("request_id", req.RequestID),
		zap.String("resolved_url", out.ResolvedURL),
		zap.Int("bytes", len(body)),
	)
	return Result{Status: http.StatusOK, ContentType: htmlContentType, Body: body, State: events.StateOK}
}

// reject audits a guard rejection. The reason stays server-side.
func (s *Service) reject(req TargetRequest, stage, target, reason string, evt *events.Event) {
	metrics.ObserveGuardRejection(stage)
	evt.Rejection = true
	evt.Note = reason
	if target != "" {
		evt.URL = target
		evt.Site = metrics.SanitizeSite(target)
	}
	s.audit.Warn("target rejected",
		zap.String("request_id", req.RequestID),
		zap.String("stage", stage),
		zap.String("url", target),
		zap.String("reason", reason),
	)
}

// archive stores the raw document in the background. Failures are logged.
func (s *Service) archive(ctx context.Context, req TargetRequest, rawURL string, out render.Outcome) {
	if s.archiver == nil {
		return
	}
	snap := archive.Snapshot{
		RequestID:    req.RequestID,
		RequestedURL: rawURL,
		ResolvedURL:  out.ResolvedURL,
		Markup:       out.Markup,
		CapturedAt:   time.Now().UTC(),
	}
	base := context.WithoutCancel(ctx)
	s.archiving.Add(1)
	go func() {
		defer s.archiving.Done()
		actx, cancel := context.WithTimeout(base, s.archiveTimeout)
		defer cancel()
		uri, err := s.archiver.Save(actx, snap)
		if err != nil {
			s.logger.Warn("archive snapshot failed", zap.String("request_id", snap.RequestID), zap.Error(err))
			return
		}
		s.logger.Debug("snapshot archived", zap.String("request_id", snap.RequestID), zap.String("uri", uri))
	}()
}

// Wait blocks until background archive writes finish or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.archiving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for archive writes: %w", ctx.Err())
	}
}

func text(status int, body string, state events.State) Result {
	return Result{Status: status, ContentType: textContentType, Body: body, State: state}
}
