package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/id/uuid"
	"github.com/JakeFAU/render-proxy/internal/logging"
	"github.com/JakeFAU/render-proxy/internal/metrics"
	"github.com/JakeFAU/render-proxy/internal/proxy"
	"github.com/JakeFAU/render-proxy/internal/telemetry"
)

// Handler runs one proxied fetch. *proxy.Service satisfies it.
type Handler interface {
	Handle(ctx context.Context, req proxy.TargetRequest) proxy.Result
}

// ReadyChecker reports whether a dependency can take traffic.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadyChecker.
type ReadyFunc func(ctx context.Context) error

// Ready implements ReadyChecker.
func (f ReadyFunc) Ready(ctx context.Context) error { return f(ctx) }

// Options configure a Server.
type Options struct {
	Proxy Handler
	// Limit wraps the fetch and static routes, typically a per-client rate
	// limiter. Nil disables it.
	Limit func(http.Handler) http.Handler
	// Checks are consulted by /readyz, keyed by name.
	Checks              map[string]ReadyChecker
	StaticDir           string
	APIKey              string
	TrustForwardedProto bool
	RequestTimeout      time.Duration
	Logger              *zap.Logger
}

// Server wires HTTP routes to the proxy orchestrator.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Proxy == nil {
		return nil, fmt.Errorf("proxy handler is required")
	}
	s := &Server{opts: opts, logger: logging.OrNop(opts.Logger).Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if opts.Limit != nil {
			r.Use(opts.Limit)
		}
		r.Group(func(r chi.Router) {
			if opts.APIKey != "" {
				r.Use(apiKeyMiddleware(opts.APIKey))
			}
			if opts.RequestTimeout > 0 {
				r.Use(timeoutMiddleware(opts.RequestTimeout))
			}
			r.Get("/fetch", s.fetch)
		})
		if dir := strings.TrimSpace(opts.StaticDir); dir != "" {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				r.Handle("/*", http.FileServer(http.Dir(dir)))
			} else {
				s.logger.Info("static directory unavailable, not serving assets", zap.String("dir", dir))
			}
		}
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	req := proxy.TargetRequest{
		RequestID:      RequestID(r.Context()),
		RawURL:         r.URL.Query().Get("url"),
		RequestingHost: r.Host,
		Scheme:         s.scheme(r),
	}
	res := s.opts.Proxy.Handle(r.Context(), req)

	w.Header().Set("Content-Type", res.ContentType)
	if res.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(res.Status)
	if _, err := w.Write([]byte(res.Body)); err != nil {
		s.logger.Debug("write fetch response failed", zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

// scheme reports how the client reached the proxy.
func (s *Server) scheme(r *http.Request) string {
	if s.opts.TrustForwardedProto {
		proto := strings.ToLower(strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]))
		if proto == "http" || proto == "https" {
			return proto
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range s.opts.Checks {
		if err := check.Ready(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the ID assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestIDMiddleware keeps a caller-supplied UUID, otherwise mints one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, ok := uuid.Canonical(r.Header.Get("X-Request-ID"))
		if !ok {
			reqID = uuid.NewID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
						zap.Stack("stack"),
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}
