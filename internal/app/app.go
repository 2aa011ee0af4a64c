// Package app builds the long-lived services of the render proxy from
// configuration and tears them down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/api"
	"github.com/JakeFAU/render-proxy/internal/archive"
	"github.com/JakeFAU/render-proxy/internal/archive/gcs"
	"github.com/JakeFAU/render-proxy/internal/archive/local"
	"github.com/JakeFAU/render-proxy/internal/archive/memory"
	"github.com/JakeFAU/render-proxy/internal/cache"
	"github.com/JakeFAU/render-proxy/internal/clock/system"
	"github.com/JakeFAU/render-proxy/internal/config"
	"github.com/JakeFAU/render-proxy/internal/events"
	"github.com/JakeFAU/render-proxy/internal/events/audit"
	"github.com/JakeFAU/render-proxy/internal/events/publisher"
	"github.com/JakeFAU/render-proxy/internal/events/sinks"
	"github.com/JakeFAU/render-proxy/internal/guard"
	"github.com/JakeFAU/render-proxy/internal/logging"
	"github.com/JakeFAU/render-proxy/internal/proxy"
	"github.com/JakeFAU/render-proxy/internal/ratelimit"
	"github.com/JakeFAU/render-proxy/internal/render"
	"github.com/JakeFAU/render-proxy/internal/render/cdpengine"
	"github.com/JakeFAU/render-proxy/internal/render/rodengine"
	"github.com/JakeFAU/render-proxy/internal/rewrite"
	"github.com/JakeFAU/render-proxy/internal/telemetry"
)

// App holds the services shared by the CLI commands.
type App struct {
	Logger   *zap.Logger
	Guard    *guard.Guard
	Manager  *render.Manager
	Rewriter *rewrite.Rewriter
	Proxy    *proxy.Service
	Hub      *events.Hub
	Server   *api.Server

	closers     []func() error
	stopTracing telemetry.Shutdown
}

// New wires every service described by cfg. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	logger = logging.OrNop(logger)
	a := &App{Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if a.stopTracing, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	if a.Guard, err = NewGuard(cfg); err != nil {
		return nil, err
	}

	a.Manager, err = render.NewManager(render.Config{
		MaxParallel:       cfg.Render.MaxParallel,
		QueueDepth:        cfg.Render.QueueDepth,
		QueueTimeout:      cfg.QueueTimeout(),
		NavTimeout:        cfg.NavTimeout(),
		PerRequestBrowser: cfg.Render.BrowserMode == config.BrowserModePerRequest,
	}, NewLauncher(cfg), a.Guard, logger)
	if err != nil {
		return nil, fmt.Errorf("init render manager: %w", err)
	}

	var renderer proxy.Renderer = a.Manager
	if cfg.Cache.Enabled {
		renderer = cache.New(a.Manager, cfg.Cache.Size, cfg.CacheTTL())
	}

	a.Rewriter = NewRewriter(cfg, a.Guard)

	archiver, err := a.buildArchiver(ctx, cfg)
	if err != nil {
		return nil, err
	}

	eventSinks, err := a.buildSinks(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Hub = events.NewHub(events.Config{
		BufferSize:     cfg.Events.BufferSize,
		MaxBatchEvents: cfg.Events.MaxBatch,
		Logger:         logger,
	}, eventSinks...)

	deps := proxy.Deps{
		Guard:    a.Guard,
		Renderer: renderer,
		Rewriter: a.Rewriter,
		Events:   a.Hub,
		Logger:   logger,
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	if a.Proxy, err = proxy.New(deps); err != nil {
		return nil, fmt.Errorf("init proxy: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})
	a.Server, err = api.NewServer(api.Options{
		Proxy:               a.Proxy,
		Limit:               limiter.Middleware,
		Checks:              map[string]api.ReadyChecker{"render": a.Manager},
		StaticDir:           cfg.Static.Dir,
		APIKey:              apiKey,
		TrustForwardedProto: cfg.Server.TrustForwardedProto,
		RequestTimeout:      cfg.RequestTimeout(),
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init api server: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("engine", cfg.Render.Engine),
		zap.String("browser_mode", cfg.Render.BrowserMode),
		zap.Int("max_parallel", cfg.Render.MaxParallel),
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.String("archive", cfg.Archive.Backend),
		zap.Int("event_sinks", len(eventSinks)),
		zap.Bool("tracing", cfg.Tracing.Enabled),
	)
	return a, nil
}

// NewGuard builds the URL guard from the configured policy extensions.
func NewGuard(cfg config.Config) (*guard.Guard, error) {
	policy, err := guard.Extend(cfg.Guard.BlockedCIDRs, cfg.Guard.BlockedHosts, cfg.Guard.BlockedSuffixes)
	if err != nil {
		return nil, fmt.Errorf("init guard: %w", err)
	}
	var opts []guard.Option
	if cfg.Guard.ResolveHosts {
		opts = append(opts, guard.WithResolver(net.DefaultResolver))
	}
	return guard.New(policy, opts...), nil
}

// NewLauncher returns the configured engine adapter.
func NewLauncher(cfg config.Config) render.Launcher {
	if cfg.Render.Engine == config.EngineRod {
		return rodengine.New(rodengine.Config{
			ExecPath:        cfg.Render.ExecPath,
			UserAgent:       cfg.Render.UserAgent,
			IdleConnections: cfg.Render.IdleConnections,
			IdleWindow:      cfg.IdleWindow(),
			Clock:           system.New(),
		})
	}
	return cdpengine.New(cdpengine.Config{
		ExecPath:        cfg.Render.ExecPath,
		UserAgent:       cfg.Render.UserAgent,
		IdleConnections: cfg.Render.IdleConnections,
		IdleWindow:      cfg.IdleWindow(),
		Clock:           system.New(),
	})
}

// NewRewriter builds the markup rewriter.
func NewRewriter(cfg config.Config, g *guard.Guard) *rewrite.Rewriter {
	return rewrite.New(rewrite.Options{
		ScriptPolicy:      rewrite.ScriptPolicy(cfg.Rewrite.ScriptPolicy),
		TrackerSignatures: cfg.Rewrite.TrackerSignatures,
		TargetOrigin:      cfg.Rewrite.InterceptorTargetOrigin,
		Guard:             g,
	})
}

func (a *App) buildArchiver(ctx context.Context, cfg config.Config) (*archive.Archiver, error) {
	var store archive.BlobStore
	switch cfg.Archive.Backend {
	case "", config.ArchiveNone:
		return nil, nil
	case config.ArchiveMemory:
		store = memory.NewBlobStore()
	case config.ArchiveLocal:
		s, err := local.New(local.Config{BaseDir: cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		store = s
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := gcs.New(client, gcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		if err := s.CheckBucket(ctx); err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("archive backend %q is not supported", cfg.Archive.Backend)
	}
	arch, err := archive.New(store, cfg.Archive.Prefix)
	if err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}
	return arch, nil
}

func (a *App) buildSinks(ctx context.Context, cfg config.Config) ([]events.Sink, error) {
	var out []events.Sink
	if cfg.Events.Log {
		out = append(out, sinks.NewLogSink(a.Logger.Named("events")))
	}
	if cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		sink, err := publisher.NewSink(publisher.NewPubSub(client), cfg.PubSub.TopicName, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("init publisher sink: %w", err)
		}
		out = append(out, sink)
	}
	if cfg.DB.DSN != "" {
		sink, err := audit.New(ctx, audit.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.AuditTable,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init audit sink: %w", err)
		}
		out = append(out, sink)
	}
	return out, nil
}

// Close stops new renders, waits for in-flight archive writes, flushes the
// event hub, closes external clients and flushes pending spans.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Manager != nil {
		a.Manager.Close()
	}
	if a.Proxy != nil {
		if err := a.Proxy.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		a.stopTracing = nil
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
