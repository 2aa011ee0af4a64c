// Package config loads and validates render proxy configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine names accepted by render.engine.
const (
	EngineChromedp = "chromedp"
	EngineRod      = "rod"
)

// Browser modes accepted by render.browser_mode.
const (
	BrowserModeShared     = "shared"
	BrowserModePerRequest = "per_request"
)

// Script policies accepted by rewrite.script_policy.
const (
	ScriptPolicyStripAll      = "strip_all"
	ScriptPolicyStripTrackers = "strip_trackers"
)

// Archive backends accepted by archive.backend.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Render    RenderConfig    `mapstructure:"render"`
	Rewrite   RewriteConfig   `mapstructure:"rewrite"`
	Guard     GuardConfig     `mapstructure:"guard"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Static    StaticConfig    `mapstructure:"static"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	DB        DBConfig        `mapstructure:"db"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int  `mapstructure:"port"`
	TrustForwardedProto    bool `mapstructure:"trust_forwarded_proto"`
	ShutdownTimeoutSeconds int  `mapstructure:"shutdown_timeout_seconds"`
	RequestTimeoutSeconds  int  `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RenderConfig configures the render session manager and engine adapters.
type RenderConfig struct {
	Engine              string `mapstructure:"engine"`
	BrowserMode         string `mapstructure:"browser_mode"`
	MaxParallel         int    `mapstructure:"max_parallel"`
	QueueDepth          int    `mapstructure:"queue_depth"`
	QueueTimeoutSeconds int    `mapstructure:"queue_timeout_seconds"`
	NavTimeoutSeconds   int    `mapstructure:"nav_timeout_seconds"`
	ExecPath            string `mapstructure:"exec_path"`
	UserAgent           string `mapstructure:"user_agent"`
	IdleConnections     int    `mapstructure:"idle_connections"`
	IdleWindowMs        int    `mapstructure:"idle_window_ms"`
}

// RewriteConfig configures the markup rewriter.
type RewriteConfig struct {
	ScriptPolicy            string   `mapstructure:"script_policy"`
	TrackerSignatures       []string `mapstructure:"tracker_signatures"`
	InterceptorTargetOrigin string   `mapstructure:"interceptor_target_origin"`
}

// GuardConfig extends the built-in SSRF policy table.
type GuardConfig struct {
	BlockedCIDRs    []string `mapstructure:"blocked_cidrs"`
	BlockedSuffixes []string `mapstructure:"blocked_suffixes"`
	BlockedHosts    []string `mapstructure:"blocked_hosts"`
	ResolveHosts    bool     `mapstructure:"resolve_hosts"`
}

// RateLimitConfig bounds inbound requests per client address.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// StaticConfig points at the public asset directory.
type StaticConfig struct {
	Dir string `mapstructure:"dir"`
}

// CacheConfig controls the render outcome cache.
type CacheConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Size       int  `mapstructure:"size"`
	TTLSeconds int  `mapstructure:"ttl_seconds"`
}

// ArchiveConfig sets where rendered snapshots are persisted.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// EventsConfig controls the lifecycle event hub.
type EventsConfig struct {
	Log        bool `mapstructure:"log"`
	BufferSize int  `mapstructure:"buffer_size"`
	MaxBatch   int  `mapstructure:"max_batch"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls access to the audit database.
type DBConfig struct {
	DSN        string `mapstructure:"dsn"`
	AuditTable string `mapstructure:"audit_table"`
	MaxConns   int32  `mapstructure:"max_conns"`
}

// TracingConfig controls OpenTelemetry tracing. ProjectID enables export to
// Google Cloud Trace.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RENDERPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Hosting platforms inject PORT; it wins over file and prefixed env values.
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultTrackerSignatures lists hostnames and keywords of common analytics,
// advertising, and tag-manager scripts.
var DefaultTrackerSignatures = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"googlesyndication.com",
	"doubleclick.net",
	"connect.facebook.net",
	"fbevents",
	"hotjar.com",
	"segment.com/analytics",
	"cdn.segment.com",
	"mixpanel",
	"amplitude",
	"clarity.ms",
	"scorecardresearch.com",
	"adservice.google",
	"gtag(",
	"ga(",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.trust_forwarded_proto", false)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.request_timeout_seconds", 90)
	v.SetDefault("logging.development", true)
	v.SetDefault("render.engine", EngineChromedp)
	v.SetDefault("render.browser_mode", BrowserModeShared)
	v.SetDefault("render.max_parallel", 1)
	v.SetDefault("render.queue_depth", 16)
	v.SetDefault("render.queue_timeout_seconds", 30)
	v.SetDefault("render.nav_timeout_seconds", 30)
	v.SetDefault("render.idle_connections", 2)
	v.SetDefault("render.idle_window_ms", 500)
	v.SetDefault("rewrite.script_policy", ScriptPolicyStripAll)
	v.SetDefault("rewrite.tracker_signatures", DefaultTrackerSignatures)
	v.SetDefault("guard.resolve_hosts", false)
	v.SetDefault("ratelimit.requests_per_minute", 60)
	v.SetDefault("ratelimit.burst", 60)
	v.SetDefault("static.dir", "public")
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.size", 128)
	v.SetDefault("cache.ttl_seconds", 60)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("events.log", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch", 100)
	v.SetDefault("db.audit_table", "security_rejections")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "render-proxy")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Render.Engine {
	case EngineChromedp, EngineRod:
	default:
		return fmt.Errorf("render.engine must be %q or %q", EngineChromedp, EngineRod)
	}
	switch c.Render.BrowserMode {
	case BrowserModeShared, BrowserModePerRequest:
	default:
		return fmt.Errorf("render.browser_mode must be %q or %q", BrowserModeShared, BrowserModePerRequest)
	}
	if c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0")
	}
	if c.Render.QueueDepth < 0 {
		return fmt.Errorf("render.queue_depth must be >= 0")
	}
	if c.Render.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("render.nav_timeout_seconds must be > 0")
	}
	// A request must outlive its queue wait plus navigation, or the render
	// error is lost to a bare deadline.
	if budget := c.Render.QueueTimeoutSeconds + c.Render.NavTimeoutSeconds; c.Server.RequestTimeoutSeconds > 0 && c.Server.RequestTimeoutSeconds <= budget {
		return fmt.Errorf("server.request_timeout_seconds must exceed render.queue_timeout_seconds + render.nav_timeout_seconds (%d)", budget)
	}
	switch c.Rewrite.ScriptPolicy {
	case ScriptPolicyStripAll, ScriptPolicyStripTrackers:
	default:
		return fmt.Errorf("rewrite.script_policy must be %q or %q", ScriptPolicyStripAll, ScriptPolicyStripTrackers)
	}
	if strings.TrimSpace(c.Rewrite.InterceptorTargetOrigin) == "*" {
		return fmt.Errorf("rewrite.interceptor_target_origin must name an origin, not a wildcard")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Cache.Enabled && c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be > 0 when the cache is enabled")
	}
	switch c.Archive.Backend {
	case "", ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// NavTimeout returns the hard per-render navigation budget.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Render.NavTimeoutSeconds) * time.Second
}

// QueueTimeout returns how long a request may wait for a render slot.
func (c Config) QueueTimeout() time.Duration {
	return time.Duration(c.Render.QueueTimeoutSeconds) * time.Second
}

// IdleWindow returns the quiet period used to judge network idleness.
func (c Config) IdleWindow() time.Duration {
	return time.Duration(c.Render.IdleWindowMs) * time.Millisecond
}

// RequestTimeout bounds a whole inbound request, queueing included.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// CacheTTL returns the render cache entry lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
