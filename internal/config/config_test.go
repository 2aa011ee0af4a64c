package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  trust_forwarded_proto: true
auth:
  enabled: true
  api_key: secret
logging:
  development: false
render:
  engine: rod
  browser_mode: per_request
  max_parallel: 3
  queue_depth: 4
  nav_timeout_seconds: 12
  exec_path: /usr/bin/chromium
rewrite:
  script_policy: strip_trackers
  tracker_signatures: ["tracker.example"]
  interceptor_target_origin: https://host.example
guard:
  blocked_cidrs: ["100.100.0.0/16"]
  blocked_suffixes: ["corp"]
  resolve_hosts: true
cache:
  enabled: true
  size: 10
archive:
  backend: local
  base_dir: /tmp/snapshots
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Server.TrustForwardedProto {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Render.Engine != EngineRod || cfg.Render.BrowserMode != BrowserModePerRequest {
		t.Fatalf("expected render overrides, got %+v", cfg.Render)
	}
	if cfg.Render.MaxParallel != 3 || cfg.Render.QueueDepth != 4 {
		t.Fatalf("expected render limits to apply, got %+v", cfg.Render)
	}
	if got := cfg.NavTimeout(); got != 12*time.Second {
		t.Fatalf("expected nav timeout 12s, got %v", got)
	}
	if cfg.Rewrite.ScriptPolicy != ScriptPolicyStripTrackers || len(cfg.Rewrite.TrackerSignatures) != 1 {
		t.Fatalf("expected rewrite overrides, got %+v", cfg.Rewrite)
	}
	if len(cfg.Guard.BlockedCIDRs) != 1 || !cfg.Guard.ResolveHosts {
		t.Fatalf("expected guard overrides, got %+v", cfg.Guard)
	}
	if cfg.Archive.Backend != ArchiveLocal || cfg.Archive.BaseDir != "/tmp/snapshots" {
		t.Fatalf("expected archive overrides, got %+v", cfg.Archive)
	}
	// Defaults survive partial files.
	if cfg.Render.IdleConnections != 2 || cfg.IdleWindow() != 500*time.Millisecond {
		t.Fatalf("expected idle defaults, got %+v", cfg.Render)
	}
	if cfg.RateLimit.RequestsPerMinute != 60 {
		t.Fatalf("expected default rate limit, got %d", cfg.RateLimit.RequestsPerMinute)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Render.Engine != EngineChromedp || cfg.Render.BrowserMode != BrowserModeShared {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Render)
	}
	if cfg.Render.MaxParallel != 1 || cfg.NavTimeout() != 30*time.Second {
		t.Fatalf("unexpected render defaults: %+v", cfg.Render)
	}
	if got, budget := cfg.RequestTimeout(), cfg.QueueTimeout()+cfg.NavTimeout(); got != 90*time.Second || got <= budget {
		t.Fatalf("request timeout %v must exceed queue+nav %v", got, budget)
	}
	if cfg.Rewrite.ScriptPolicy != ScriptPolicyStripAll {
		t.Fatalf("expected strip_all by default, got %q", cfg.Rewrite.ScriptPolicy)
	}
	if len(cfg.Rewrite.TrackerSignatures) == 0 {
		t.Fatal("expected default tracker signatures")
	}
	if cfg.Tracing.Enabled || cfg.Tracing.ServiceName != "render-proxy" || cfg.Tracing.SampleRatio != 1 {
		t.Fatalf("unexpected tracing defaults: %+v", cfg.Tracing)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Render: RenderConfig{
			Engine:            EngineChromedp,
			BrowserMode:       BrowserModeShared,
			MaxParallel:       1,
			NavTimeoutSeconds: 30,
		},
		Rewrite: RewriteConfig{ScriptPolicy: ScriptPolicyStripAll},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown engine", func(c *Config) { c.Render.Engine = "webkit" }, "render.engine"},
		{"unknown browser mode", func(c *Config) { c.Render.BrowserMode = "pool" }, "render.browser_mode"},
		{"zero parallel", func(c *Config) { c.Render.MaxParallel = 0 }, "render.max_parallel"},
		{"negative queue", func(c *Config) { c.Render.QueueDepth = -1 }, "render.queue_depth"},
		{"zero nav timeout", func(c *Config) { c.Render.NavTimeoutSeconds = 0 }, "render.nav_timeout_seconds"},
		{"request timeout equals render budget", func(c *Config) {
			c.Render.QueueTimeoutSeconds = 30
			c.Server.RequestTimeoutSeconds = 60
		}, "server.request_timeout_seconds"},
		{"request timeout below nav timeout", func(c *Config) { c.Server.RequestTimeoutSeconds = 10 }, "server.request_timeout_seconds"},
		{"unknown script policy", func(c *Config) { c.Rewrite.ScriptPolicy = "keep" }, "rewrite.script_policy"},
		{"wildcard origin", func(c *Config) { c.Rewrite.InterceptorTargetOrigin = "*" }, "interceptor_target_origin"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"cache without size", func(c *Config) { c.Cache.Enabled = true }, "cache.size"},
		{"local archive without dir", func(c *Config) { c.Archive.Backend = ArchiveLocal }, "archive.base_dir"},
		{"gcs archive without bucket", func(c *Config) { c.Archive.Backend = ArchiveGCS }, "archive.gcs_bucket"},
		{"unknown archive", func(c *Config) { c.Archive.Backend = "s3" }, "archive.backend"},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "renders" }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadPortEnvOverride(t *testing.T) {
	t.Setenv("PORT", "3000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("expected PORT to override server.port, got %d", cfg.Server.Port)
	}
}
