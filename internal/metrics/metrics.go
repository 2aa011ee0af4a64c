// Package metrics exposes Prometheus collectors for the render proxy.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	proxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderproxy_requests_total",
			Help: "Total number of proxy requests, labeled by terminal state.",
		},
		[]string{"state"},
	)

	renderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renderproxy_render_duration_seconds",
			Help:    "Histogram of render session durations, labeled by result.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"result"},
	)

	renderActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderproxy_render_active_sessions",
			Help: "Number of render sessions currently holding a slot.",
		},
	)

	renderQueueWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderproxy_render_queue_waiting",
			Help: "Number of requests waiting for a render slot.",
		},
	)

	engineLaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderproxy_engine_launches_total",
			Help: "Total number of engine instance launches, labeled by result.",
		},
		[]string{"result"},
	)

	guardRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderproxy_guard_rejections_total",
			Help: "Total number of URLs blocked by the guard, labeled by stage.",
		},
		[]string{"stage"},
	)

	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderproxy_rate_limited_total",
			Help: "Total number of requests rejected by the per-client rate limiter.",
		},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderproxy_cache_lookups_total",
			Help: "Total number of render cache lookups, labeled by result.",
		},
		[]string{"result"},
	)

	archiveWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderproxy_archive_writes_total",
			Help: "Total number of snapshot archive writes, labeled by result.",
		},
		[]string{"result"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "renderproxy_events_dropped_total",
			Help: "Total number of lifecycle events dropped due to backpressure.",
		},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRequest counts a proxy request reaching a terminal state.
func ObserveRequest(state string) {
	proxyRequestsTotal.WithLabelValues(state).Inc()
}

// ObserveRender records the duration of one render session.
func ObserveRender(result string, duration time.Duration) {
	renderDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// IncActiveRenders increments the active render sessions gauge.
func IncActiveRenders() {
	renderActiveSessions.Inc()
}

// DecActiveRenders decrements the active render sessions gauge.
func DecActiveRenders() {
	renderActiveSessions.Dec()
}

// SetQueueWaiting reports the number of requests waiting for a slot.
func SetQueueWaiting(n int64) {
	renderQueueWaiting.Set(float64(n))
}

// ObserveEngineLaunch counts engine instance launches.
func ObserveEngineLaunch(err error) {
	engineLaunchesTotal.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveGuardRejection counts a blocked URL at the given pipeline stage.
func ObserveGuardRejection(stage string) {
	guardRejectionsTotal.WithLabelValues(stage).Inc()
}

// ObserveRateLimited counts a request rejected by the rate limiter.
func ObserveRateLimited() {
	rateLimitedTotal.Inc()
}

// ObserveCacheLookup counts a render cache hit or miss.
func ObserveCacheLookup(hit bool) {
	if hit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()
}

// ObserveArchiveWrite counts a snapshot archive write.
func ObserveArchiveWrite(err error) {
	archiveWritesTotal.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveEventsDropped adds dropped lifecycle events.
func ObserveEventsDropped(n int64) {
	if n > 0 {
		eventsDroppedTotal.Add(float64(n))
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
