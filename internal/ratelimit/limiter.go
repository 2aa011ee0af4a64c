// Package ratelimit bounds inbound requests per client address with token
// buckets.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/render-proxy/internal/metrics"
)

// Config holds limiter settings. RequestsPerMinute <= 0 disables limiting.
type Config struct {
	RequestsPerMinute int
	Burst             int
	// MaxClients caps how many client buckets are tracked at once.
	MaxClients int
	// IdleTTL drops a client's bucket after this long without requests.
	IdleTTL time.Duration
}

const (
	defaultMaxClients = 10000
	defaultIdleTTL    = 10 * time.Minute
)

// Limiter hands out a token bucket per client key.
type Limiter struct {
	mu      sync.Mutex
	clients *expirable.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(cfg.RequestsPerMinute, 1)
	}
	size := cfg.MaxClients
	if size <= 0 {
		size = defaultMaxClients
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	return &Limiter{
		clients: expirable.NewLRU[string, *rate.Limiter](size, nil, ttl),
		limit:   limit,
		burst:   burst,
	}
}

// Allow reports whether key may proceed now, and if not how long until it may.
func (l *Limiter) Allow(key string, now time.Time) (bool, time.Duration) {
	if l.limit == rate.Inf {
		return true, 0
	}
	l.mu.Lock()
	bucket, ok := l.clients.Get(key)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-adding refreshes the idle TTL.
	l.clients.Add(key, bucket)
	l.mu.Unlock()

	r := bucket.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Middleware rejects over-limit clients with 429 and a Retry-After header.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry := l.Allow(ClientKey(r), time.Now())
		if !ok {
			metrics.ObserveRateLimited()
			secs := int(retry.Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller by remote IP.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
