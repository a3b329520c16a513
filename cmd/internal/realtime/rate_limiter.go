package realtime

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorTTL           = 10 * time.Minute
	visitorGCEvery       = 5000
	defaultHTTPRateBurst = 60
)

// newConnLimiter returns a token bucket that admits events per window with
// a burst of events, for one WebSocket connection.
func newConnLimiter(events int, window time.Duration) *rate.Limiter {
	if events <= 0 {
		events = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(events)), events)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter for the HTTP API.
//
// Buckets are created on demand. Idle buckets are evicted opportunistically
// every visitorGCEvery lookups. Safe for concurrent use.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

// NewRateLimiter admits events per window for each key, with a burst of
// events. Non-positive inputs select defaults.
func NewRateLimiter(events int, window time.Duration) *RateLimiter {
	if events <= 0 {
		events = defaultHTTPRateBurst
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		limit:    rate.Every(window / time.Duration(events)),
		burst:    events,
		ttl:      visitorTTL,
		visitors: make(map[string]*visitor),
	}
}

// Allow reports whether one event for key at now is permitted.
func (rl *RateLimiter) Allow(key string, now time.Time) bool {
	return rl.visitor(key, now).AllowN(now, 1)
}

func (rl *RateLimiter) visitor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// GC first so a stale bucket for key is replaced, not refreshed.
	rl.lookups++
	if rl.lookups >= visitorGCEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}

	lim := rate.NewLimiter(rl.limit, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Middleware rejects requests over the limit with 429, keyed by remote IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(remoteIP(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
