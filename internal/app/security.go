package app

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"asncorpu/internal/app/apiresp"
	"asncorpu/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const csrfCookieName = "asncorpu_csrf"
const csrfHeaderName = "X-CSRF-Token"

type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

type rateBucket struct {
	Count      int
	WindowEnds time.Time
}

// IPRateLimiter is a fixed-window limiter local to one process.
type IPRateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	store  map[string]rateBucket
	now    func() time.Time
}

func NewIPRateLimiter(max int, window time.Duration) *IPRateLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &IPRateLimiter{
		max:    max,
		window: window,
		store:  make(map[string]rateBucket),
		now:    time.Now,
	}
}

func (l *IPRateLimiter) Allow(_ context.Context, key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.store[key]
	if now.After(b.WindowEnds) {
		b = rateBucket{Count: 0, WindowEnds: now.Add(l.window)}
	}
	if b.Count >= l.max {
		l.store[key] = b
		return false
	}
	b.Count++
	l.store[key] = b
	return true
}

// RedisRateLimiter shares the fixed window across replicas. Redis errors
// fail open so a cache outage never locks institutions out of login.
type RedisRateLimiter struct {
	client *redis.Client
	max    int64
	window time.Duration
	prefix string
	log    *zap.Logger
}

func NewRedisRateLimiter(client *redis.Client, max int, window time.Duration, log *zap.Logger) *RedisRateLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{
		client: client,
		max:    int64(max),
		window: window,
		prefix: "asncorpu:ratelimit:",
		log:    logger.OrNop(log),
	}
}

// rateWindowScript counts a hit and arms the window expiry in one step. The
// TTL check re-arms keys left without one, so a counter can never outlive
// its window.
var rateWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	n, err := rateWindowScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64()
	if err != nil {
		l.log.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	return n <= l.max
}

// clientIP drops the source port so every connection from one host shares
// a bucket. Values without a port (set by RealIP) pass through.
func clientIP(remoteAddr string) string {
	addr := strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func RateLimitMiddleware(l Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r.RemoteAddr) + "|" + r.Method + "|" + r.URL.Path
			if !l.Allow(r.Context(), key) {
				apiresp.WriteError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func CSRFMiddleware(enforced bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enforced {
				next.ServeHTTP(w, r)
				return
			}
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			// Bearer clients do not carry ambient cookies.
			if strings.HasPrefix(strings.ToLower(r.Header.Get("Authorization")), "bearer ") {
				next.ServeHTTP(w, r)
				return
			}

			c, err := r.Cookie(csrfCookieName)
			if err != nil || strings.TrimSpace(c.Value) == "" {
				apiresp.WriteError(w, r, http.StatusForbidden, "csrf token missing")
				return
			}
			h := strings.TrimSpace(r.Header.Get(csrfHeaderName))
			if h == "" || h != c.Value {
				apiresp.WriteError(w, r, http.StatusForbidden, "csrf token invalid")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
