package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const kindRateLimited = "RateLimited"

// Limiter decides whether one more request under key fits the window.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) bool
}

// =============================================================================
// IN-PROCESS LIMITER
// =============================================================================

// MemoryLimiter is a fixed-window counter per key. It only limits within
// one process; use RedisLimiter when several servers share the traffic.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	Now     func() time.Time
}

type rateBucket struct {
	count     int
	windowEnd time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*rateBucket), Now: time.Now}
}

func (l *MemoryLimiter) Allow(key string, limit int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	bucket, ok := l.buckets[key]
	if !ok || now.After(bucket.windowEnd) {
		l.buckets[key] = &rateBucket{count: 1, windowEnd: now.Add(window)}
		return true
	}
	if bucket.count >= limit {
		return false
	}
	bucket.count++
	return true
}

// =============================================================================
// REDIS LIMITER
// =============================================================================

const rateLimitScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if current > tonumber(ARGV[2]) then
  return 0
end
return 1
`

// RedisLimiter shares the window across servers. It fails open: a Redis
// outage lets traffic through and logs.
type RedisLimiter struct {
	client *redis.Client
	script *redis.Script
	prefix string
	logger zerolog.Logger
}

func NewRedisLimiter(client *redis.Client, logger zerolog.Logger) *RedisLimiter {
	if client == nil {
		return nil
	}
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(rateLimitScript),
		prefix: "ratelimit:",
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

func (l *RedisLimiter) Allow(key string, limit int, window time.Duration) bool {
	if l == nil || l.client == nil {
		return true
	}
	ttl := window.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	allowed, err := l.script.Run(ctx, l.client, []string{l.prefix + key}, ttl, limit).Int64()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing")
		return true
	}
	return allowed == 1
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// RateLimit limits each authenticated actor to limit requests per window.
// It must run after the auth middleware. A nil limiter or a non-positive
// limit disables it.
func RateLimit(limiter Limiter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := ActorFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow(a.String(), limit, window) {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: ErrorDTO{
					Kind:    kindRateLimited,
					Message: "too many requests",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
