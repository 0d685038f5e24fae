// ratelimit.go provides Gin middleware that enforces per-client rate limits,
// returning 429 responses when the configured requests-per-minute threshold
// is exceeded. Limiter state lives in Redis when an address is configured so
// replicas share one budget; otherwise an in-process token bucket is used.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/cloudsync/cloudsync/internal/config"
)

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	// Stop releases limiter resources
	Stop()
}

// NewLimiter builds a limiter from configuration: Redis-backed when an
// address is set, in-process otherwise
func NewLimiter(cfg config.RateLimitingConfig) Limiter {
	if cfg.RedisAddr != "" {
		return NewRedisLimiter(cfg)
	}
	return NewMemoryLimiter(cfg)
}

// ---------------------------------------------------------------------------
// In-memory token bucket
// ---------------------------------------------------------------------------

type bucketEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// MemoryLimiter implements a per-key token bucket held in process memory.
// Suitable for single-replica deployments.
type MemoryLimiter struct {
	requestsPerMinute int
	burst             int
	entries           map[string]*bucketEntry
	mu                sync.Mutex
	stopCh            chan struct{}
	stopOnce          sync.Once
}

// NewMemoryLimiter creates an in-memory limiter and starts its cleanup loop
func NewMemoryLimiter(cfg config.RateLimitingConfig) *MemoryLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}

	ml := &MemoryLimiter{
		requestsPerMinute: cfg.RequestsPerMinute,
		burst:             burst,
		entries:           make(map[string]*bucketEntry),
		stopCh:            make(chan struct{}),
	}

	go ml.cleanup()

	return ml
}

// cleanup periodically drops buckets that have been idle long enough to be
// full again
func (ml *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ml.mu.Lock()
			now := time.Now()
			for key, entry := range ml.entries {
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(ml.entries, key)
				}
			}
			ml.mu.Unlock()
		case <-ml.stopCh:
			return
		}
	}
}

// Allow consumes one token for the key if available
func (ml *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	entry, exists := ml.entries[key]
	if !exists {
		ml.entries[key] = &bucketEntry{
			tokens:     float64(ml.burst) - 1,
			lastUpdate: now,
		}
		return Decision{Allowed: true, Remaining: ml.burst - 1}, nil
	}

	tokensPerSecond := float64(ml.requestsPerMinute) / 60.0
	entry.tokens = math.Min(float64(ml.burst), entry.tokens+now.Sub(entry.lastUpdate).Seconds()*tokensPerSecond)
	entry.lastUpdate = now

	if entry.tokens >= 1 {
		entry.tokens--
		return Decision{Allowed: true, Remaining: int(entry.tokens)}, nil
	}

	retryAfter := time.Duration((1 - entry.tokens) / tokensPerSecond * float64(time.Second))
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
}

// Stop stops the cleanup goroutine
func (ml *MemoryLimiter) Stop() {
	ml.stopOnce.Do(func() {
		close(ml.stopCh)
	})
}

// ---------------------------------------------------------------------------
// Redis-backed limiter
// ---------------------------------------------------------------------------

// RedisLimiter shares rate limit state across replicas using the GCRA
// implementation from redis_rate
type RedisLimiter struct {
	client  *redis.Client
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(cfg config.RateLimitingConfig) *RedisLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &RedisLimiter{
		client:  client,
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   cfg.RequestsPerMinute,
			Burst:  burst,
			Period: time.Minute,
		},
	}
}

// Allow consumes one request from the shared budget
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := rl.limiter.Allow(ctx, "ratelimit:"+key, rl.limit)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Stop closes the Redis connection
func (rl *RedisLimiter) Stop() {
	_ = rl.client.Close()
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// RateLimitMiddleware creates a Gin middleware that rate limits requests per
// client IP. A limiter backend error fails open: an unreachable Redis must
// not take the API down with it.
func RateLimitMiddleware(limiter Limiter, requestsPerMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rateLimitKey(c)

		decision, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(requestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// rateLimitKey identifies the client for limiting purposes
func rateLimitKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
