// ratelimit.go provides Gin middleware that enforces per-client rate limits,
// returning 429 responses when the configured requests-per-minute threshold is
// exceeded. With a Redis address configured the limit is enforced across all
// instances via redis_rate's sliding window; without one, or when Redis is
// unreachable, each instance falls back to a local token bucket so the API is
// never left unprotected.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/contracthub/audit-engine/internal/config"
)

// rateLimitEntry tracks the local token bucket for a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter enforces per-key request limits
type RateLimiter struct {
	requestsPerMinute int
	burst             int

	rdb     *redis.Client
	limiter *redis_rate.Limiter

	entries map[string]*rateLimitEntry
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewRateLimiter creates a rate limiter from configuration. When redis_addr
// is set the limiter is distributed; the in-memory bucket remains as a
// fallback for Redis outages.
func NewRateLimiter(cfg config.RateLimitingConfig) *RateLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 120
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rpm
	}

	rl := &RateLimiter{
		requestsPerMinute: rpm,
		burst:             burst,
		entries:           make(map[string]*rateLimitEntry),
		stopCh:            make(chan struct{}),
	}

	if cfg.RedisAddr != "" {
		rl.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rl.limiter = redis_rate.NewLimiter(rl.rdb)
	}

	// Expired local entries are reaped periodically so the map does not
	// grow without bound under rotating client IPs.
	go rl.cleanup()

	return rl
}

// cleanup periodically removes stale local entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, entry := range rl.entries {
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine and closes the Redis connection
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	if rl.rdb != nil {
		_ = rl.rdb.Close()
	}
}

// Allow checks whether a request from the given key should be allowed and
// returns the remaining allowance.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, int) {
	if rl.limiter != nil {
		res, err := rl.limiter.Allow(ctx, key, redis_rate.Limit{
			Rate:   rl.requestsPerMinute,
			Period: time.Minute,
			Burst:  rl.burst,
		})
		if err == nil {
			return res.Allowed > 0, res.Remaining
		}
		// Redis unavailable; fall through to the local bucket.
	}
	return rl.allowLocal(key)
}

// allowLocal implements the in-memory token bucket
func (rl *RateLimiter) allowLocal(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, exists := rl.entries[key]
	if !exists {
		rl.entries[key] = &rateLimitEntry{
			tokens:     float64(rl.burst) - 1,
			lastUpdate: now,
		}
		return true, rl.burst - 1
	}

	elapsed := now.Sub(entry.lastUpdate)
	tokensPerSecond := float64(rl.requestsPerMinute) / 60.0
	entry.tokens = min(float64(rl.burst), entry.tokens+elapsed.Seconds()*tokensPerSecond)
	entry.lastUpdate = now

	if entry.tokens >= 1 {
		entry.tokens--
		return true, int(entry.tokens)
	}
	return false, 0
}

// RateLimitMiddleware creates a Gin middleware that rate limits requests
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		allowed, remaining := limiter.Allow(c.Request.Context(), key)
		if !allowed {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.requestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}

// getRateLimitKey determines the key to use for rate limiting.
// Priority: authenticated actor > IP address.
func getRateLimitKey(c *gin.Context) string {
	if actorID, exists := c.Get("actor_id"); exists {
		if id, ok := actorID.(string); ok && id != "" {
			return "actor:" + id
		}
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
