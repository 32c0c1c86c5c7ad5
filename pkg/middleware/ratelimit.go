package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/schoolguard/pkg/audit"
	"github.com/platinummonkey/schoolguard/pkg/httputil"
)

// MsgTooManyAttempts is returned when the login limit is hit
const MsgTooManyAttempts = "Too many login attempts. Please try again later."

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
	// Limit, when set and positive, replaces RequestsPerWindow per call so
	// the limit can follow a runtime setting
	Limit func(ctx context.Context) int
}

func (c *RateLimitConfig) requests(ctx context.Context) int {
	if c.Limit != nil {
		if n := c.Limit(ctx); n > 0 {
			return n
		}
	}
	return c.RequestsPerWindow
}

// LoginRateLimitConfig allows ten attempts a minute per client
func LoginRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
	}
}

// Limiter decides whether key may make another request. retryAfter is
// meaningful only when allowed is false.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// MemoryLimiter is a per-process token bucket
type MemoryLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
}

// NewMemoryLimiter creates a token bucket limiter
func NewMemoryLimiter(config *RateLimitConfig) *MemoryLimiter {
	if config == nil {
		config = LoginRateLimitConfig()
	}
	return &MemoryLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes a token for key
func (rl *MemoryLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	requests := rl.config.requests(ctx)
	capacity := requests + rl.config.BurstSize

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{tokens: capacity, lastUpdate: now}
		rl.buckets[key] = b
	}

	perToken := rl.config.WindowDuration / time.Duration(requests)
	if refill := int(now.Sub(b.lastUpdate) / perToken); refill > 0 {
		b.tokens += refill
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.lastUpdate = b.lastUpdate.Add(time.Duration(refill) * perToken)
	}

	if b.tokens > 0 {
		b.tokens--
		return true, 0, nil
	}
	return false, perToken - now.Sub(b.lastUpdate), nil
}

// Cleanup removes idle buckets
func (rl *MemoryLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *MemoryLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// KeyFunc derives the rate limit key for a request
type KeyFunc func(r *http.Request) string

// ClientIPKey keys by client address
func ClientIPKey(r *http.Request) string {
	return "ip:" + audit.ClientIP(r)
}

// LoginKey keys by client address and the submitted email, so one noisy
// client cannot lock other users out. The body is restored for the handler.
func LoginKey(r *http.Request) string {
	email, _ := audit.RequestParams(r)["email"].(string)
	return "login:" + audit.ClientIP(r) + ":" + strings.ToLower(strings.TrimSpace(email))
}

// RateLimit rejects requests over the limit with 429. Limiter errors let
// the request through.
func RateLimit(limiter Limiter, key KeyFunc, logger *logrus.Logger, onLimited func(*http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			allowed, retryAfter, err := limiter.Allow(r.Context(), k)
			if err != nil {
				logger.WithError(err).WithField("key", k).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if onLimited != nil {
					onLimited(r)
				}
				w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
				httputil.WriteTooManyRequests(w, MsgTooManyAttempts)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func limiterKey(prefix, key string) string {
	return fmt.Sprintf("%s:%s", prefix, key)
}
