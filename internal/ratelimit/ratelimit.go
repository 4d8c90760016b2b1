// Package ratelimit provides per-caller rate limiting middleware for the
// trade API.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/mbd888/nftswap/internal/validation"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per caller
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// MaxCallers bounds how many callers are tracked at once
	MaxCallers int
	// IdleTTL drops a caller's bucket after this long without requests
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		MaxCallers:        10_000,
		IdleTTL:           5 * time.Minute,
	}
}

// Limiter keeps one token bucket per caller key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MaxCallers <= 0 {
		cfg.MaxCallers = def.MaxCallers
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	return &Limiter{
		cfg:     cfg,
		buckets: expirable.NewLRU[string, *rate.Limiter](cfg.MaxCallers, nil, cfg.IdleTTL),
	}
}

// Allow reports whether a request from key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets.Get(key); ok {
		// Re-adding refreshes the idle expiry.
		l.buckets.Add(key, b)
		return b
	}
	b := rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60.0), l.cfg.BurstSize)
	l.buckets.Add(key, b)
	return b
}

// Middleware returns a Gin middleware that limits each caller. A request
// naming a wallet in the X-Wallet-Address header is keyed by that wallet,
// everything else by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(CallerKey(c)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// CallerKey identifies the caller of a request for limiting.
func CallerKey(c *gin.Context) string {
	if wallet := validation.NormalizeAddress(c.GetHeader("X-Wallet-Address")); validation.IsValidEthAddress(wallet) {
		return "wallet:" + wallet
	}
	return "ip:" + strings.TrimSpace(c.ClientIP())
}
