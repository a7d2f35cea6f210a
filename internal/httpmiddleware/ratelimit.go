// Package httpmiddleware holds gin middleware shared by the kiosk API.
package httpmiddleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// TokenBucket is an in-memory per-key rate limiter. The kiosk serves one
// device, so process memory is enough.
type TokenBucket struct {
	capacity float64
	perSec   float64
	key      func(*gin.Context) string
	now      func() time.Time
	exempt   map[string]bool

	mu    sync.Mutex
	state map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewTokenBucket creates a limiter allowing perMinute requests per client IP,
// with bursts up to capacity. A capacity of zero means perMinute.
func NewTokenBucket(capacity, perMinute int) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &TokenBucket{
		capacity: float64(capacity),
		perSec:   float64(perMinute) / 60,
		key:      clientIP,
		now:      time.Now,
		exempt:   make(map[string]bool),
		state:    make(map[string]*bucket),
	}
}

// WithKey replaces the request key, which defaults to the client IP.
func (l *TokenBucket) WithKey(fn func(*gin.Context) string) *TokenBucket {
	l.key = fn
	return l
}

// Exempt lets requests for paths through without spending tokens. Polled
// read-only endpoints such as the camera preview go here so they cannot
// starve scans from the same client.
func (l *TokenBucket) Exempt(paths ...string) *TokenBucket {
	for _, p := range paths {
		l.exempt[p] = true
	}
	return l
}

func clientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// Middleware returns a gin handler that answers 429 with Retry-After when
// the caller's bucket is empty.
func (l *TokenBucket) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.exempt[c.Request.URL.Path] {
			c.Next()
			return
		}
		key := l.key(c)
		ok, wait := l.allow(key)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			log.Warn().Str("key", key).Str("path", c.Request.URL.Path).Msg("rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *TokenBucket) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.state[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.state[key] = b
	}
	b.tokens = math.Min(l.capacity, b.tokens+now.Sub(b.last).Seconds()*l.perSec)
	b.last = now
	if b.tokens < 1 {
		if l.perSec <= 0 {
			return false, time.Minute
		}
		return false, time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	}
	b.tokens--
	return true, 0
}
