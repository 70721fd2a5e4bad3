// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// RateLimiter is a process-local token bucket per caller. Intake requests are
// keyed by the messenger identity that sent them so one chatty requester
// cannot starve the LLM budget of others; manager desk calls are keyed by
// operator, everything else by client IP. Idempotent replays skip the limiter.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// HeaderRequester carries the messenger identity of the requester when the
// chat transport relays a message.
const HeaderRequester = "X-Requester-ID"

const (
	visitorTTL   = 10 * time.Minute
	sweepEveryN  = 5000
	limitedCode  = "rate_limited"
	limitedError = "rate limit exceeded"
)

type keyFunc func(*gin.Context) string

// KeyByCaller prefers the requester header, then the operator header, then
// the client IP. Prefixes keep the namespaces apart.
func KeyByCaller() keyFunc {
	return func(c *gin.Context) string {
		if id := c.GetHeader(HeaderRequester); id != "" {
			return "requester:" + id
		}
		if op := c.GetHeader(HeaderOperator); op != "" {
			return "operator:" + op
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one bucket per key. Safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
	now      func() time.Time
}

// NewRateLimiter builds a limiter with rps tokens per second and the given
// burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if keyFn == nil {
		keyFn = KeyByCaller()
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// limiterFor returns the bucket for key. Idle buckets are swept every
// sweepEveryN lookups, before the requested one is refreshed.
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= sweepEveryN {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= visitorTTL {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// size reports the number of live buckets.
func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// IsRateBypass reports whether IdempotencyValidator flagged a replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// retryAfter is the whole number of seconds until one token is available.
func (rl *RateLimiter) retryAfter() string {
	if rl.rps <= 0 {
		return "60"
	}
	return strconv.Itoa(int(math.Ceil(1 / float64(rl.rps))))
}

// Handler enforces the limit, answering 429 with Retry-After when exhausted.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || rl.limiterFor(rl.keyFn(c)).Allow() {
			c.Next()
			return
		}
		c.Header("Retry-After", rl.retryAfter())
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(HeaderRequestID),
			"code":       limitedCode,
			"message":    limitedError,
		})
	}
}
