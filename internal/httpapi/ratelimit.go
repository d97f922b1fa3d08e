package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Per-tenant token bucket rate limiting.
//
// Each tenant's quota (rateLimitRpm) is a requests-per-minute budget; the
// bucket refills continuously at rpm/60 tokens per second with capacity rpm,
// so short bursts up to the full budget are allowed while the long-term rate
// holds. A quota of 0 disables limiting for the tenant. Buckets live in a
// bounded expirable LRU so idle tenants cost nothing.

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket with given capacity and refill rate
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a token is available and consumes it if so
// Returns (allowed bool, tokensRemaining int, nextTokenTime time.Time, fullResetTime time.Time)
func (tb *TokenBucket) Allow() (bool, int, time.Time, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	tokensNeeded := tb.capacity - tb.tokens
	fullResetTime := now.Add(time.Duration(tokensNeeded/tb.refillRate) * time.Second)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullResetTime
	}

	tokensUntilNext := 1.0 - tb.tokens
	secondsUntilNext := tokensUntilNext / tb.refillRate
	nextTokenTime := now.Add(time.Duration(secondsUntilNext) * time.Second)

	return false, 0, nextTokenTime, fullResetTime
}

// RateLimiter manages per-tenant token buckets in a bounded expirable cache.
type RateLimiter struct {
	buckets *expirable.LRU[string, *TokenBucket]
	mu      sync.Mutex
}

// NewRateLimiter creates the limiter. Buckets idle for an hour are evicted;
// a fresh bucket starts full, which is the right behavior after idleness.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: expirable.NewLRU[string, *TokenBucket](4096, nil, time.Hour),
	}
}

// bucket fetches or creates the tenant's bucket for the given rpm quota.
// A quota change takes effect on the next bucket rebuild (eviction or
// restart); headers always advertise the current quota.
func (rl *RateLimiter) bucket(tenantID string, rpm int) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.buckets.Get(tenantID); ok {
		return b
	}
	b := NewTokenBucket(rpm, float64(rpm)/60.0)
	rl.buckets.Add(tenantID, b)
	return b
}

// rateLimitMiddleware enforces the resolved tenant's quota. Requests without
// a resolved tenant pass untouched.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := TenantID(r.Context())
		if tenantID == "" {
			next.ServeHTTP(w, r)
			return
		}

		t, err := s.Registry.Get(tenantID)
		if err != nil {
			writeInternalError(w, r, err)
			return
		}
		rpm := t.Quotas.RateLimitRPM
		if rpm <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, nextTokenTime, fullResetTime := s.Limiter.bucket(tenantID, rpm).Allow()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rpm))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullResetTime.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(nextTokenTime).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			s.Metrics.RecordRateLimited(tenantID)
			log.Warn().
				Str("tenant_id", tenantID).
				Str("path", r.URL.Path).
				Int("retry_after", retryAfter).
				Msg("rate limit exceeded")

			writeError(w, r, http.StatusTooManyRequests, CodeRateLimited,
				"rate limit exceeded, retry after "+strconv.Itoa(retryAfter)+" seconds", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
