package server

import (
	"fmt"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	CreateLimit  int
	CreateWindow time.Duration

	// Redis settings back the per-IP counters when set, so the limit holds
	// across replicas. Empty keeps counters in process memory.
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	createLimit   int
	createWindow  time.Duration
	createMu      sync.Mutex
	createBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		createLimit:   cfg.CreateLimit,
		createWindow:  cfg.CreateWindow,
		createBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.createLimit <= 0 {
		rl.createLimit = 0
	}
	if rl.createWindow <= 0 {
		rl.createWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.createLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowCreate(key string) (bool, time.Duration, error) {
	if r == nil || r.createLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("streamhaven:create:%s", key), r.createLimit, r.createWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.createMu.Lock()
	bucket, exists := r.createBuckets[key]
	if !exists {
		rate := float64(r.createLimit) / r.createWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.createWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.createLimit)}
		r.createBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.createMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.createBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.createWindow)
	for key, bucket := range r.createBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.createBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
