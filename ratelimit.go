package main

import (
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter
// Allows bursts up to maxTokens, refilling at refillRate tokens per second
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a limiter allowing burst actions, then one action per interval.
// A non-positive interval creates a limiter that always allows.
func NewRateLimiter(burst int, interval time.Duration) *RateLimiter {
	now := time.Now()
	if interval <= 0 || burst <= 0 {
		return &RateLimiter{tokens: 1, maxTokens: 1, lastRefill: now, lastUsed: now}
	}
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: 1 / interval.Seconds(),
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow checks if an action is allowed under the rate limit
func (rl *RateLimiter) Allow() bool {
	return rl.allowAt(time.Now())
}

func (rl *RateLimiter) allowAt(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lastUsed = now
	if rl.refillRate == 0 {
		return true
	}

	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed > 0 {
		rl.tokens += elapsed * rl.refillRate
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

func (rl *RateLimiter) idleSince() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lastUsed
}

// IPRateLimiter keeps one limiter per client IP for a mutating endpoint
type IPRateLimiter struct {
	limiters map[string]*RateLimiter
	interval time.Duration
	mu       sync.RWMutex
}

// NewIPRateLimiter allows one request per interval per IP
func NewIPRateLimiter(interval time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*RateLimiter),
		interval: interval,
	}
}

// AllowRequest checks if a request is allowed for the given IP
func (irl *IPRateLimiter) AllowRequest(ip string) bool {
	irl.mu.Lock()
	limiter, exists := irl.limiters[ip]
	if !exists {
		limiter = NewRateLimiter(1, irl.interval)
		irl.limiters[ip] = limiter
	}
	irl.mu.Unlock()

	return limiter.Allow()
}

// Cleanup removes limiters for IPs that haven't been used in maxIdle
func (irl *IPRateLimiter) Cleanup(maxIdle time.Duration) {
	irl.mu.Lock()
	defer irl.mu.Unlock()

	now := time.Now()
	for ip, limiter := range irl.limiters {
		if now.Sub(limiter.idleSince()) > maxIdle {
			delete(irl.limiters, ip)
		}
	}
}

// GetStats returns the current number of tracked IPs
func (irl *IPRateLimiter) GetStats() int {
	irl.mu.RLock()
	defer irl.mu.RUnlock()
	return len(irl.limiters)
}
