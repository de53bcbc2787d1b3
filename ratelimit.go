package heron

import (
	"context"
	"sync"
	"time"
)

// RateLimiter counts connections per client IP in fixed windows.
type RateLimiter struct {
	mu     sync.Mutex
	counts map[string]*rateLimitEntry
	limit  int
	window time.Duration
	now    func() time.Time
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit connections per window from a single IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counts: make(map[string]*rateLimitEntry),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Run drops expired entries every two windows until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.expire()
		}
	}
}

func (rl *RateLimiter) expire() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, entry := range rl.counts {
		if now.Sub(entry.windowStart) > rl.window {
			delete(rl.counts, ip)
		}
	}
}

// Allow checks if the IP is allowed and increments the counter.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, ok := rl.counts[ip]
	if !ok || now.Sub(entry.windowStart) > rl.window {
		rl.counts[ip] = &rateLimitEntry{count: 1, windowStart: now}
		return true
	}
	if entry.count >= rl.limit {
		return false
	}
	entry.count++
	return true
}
