package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// MultiLimiter manages multiple rate limiters for different services
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// AddLimiter adds a new rate limiter for a service
// requestsPerSecond: the rate limit (e.g., 10 means 10 requests per second)
// burst: maximum burst size
func (m *MultiLimiter) AddLimiter(name string, requestsPerSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Wait blocks until the limiter allows an event. Unknown names are not throttled.
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return nil
	}

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("limiter %s: %w", name, err)
	}
	return nil
}

// Allow reports whether an event may happen now
func (m *MultiLimiter) Allow(name string) bool {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return true
	}

	return limiter.Allow()
}

// Limiter names
const (
	LimiterLinkedIn   = "linkedin"
	LimiterTwitter    = "twitter"
	LimiterGeneration = "generation"
	LimiterRSS        = "rss"
)

// Rates holds per-minute budgets for the default limiter set
type Rates struct {
	PlatformRequestsPerMinute   int
	GenerationRequestsPerMinute int
}

// NewDefaultLimiter creates a limiter with the configured per-minute budgets
func NewDefaultLimiter(r Rates) *MultiLimiter {
	m := NewMultiLimiter()

	platform := float64(r.PlatformRequestsPerMinute)
	if platform <= 0 {
		platform = 60
	}
	generation := float64(r.GenerationRequestsPerMinute)
	if generation <= 0 {
		generation = 20
	}

	m.AddLimiter(LimiterLinkedIn, platform/60, 5)
	m.AddLimiter(LimiterTwitter, platform/60, 5)
	m.AddLimiter(LimiterGeneration, generation/60, 2)

	// RSS: no strict limit, but be polite
	m.AddLimiter(LimiterRSS, 1, 10)

	return m
}
