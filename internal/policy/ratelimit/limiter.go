// Package ratelimit implements per-platform token buckets so fetchers stay
// polite toward each upstream source.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/pricepulse/internal/metrics"
)

// Limiter manages per-key rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	overrides    map[string]Rule
}

// Rule is a rate and burst for one key.
type Rule struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// Overrides replaces the default rule for specific platforms.
	Overrides map[string]Rule
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	overrides := make(map[string]Rule, len(cfg.Overrides))
	for k, v := range cfg.Overrides {
		overrides[normalizeKey(k)] = v
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  limitFor(cfg.DefaultRPS),
		defaultBurst: burstFor(cfg.DefaultBurst),
		overrides:    overrides,
	}
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	key = normalizeKey(key)
	limiter := l.limiterFor(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[key]
	if !exists {
		r, b := l.defaultRate, l.defaultBurst
		if rule, ok := l.overrides[key]; ok {
			r, b = limitFor(rule.RPS), burstFor(rule.Burst)
		}
		limiter = rate.NewLimiter(r, b)
		l.limiters[key] = limiter
	}
	return limiter
}

func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func burstFor(burst int) int {
	if burst <= 0 {
		return 1
	}
	return burst
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "unknown"
	}
	return key
}
