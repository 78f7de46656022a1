package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/pricepulse/internal/metrics"
	"github.com/JakeFAU/pricepulse/internal/tracker"
)

// Waiter throttles calls per key.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// local is implemented by fetchers that never leave the process and so skip
// rate limiting.
type local interface {
	Local() bool
}

// defaultKey labels fetches and limiter buckets served by the fallback.
const defaultKey = "default"

// Registry is a lookup table of fetchers keyed by lower-case platform.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]tracker.Fetcher
	fallback tracker.Fetcher
	limiter  Waiter
}

// NewRegistry builds an empty registry. A nil limiter disables throttling.
func NewRegistry(limiter Waiter) *Registry {
	return &Registry{
		fetchers: make(map[string]tracker.Fetcher),
		limiter:  limiter,
	}
}

// Register binds a fetcher to a platform.
func (r *Registry) Register(platform string, f tracker.Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[strings.ToLower(strings.TrimSpace(platform))] = f
}

// SetDefault sets the fetcher used for platforms without a binding.
func (r *Registry) SetDefault(f tracker.Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = f
}

// Platforms lists the explicitly bound platforms.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fetchers))
	for p := range r.fetchers {
		out = append(out, p)
	}
	return out
}

// Fetch resolves the product's platform and delegates to its fetcher.
func (r *Registry) Fetch(ctx context.Context, p tracker.Product) (tracker.PriceQuote, error) {
	platform := strings.ToLower(strings.TrimSpace(p.Platform))
	key, f := r.lookup(platform)
	if f == nil {
		return tracker.PriceQuote{}, tracker.NewFetchError(tracker.FetchErrorNotFound, platform,
			fmt.Errorf("no fetcher registered"))
	}

	if lf, ok := f.(local); (!ok || !lf.Local()) && r.limiter != nil {
		if err := r.limiter.Wait(ctx, key); err != nil {
			return tracker.PriceQuote{}, err
		}
	}

	start := time.Now()
	quote, err := f.Fetch(ctx, p)
	metrics.ObserveFetch(key, outcome(err), time.Since(start))
	if err != nil {
		return tracker.PriceQuote{}, err
	}
	return quote, nil
}

// lookup returns the fetcher for platform and the key it is bound under.
func (r *Registry) lookup(platform string) (string, tracker.Fetcher) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.fetchers[platform]; ok {
		return platform, f
	}
	return defaultKey, r.fallback
}

func outcome(err error) string {
	var fe *tracker.FetchError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &fe):
		return string(fe.Kind)
	default:
		return "error"
	}
}
