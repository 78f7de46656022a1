package fetcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricepulse/internal/tracker"
)

type stubFetcher struct {
	quote tracker.PriceQuote
	err   error
	calls int
}

func (s *stubFetcher) Fetch(context.Context, tracker.Product) (tracker.PriceQuote, error) {
	s.calls++
	return s.quote, s.err
}

type recordingWaiter struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (w *recordingWaiter) Wait(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = append(w.keys, key)
	return w.err
}

func TestRegistryDispatchesByPlatform(t *testing.T) {
	t.Parallel()

	waiter := &recordingWaiter{}
	reg := NewRegistry(waiter)
	shop := &stubFetcher{quote: tracker.PriceQuote{Price: decimal.RequireFromString("9.99")}}
	reg.Register("Shop", shop)

	quote, err := reg.Fetch(context.Background(), tracker.Product{Platform: "shop"})
	require.NoError(t, err)
	require.Equal(t, "9.99", quote.Price.StringFixed(2))
	require.Equal(t, 1, shop.calls)
	require.Equal(t, []string{"shop"}, waiter.keys)
	require.Equal(t, []string{"shop"}, reg.Platforms())
}

func TestRegistryUnknownPlatformWithoutDefault(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	_, err := reg.Fetch(context.Background(), tracker.Product{Platform: "acme"})

	var fe *tracker.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, tracker.FetchErrorNotFound, fe.Kind)
	require.True(t, tracker.IsPermanent(err))
}

func TestRegistryDefaultPlaceholderSkipsLimiter(t *testing.T) {
	t.Parallel()

	waiter := &recordingWaiter{err: errors.New("should not wait")}
	reg := NewRegistry(waiter)
	reg.SetDefault(Placeholder{})

	quote, err := reg.Fetch(context.Background(), tracker.Product{Platform: "acme"})
	require.NoError(t, err)
	require.True(t, quote.Price.IsZero())
	require.Empty(t, waiter.keys)
}

func TestRegistryDefaultFetcherSharesOneLimiterKey(t *testing.T) {
	t.Parallel()

	waiter := &recordingWaiter{}
	reg := NewRegistry(waiter)
	reg.SetDefault(&stubFetcher{})

	for _, platform := range []string{"acme", "Other-Shop", "  zzz "} {
		_, err := reg.Fetch(context.Background(), tracker.Product{Platform: platform})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"default", "default", "default"}, waiter.keys)
}

// Not parallel: it counts series on the shared default registry.
func TestRegistryUnboundPlatformsShareOneFetchSeries(t *testing.T) {
	const metric = "pricepulse_fetch_duration_seconds"

	reg := NewRegistry(nil)
	reg.SetDefault(Placeholder{})

	// Seed the fallback series so the count below measures growth only.
	_, err := reg.Fetch(context.Background(), tracker.Product{Platform: "seed"})
	require.NoError(t, err)
	before, err := testutil.GatherAndCount(prometheus.DefaultGatherer, metric)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		_, err := reg.Fetch(context.Background(), tracker.Product{Platform: "p" + strconv.Itoa(i)})
		require.NoError(t, err)
	}

	after, err := testutil.GatherAndCount(prometheus.DefaultGatherer, metric)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRegistryPropagatesLimiterError(t *testing.T) {
	t.Parallel()

	waiter := &recordingWaiter{err: context.DeadlineExceeded}
	reg := NewRegistry(waiter)
	f := &stubFetcher{}
	reg.Register("shop", f)

	_, err := reg.Fetch(context.Background(), tracker.Product{Platform: "shop"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, f.calls)
}

func TestPlaceholderFallbackOrder(t *testing.T) {
	t.Parallel()

	last := decimal.RequireFromString("5.00")
	target := decimal.RequireFromString("7.50")
	usd := "USD"

	q, err := Placeholder{}.Fetch(context.Background(), tracker.Product{LastPrice: &last, TargetPrice: &target, Currency: &usd})
	require.NoError(t, err)
	require.True(t, q.Price.Equal(last))
	require.Equal(t, "USD", q.Currency)

	q, err = Placeholder{}.Fetch(context.Background(), tracker.Product{TargetPrice: &target})
	require.NoError(t, err)
	require.True(t, q.Price.Equal(target))

	q, err = Placeholder{}.Fetch(context.Background(), tracker.Product{})
	require.NoError(t, err)
	require.Equal(t, "0.00", q.Price.StringFixed(2))
}
