package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, time.Second, time.Minute)
	transient := NewFetchError(FetchErrorNetwork, "acme", errors.New("reset"))

	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3), "attempt budget exhausted")
	require.True(t, p.ShouldRetry(fmt.Errorf("%w: tx aborted", ErrStore), 1))
	require.False(t, p.ShouldRetry(NewFetchError(FetchErrorNotFound, "acme", nil), 1))
	require.False(t, p.ShouldRetry(ErrInvalidPrice, 1))
	require.False(t, p.ShouldRetry(ErrNotFound, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
}

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, time.Second, 4*time.Second)
	for attempt := 1; attempt <= 6; attempt++ {
		full := time.Second << (attempt - 1)
		if full > 4*time.Second {
			full = 4 * time.Second
		}
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, full/2)
		require.LessOrEqual(t, d, full)
	}
}

func TestNewExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
	require.LessOrEqual(t, p.Backoff(10), 5*time.Second)
}
