//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/pricepulse/internal/storage/migrations"
	"github.com/JakeFAU/pricepulse/internal/tracker"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pricepulse"),
		tcpostgres.WithUsername("pricepulse"),
		tcpostgres.WithPassword("pricepulse"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrations.Up(dsn, nil))

	store, err := New(ctx, Config{DSN: dsn, MaxConns: 8, ConnectTimeout: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestStoreAgainstPostgres(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	name := "Kettle"
	created, err := store.CreateProduct(ctx, tracker.NewProduct{
		Name:     &name,
		URL:      "http://x/a",
		Platform: "acme",
	})
	require.NoError(t, err)
	require.True(t, created.IsActive)
	require.Nil(t, created.LastPrice)

	got, err := store.GetProduct(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.URL, got.URL)
	require.Equal(t, "Kettle", *got.Name)

	_, err = store.CreateProduct(ctx, tracker.NewProduct{URL: "http://x/a", Platform: "acme"})
	require.ErrorIs(t, err, tracker.ErrConflict)
	all, err := store.ListProducts(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = store.RecordPrice(ctx, created.ID, decimal.RequireFromString("10.00"))
	require.NoError(t, err)
	_, err = store.RecordPrice(ctx, created.ID, decimal.RequireFromString("12.499"))
	require.NoError(t, err)

	got, err = store.GetProduct(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "12.50", got.LastPrice.StringFixed(2))

	history, err := store.ListPriceHistory(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, history[0].Price.Equal(*got.LastPrice))

	_, err = store.RecordPrice(ctx, 999, decimal.RequireFromString("1.00"))
	require.ErrorIs(t, err, tracker.ErrNotFound)
	_, err = store.ListPriceHistory(ctx, 999)
	require.ErrorIs(t, err, tracker.ErrNotFound)

	inactive := false
	_, err = store.UpdateProduct(ctx, created.ID, tracker.ProductUpdate{IsActive: &inactive})
	require.NoError(t, err)
	ids, err := store.ListActiveProductIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
	ids, err = store.ListProductIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{created.ID}, ids)
}

func TestRecordPriceConcurrentWritersKeepEveryObservation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	p, err := store.CreateProduct(ctx, tracker.NewProduct{URL: "http://x/race", Platform: "acme"})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.RecordPrice(ctx, p.ID, decimal.NewFromInt(int64(i)))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := store.ListPriceHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, writers)

	got, err := store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastPrice)
}
