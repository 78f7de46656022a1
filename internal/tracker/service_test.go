package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}

type fakeCreator struct {
	mu        sync.Mutex
	created   []NewProduct
	createErr error
	trackErr  error
	tracking  map[int64]string
}

func newFakeCreator() *fakeCreator {
	return &fakeCreator{tracking: make(map[int64]string)}
}

func (f *fakeCreator) CreateProduct(_ context.Context, p NewProduct) (Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return Product{}, f.createErr
	}
	f.created = append(f.created, p)
	return Product{
		ID:          int64(len(f.created)),
		Name:        p.Name,
		URL:         p.URL,
		Platform:    p.Platform,
		TargetPrice: p.TargetPrice,
		Currency:    p.Currency,
		IsActive:    true,
	}, nil
}

func (f *fakeCreator) SetTrackingTask(_ context.Context, productID int64, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackErr != nil {
		return f.trackErr
	}
	f.tracking[productID] = jobID
	return nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "job-" + string(rune('0'+len(f.jobs))), nil
}

func TestServiceRegisterProductSchedulesImmediateCheck(t *testing.T) {
	t.Parallel()

	store := newFakeCreator()
	queue := &fakeEnqueuer{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, queue, fakeClock{now: now}, zap.NewNop(), time.Second)

	product, err := svc.RegisterProduct(context.Background(), NewProduct{
		URL:      " http://x/a ",
		Platform: "ACME",
	})
	require.NoError(t, err)
	require.Equal(t, "acme", product.Platform)
	require.Equal(t, "http://x/a", product.URL)
	require.NotNil(t, product.TrackingTaskID)
	require.Equal(t, "job-1", *product.TrackingTaskID)

	require.Len(t, queue.jobs, 1)
	require.Equal(t, JobKindImmediate, queue.jobs[0].Kind)
	require.Equal(t, product.ID, queue.jobs[0].ProductID)
	require.Equal(t, 1, queue.jobs[0].Attempt)
	require.Equal(t, now, queue.jobs[0].EnqueuedAt)
	require.Equal(t, "job-1", store.tracking[product.ID])
}

func TestServiceRegisterProductKeepsProductWhenEnqueueFails(t *testing.T) {
	t.Parallel()

	store := newFakeCreator()
	queue := &fakeEnqueuer{err: errors.New("redis down")}
	svc := NewService(store, queue, fakeClock{now: time.Now()}, nil, 0)

	product, err := svc.RegisterProduct(context.Background(), NewProduct{
		URL:      "https://shop.example/item",
		Platform: "shop",
	})
	require.NoError(t, err)
	require.Nil(t, product.TrackingTaskID)
	require.Len(t, store.created, 1)
	require.Empty(t, store.tracking)
}

func TestServiceRegisterProductValidation(t *testing.T) {
	t.Parallel()

	negative := decimal.RequireFromString("-1")
	longCurrency := "DOLLARSXX"
	cases := map[string]NewProduct{
		"missing url":      {Platform: "acme"},
		"relative url":     {URL: "/a", Platform: "acme"},
		"ftp url":          {URL: "ftp://x/a", Platform: "acme"},
		"missing platform": {URL: "http://x/a", Platform: "  "},
		"negative target":  {URL: "http://x/a", Platform: "acme", TargetPrice: &negative},
		"long currency":    {URL: "http://x/a", Platform: "acme", Currency: &longCurrency},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := newFakeCreator()
			svc := NewService(store, &fakeEnqueuer{}, fakeClock{}, zap.NewNop(), time.Second)
			_, err := svc.RegisterProduct(context.Background(), in)
			require.ErrorIs(t, err, ErrInvalid)
			require.Empty(t, store.created)
		})
	}
}

func TestServiceRegisterProductPropagatesConflict(t *testing.T) {
	t.Parallel()

	store := newFakeCreator()
	store.createErr = ErrConflict
	queue := &fakeEnqueuer{}
	svc := NewService(store, queue, fakeClock{}, zap.NewNop(), time.Second)

	_, err := svc.RegisterProduct(context.Background(), NewProduct{URL: "http://x/a", Platform: "acme"})
	require.ErrorIs(t, err, ErrConflict)
	require.Empty(t, queue.jobs)
}

func TestServiceSchedulePriceCheckWrapsQueueErrors(t *testing.T) {
	t.Parallel()

	svc := NewService(newFakeCreator(), &fakeEnqueuer{err: context.DeadlineExceeded}, fakeClock{}, zap.NewNop(), time.Second)

	_, err := svc.SchedulePriceCheck(context.Background(), 7, JobKindRecurring)
	require.ErrorIs(t, err, ErrQueue)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceSchedulePriceCheckIgnoresAnnotationFailure(t *testing.T) {
	t.Parallel()

	store := newFakeCreator()
	store.trackErr = errors.New("write failed")
	queue := &fakeEnqueuer{}
	svc := NewService(store, queue, fakeClock{}, zap.NewNop(), time.Second)

	jobID, err := svc.SchedulePriceCheck(context.Background(), 3, JobKindRecurring)
	require.NoError(t, err)
	require.Equal(t, "job-1", jobID)
	require.Equal(t, JobKindRecurring, queue.jobs[0].Kind)
}

func TestNormalizeProductUpdate(t *testing.T) {
	t.Parallel()

	name := "  Kettle "
	currency := "usd"
	price := decimal.RequireFromString("12.345")
	active := false

	out, err := NormalizeProductUpdate(ProductUpdate{
		Name:        &name,
		Currency:    &currency,
		TargetPrice: &price,
		IsActive:    &active,
	})
	require.NoError(t, err)
	require.Equal(t, "Kettle", *out.Name)
	require.Equal(t, "USD", *out.Currency)
	require.Equal(t, "12.35", out.TargetPrice.StringFixed(2))
	require.False(t, *out.IsActive)
}
