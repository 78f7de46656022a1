package tracker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists products and their price history.
type Store interface {
	CreateProduct(ctx context.Context, p NewProduct) (Product, error)
	ListProducts(ctx context.Context, withHistory bool) ([]Product, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	UpdateProduct(ctx context.Context, id int64, u ProductUpdate) (Product, error)
	ListPriceHistory(ctx context.Context, productID int64) ([]PriceHistory, error)
	RecordPrice(ctx context.Context, productID int64, price decimal.Decimal) (PriceHistory, error)
	SetTrackingTask(ctx context.Context, productID int64, jobID string) error
	ListProductIDs(ctx context.Context) ([]int64, error)
	ListActiveProductIDs(ctx context.Context) ([]int64, error)
	Ping(ctx context.Context) error
	Close()
}

// PriceRecorder is the slice of Store a worker needs.
type PriceRecorder interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	RecordPrice(ctx context.Context, productID int64, price decimal.Decimal) (PriceHistory, error)
}

// ProductLister is the slice of Store the scheduler needs.
type ProductLister interface {
	ListProductIDs(ctx context.Context) ([]int64, error)
	ListActiveProductIDs(ctx context.Context) ([]int64, error)
}

// Fetcher turns a product reference into a price quote.
type Fetcher interface {
	Fetch(ctx context.Context, p Product) (PriceQuote, error)
}

// Enqueuer accepts new jobs and returns their identifier.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) (string, error)
}

// Queue provides at-least-once delivery of jobs.
type Queue interface {
	Enqueuer
	Dequeue(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery, delay time.Duration) error
	DeadLetter(ctx context.Context, d Delivery, reason string) error
}

// ResultStore keeps the latest status of each job for polling.
type ResultStore interface {
	SaveResult(ctx context.Context, res JobResult) error
	GetResult(ctx context.Context, jobID string) (JobResult, error)
}

// Broker is a queue that also serves job results.
type Broker interface {
	Queue
	ResultStore
	Close() error
}

// Maintainer is implemented by queues that need periodic housekeeping,
// such as promoting delayed retries and reclaiming expired leases.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// RetryPolicy decides if and when a failed job runs again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
