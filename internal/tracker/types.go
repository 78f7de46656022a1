package tracker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a trackable item at a URL on a platform.
type Product struct {
	ID             int64
	Name           *string
	URL            string
	Platform       string
	TargetPrice    *decimal.Decimal
	LastPrice      *decimal.Decimal
	Currency       *string
	IsActive       bool
	TrackingTaskID *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// PriceHistory is only populated when a listing asks for it, newest first.
	PriceHistory []PriceHistory
}

// NewProduct carries the caller-supplied fields of a product registration.
type NewProduct struct {
	Name        *string
	URL         string
	Platform    string
	TargetPrice *decimal.Decimal
	Currency    *string
}

// ProductUpdate holds optional field changes; nil fields are left untouched.
type ProductUpdate struct {
	Name        *string
	TargetPrice *decimal.Decimal
	Currency    *string
	IsActive    *bool
}

// PriceHistory is an immutable price observation for a product.
type PriceHistory struct {
	ID        int64
	ProductID int64
	Price     decimal.Decimal
	CheckedAt time.Time
}

// PriceQuote is what a Fetcher returns for a product.
type PriceQuote struct {
	Price    decimal.Decimal
	Currency string
}

// JobKind distinguishes who produced a job.
type JobKind string

// Job kinds.
const (
	// JobKindImmediate is enqueued on registration or on manual request.
	JobKindImmediate JobKind = "immediate"
	// JobKindRecurring is enqueued by the scheduler fan-out.
	JobKindRecurring JobKind = "recurring"
)

// Job asks a worker to fetch and record the price of one product.
type Job struct {
	ID         string    `json:"id"`
	ProductID  int64     `json:"product_id"`
	Kind       JobKind   `json:"kind"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a dequeued job plus the opaque handle the queue needs to
// acknowledge, retry, or dead-letter it.
type Delivery struct {
	Job     Job
	Receipt string
}

// JobStatus is the externally visible state of a job.
type JobStatus string

// Job status values reported through the result store.
const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusRecorded     JobStatus = "recorded"
	JobStatusFailed       JobStatus = "failed"
	JobStatusNotFound     JobStatus = "not_found"
	JobStatusDeadLettered JobStatus = "dead_lettered"
)

// IsTerminal reports whether no further attempts will follow.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusRecorded, JobStatusNotFound, JobStatusDeadLettered:
		return true
	default:
		return false
	}
}

// JobResult is the status record callers poll by job id.
type JobResult struct {
	JobID     string           `json:"job_id"`
	Status    JobStatus        `json:"status"`
	ProductID int64            `json:"product_id"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	CheckedAt *time.Time       `json:"checked_at,omitempty"`
	Error     string           `json:"error,omitempty"`
	Attempts  int              `json:"attempts"`
	UpdatedAt time.Time        `json:"updated_at"`
}
