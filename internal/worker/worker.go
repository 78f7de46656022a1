// Package worker implements the price check execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricepulse/internal/metrics"
	"github.com/JakeFAU/pricepulse/internal/tracker"
)

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds the fetch and persist steps of a single job.
	JobTimeout time.Duration
	// FinalizeTimeout bounds result writes and acknowledgements, which run
	// even while the worker is shutting down.
	FinalizeTimeout time.Duration
	// IdleBackoff is the pause after a failed dequeue.
	IdleBackoff time.Duration
}

// Worker consumes queue deliveries and executes the price check pipeline.
type Worker struct {
	queue   tracker.Queue
	results tracker.ResultStore
	store   tracker.PriceRecorder
	fetcher tracker.Fetcher
	policy  tracker.RetryPolicy
	clock   tracker.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(
	queue tracker.Queue,
	results tracker.ResultStore,
	store tracker.PriceRecorder,
	fetcher tracker.Fetcher,
	policy tracker.RetryPolicy,
	clock tracker.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = tracker.NewExponentialRetryPolicy(0, 0, 0)
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 5 * time.Second
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = time.Second
	}
	return &Worker{
		queue:   queue,
		results: results,
		store:   store,
		fetcher: fetcher,
		policy:  policy,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks, consuming deliveries until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.IdleBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", d.Job.ID))
		w.processJob(ctx, d)
	}
}

func (w *Worker) processJob(ctx context.Context, d tracker.Delivery) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(
		zap.String("job_id", d.Job.ID),
		zap.Int64("product_id", d.Job.ProductID),
		zap.Int("attempt", d.Job.Attempt),
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
			w.fail(ctx, d, logger, fmt.Errorf("panic: %v", r))
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	product, err := w.store.GetProduct(jobCtx, d.Job.ProductID)
	if errors.Is(err, tracker.ErrNotFound) {
		w.finishNotFound(ctx, d, logger)
		return
	}
	if err != nil {
		w.fail(ctx, d, logger, fmt.Errorf("load product: %w", err))
		return
	}

	quote, err := w.fetcher.Fetch(jobCtx, product)
	if err != nil {
		w.fail(ctx, d, logger, fmt.Errorf("fetch price: %w", err))
		return
	}

	entry, err := w.store.RecordPrice(jobCtx, product.ID, quote.Price)
	if errors.Is(err, tracker.ErrNotFound) {
		w.finishNotFound(ctx, d, logger)
		return
	}
	if err != nil {
		w.fail(ctx, d, logger, fmt.Errorf("record price: %w", err))
		return
	}

	w.finishRecorded(ctx, d, entry, logger)
}

func (w *Worker) finishRecorded(ctx context.Context, d tracker.Delivery, entry tracker.PriceHistory, logger *zap.Logger) {
	fctx, cancel := w.finalizeContext(ctx)
	defer cancel()

	price := entry.Price
	checkedAt := entry.CheckedAt
	w.saveResult(fctx, logger, tracker.JobResult{
		JobID:     d.Job.ID,
		Status:    tracker.JobStatusRecorded,
		ProductID: d.Job.ProductID,
		Price:     &price,
		CheckedAt: &checkedAt,
		Attempts:  d.Job.Attempt,
		UpdatedAt: w.now(),
	})
	if err := w.queue.Ack(fctx, d); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
	metrics.ObserveJob(string(tracker.JobStatusRecorded))
	logger.Info("price recorded",
		zap.String("price", price.StringFixed(2)),
		zap.Time("checked_at", checkedAt),
		zap.String("kind", string(d.Job.Kind)),
	)
}

func (w *Worker) finishNotFound(ctx context.Context, d tracker.Delivery, logger *zap.Logger) {
	fctx, cancel := w.finalizeContext(ctx)
	defer cancel()

	w.saveResult(fctx, logger, tracker.JobResult{
		JobID:     d.Job.ID,
		Status:    tracker.JobStatusNotFound,
		ProductID: d.Job.ProductID,
		Error:     "product not found",
		Attempts:  d.Job.Attempt,
		UpdatedAt: w.now(),
	})
	if err := w.queue.Ack(fctx, d); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
	metrics.ObserveJob(string(tracker.JobStatusNotFound))
	logger.Warn("product no longer exists, dropping job", zap.String("error_kind", "not_found"))
}

// fail applies the retry policy to a failed delivery. Deliveries interrupted
// by shutdown are left for the broker to redeliver.
func (w *Worker) fail(ctx context.Context, d tracker.Delivery, logger *zap.Logger, err error) {
	kind := tracker.ErrorKind(err)
	logger = logger.With(zap.String("error_kind", kind), zap.Error(err))
	if ctx.Err() != nil {
		logger.Warn("worker stopping, delivery left for redelivery")
		return
	}

	fctx, cancel := w.finalizeContext(ctx)
	defer cancel()

	result := tracker.JobResult{
		JobID:     d.Job.ID,
		ProductID: d.Job.ProductID,
		Error:     err.Error(),
		Attempts:  d.Job.Attempt,
		UpdatedAt: w.now(),
	}

	if w.policy.ShouldRetry(err, d.Job.Attempt) {
		delay := w.policy.Backoff(d.Job.Attempt)
		result.Status = tracker.JobStatusFailed
		w.saveResult(fctx, logger, result)
		if rerr := w.queue.Retry(fctx, d, delay); rerr != nil {
			logger.Error("retry scheduling failed", zap.NamedError("retry_error", rerr))
			return
		}
		metrics.ObserveJob(string(tracker.JobStatusFailed))
		logger.Warn("price check failed, retry scheduled", zap.Duration("delay", delay))
		return
	}

	result.Status = tracker.JobStatusDeadLettered
	w.saveResult(fctx, logger, result)
	if derr := w.queue.DeadLetter(fctx, d, kind+": "+err.Error()); derr != nil {
		logger.Error("dead-letter failed", zap.NamedError("dead_letter_error", derr))
		return
	}
	metrics.ObserveJob(string(tracker.JobStatusDeadLettered))
	logger.Error("price check dead-lettered", zap.Bool("permanent", tracker.IsPermanent(err)))
}

func (w *Worker) saveResult(ctx context.Context, logger *zap.Logger, res tracker.JobResult) {
	if w.results == nil {
		return
	}
	if err := w.results.SaveResult(ctx, res); err != nil {
		logger.Error("save job result failed", zap.String("status", string(res.Status)), zap.Error(err))
	}
}

func (w *Worker) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}
