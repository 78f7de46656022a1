// Package scheduler fans out one recurring price check per product on a
// fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricepulse/internal/metrics"
	"github.com/JakeFAU/pricepulse/internal/tracker"
)

// PriceCheckScheduler enqueues a single price check.
type PriceCheckScheduler interface {
	SchedulePriceCheck(ctx context.Context, productID int64, kind tracker.JobKind) (string, error)
}

// Config controls the ticker.
type Config struct {
	Interval        time.Duration
	RunOnStart      bool
	IncludeInactive bool
}

// ScanResult summarizes one fan-out.
type ScanResult struct {
	Enqueued int
	Failed   int
}

// Scheduler owns the periodic fan-out loop.
type Scheduler struct {
	products tracker.ProductLister
	checks   PriceCheckScheduler
	cfg      Config
	logger   *zap.Logger
}

// New builds a Scheduler. The interval defaults to one hour.
func New(products tracker.ProductLister, checks PriceCheckScheduler, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{products: products, checks: checks, cfg: cfg, logger: logger}
}

// Run scans on every tick until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Bool("run_on_start", s.cfg.RunOnStart),
		zap.Bool("include_inactive", s.cfg.IncludeInactive),
	)
	if s.cfg.RunOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scan skipped", zap.Error(err))
	}
}

// Scan enqueues one recurring job per product. A store failure aborts the
// cycle; a failed enqueue is counted and the scan continues.
func (s *Scheduler) Scan(ctx context.Context) (ScanResult, error) {
	ids, err := s.productIDs(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("list products: %w", err)
	}

	var res ScanResult
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		jobID, err := s.checks.SchedulePriceCheck(ctx, id, tracker.JobKindRecurring)
		if err != nil {
			res.Failed++
			s.logger.Warn("enqueue recurring check failed", zap.Int64("product_id", id), zap.Error(err))
			continue
		}
		res.Enqueued++
		s.logger.Debug("recurring check enqueued", zap.Int64("product_id", id), zap.String("job_id", jobID))
	}

	metrics.ObserveSchedulerScan(res.Enqueued, res.Failed)
	s.logger.Info("scan complete",
		zap.Int("products", len(ids)),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (s *Scheduler) productIDs(ctx context.Context) ([]int64, error) {
	if s.cfg.IncludeInactive {
		return s.products.ListProductIDs(ctx)
	}
	return s.products.ListActiveProductIDs(ctx)
}
