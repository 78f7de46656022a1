// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricepulse/internal/tracker"
	"github.com/JakeFAU/pricepulse/internal/worker"
)

const defaultMaintainInterval = time.Second

// Dispatcher fans out queue work to a pool of workers and, for brokers that
// need it, runs periodic queue maintenance.
type Dispatcher struct {
	queue            tracker.Queue
	workers          []*worker.Worker
	maintainInterval time.Duration
	logger           *zap.Logger
}

// New creates a Dispatcher. A non-positive interval uses one second.
func New(queue tracker.Queue, workers []*worker.Worker, maintainInterval time.Duration, logger *zap.Logger) *Dispatcher {
	if maintainInterval <= 0 {
		maintainInterval = defaultMaintainInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:            queue,
		workers:          workers,
		maintainInterval: maintainInterval,
		logger:           logger,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if m, ok := d.queue.(tracker.Maintainer); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.maintain(ctx, m)
		}()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) maintain(ctx context.Context, m tracker.Maintainer) {
	ticker := time.NewTicker(d.maintainInterval)
	defer ticker.Stop()
	for {
		if err := m.Maintain(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("queue maintenance failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
