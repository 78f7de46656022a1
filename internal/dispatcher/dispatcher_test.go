package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricepulse/internal/tracker"
	"github.com/JakeFAU/pricepulse/internal/worker"
)

type blockingQueue struct {
	dequeues atomic.Int32
}

func (q *blockingQueue) Enqueue(context.Context, tracker.Job) (string, error) { return "", nil }

func (q *blockingQueue) Dequeue(ctx context.Context) (tracker.Delivery, error) {
	q.dequeues.Add(1)
	<-ctx.Done()
	return tracker.Delivery{}, ctx.Err()
}

func (q *blockingQueue) Ack(context.Context, tracker.Delivery) error { return nil }

func (q *blockingQueue) Retry(context.Context, tracker.Delivery, time.Duration) error { return nil }

func (q *blockingQueue) DeadLetter(context.Context, tracker.Delivery, string) error { return nil }

type maintainedQueue struct {
	blockingQueue
	maintained atomic.Int32
}

func (q *maintainedQueue) Maintain(context.Context) error {
	q.maintained.Add(1)
	return nil
}

func newWorkers(q tracker.Queue, n int) []*worker.Worker {
	out := make([]*worker.Worker, 0, n)
	for range n {
		out = append(out, worker.New(q, nil, nil, nil, nil, nil, worker.Config{}, zap.NewNop()))
	}
	return out
}

func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{}
	d := New(queue, newWorkers(queue, 3), 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return queue.dequeues.Load() == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestDispatcherRunsMaintenance(t *testing.T) {
	t.Parallel()

	queue := &maintainedQueue{}
	d := New(queue, newWorkers(queue, 1), 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return queue.maintained.Load() >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
