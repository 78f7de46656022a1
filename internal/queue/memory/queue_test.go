package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricepulse/internal/tracker"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return "job-" + string(rune('0'+s.n)), nil
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, &seqIDs{}, time.Hour)
	result := make(chan tracker.Delivery, 1)
	errCh := make(chan error, 1)

	go func() {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- d
	}()

	id, err := q.Enqueue(context.Background(), tracker.Job{ProductID: 7, Kind: tracker.JobKindImmediate})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got.Job.ID)
		require.Equal(t, 1, got.Job.Attempt)
		require.Equal(t, int64(7), got.Job.ProductID)
		require.NotEmpty(t, got.Receipt)
		require.NoError(t, q.Ack(context.Background(), got))
		require.Error(t, q.Ack(context.Background(), got), "second ack has no receipt")
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}

	res, err := q.GetResult(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusQueued, res.Status)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, &seqIDs{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	_, err = q.Enqueue(context.Background(), tracker.Job{ProductID: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, tracker.Job{ProductID: 2})
	require.ErrorIs(t, err, context.Canceled, "full queue must respect cancellation")
	_, err = q.GetResult(context.Background(), "job-2")
	require.ErrorIs(t, err, tracker.ErrNotFound, "rejected job leaves no result")
}

func TestQueueRetryRedeliversWithNextAttempt(t *testing.T) {
	t.Parallel()

	q := NewQueue(4, &seqIDs{}, 0)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, tracker.Job{ProductID: 3})
	require.NoError(t, err)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, first, 10*time.Millisecond))

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	second, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, first.Job.ID, second.Job.ID)
	require.Equal(t, 2, second.Job.Attempt)
	require.NotEqual(t, first.Receipt, second.Receipt)
}

func TestQueueDeadLetter(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, &seqIDs{}, 0)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, tracker.Job{ProductID: 3})
	require.NoError(t, err)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(ctx, d, "fetch_not_found"))
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	require.Equal(t, "fetch_not_found", dead[0].Reason)
	require.Error(t, q.Retry(ctx, d, 0))
}

func TestQueueResultExpires(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, &seqIDs{}, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.SaveResult(context.Background(), tracker.JobResult{JobID: "a", Status: tracker.JobStatusRecorded}))
	_, err := q.GetResult(context.Background(), "a")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = q.GetResult(context.Background(), "a")
	require.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestQueueCloseUnblocksConsumers(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, &seqIDs{}, 0)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock on close")
	}
	_, err := q.Enqueue(context.Background(), tracker.Job{ProductID: 1})
	require.ErrorIs(t, err, ErrClosed)
}
