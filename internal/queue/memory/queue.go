// Package memory provides a broker for standalone mode and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/pricepulse/internal/tracker"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory broker with context-aware operations,
// delayed retries, a dead-letter list, and a TTL'd result table.
type Queue struct {
	ch   chan tracker.Job
	done chan struct{}
	ids  tracker.IDGenerator
	now  func() time.Time
	ttl  time.Duration

	mu       sync.Mutex
	inflight map[string]tracker.Job
	timers   map[*time.Timer]struct{}
	dead     []DeadJob
	results  map[string]storedResult
	closed   bool
}

// DeadJob is a dead-lettered job and the reason it was dropped.
type DeadJob struct {
	Job    tracker.Job
	Reason string
}

type storedResult struct {
	result    tracker.JobResult
	expiresAt time.Time
}

// NewQueue constructs a new queue with the provided capacity. Results expire
// after resultTTL; zero keeps them forever.
func NewQueue(capacity int, ids tracker.IDGenerator, resultTTL time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:       make(chan tracker.Job, capacity),
		done:     make(chan struct{}),
		ids:      ids,
		now:      func() time.Time { return time.Now().UTC() },
		ttl:      resultTTL,
		inflight: make(map[string]tracker.Job),
		timers:   make(map[*time.Timer]struct{}),
		results:  make(map[string]storedResult),
	}
}

// Enqueue assigns an id when missing, records a queued result, and pushes the
// job or returns if the context ends first.
func (q *Queue) Enqueue(ctx context.Context, job tracker.Job) (string, error) {
	select {
	case <-q.done:
		return "", ErrClosed
	default:
	}
	if job.ID == "" {
		if q.ids == nil {
			return "", errors.New("job id is required")
		}
		id, err := q.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("assign job id: %w", err)
		}
		job.ID = id
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	// The queued result goes first so a fast worker cannot be overwritten.
	if err := q.SaveResult(ctx, tracker.JobResult{
		JobID:     job.ID,
		Status:    tracker.JobStatusQueued,
		ProductID: job.ProductID,
		UpdatedAt: q.now(),
	}); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		q.forgetResult(job.ID)
		return "", fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		q.forgetResult(job.ID)
		return "", ErrClosed
	case q.ch <- job:
		return job.ID, nil
	}
}

func (q *Queue) forgetResult(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.results, jobID)
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (tracker.Delivery, error) {
	select {
	case <-ctx.Done():
		return tracker.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return tracker.Delivery{}, ErrClosed
	case job := <-q.ch:
		receipt := job.ID + "#" + strconv.Itoa(job.Attempt)
		q.mu.Lock()
		q.inflight[receipt] = job
		q.mu.Unlock()
		return tracker.Delivery{Job: job, Receipt: receipt}, nil
	}
}

// Ack forgets a finished delivery.
func (q *Queue) Ack(_ context.Context, d tracker.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[d.Receipt]; !ok {
		return fmt.Errorf("ack %s: unknown receipt", d.Receipt)
	}
	delete(q.inflight, d.Receipt)
	return nil
}

// Retry schedules the next attempt after delay.
func (q *Queue) Retry(_ context.Context, d tracker.Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.inflight[d.Receipt]
	if !ok {
		return fmt.Errorf("retry %s: unknown receipt", d.Receipt)
	}
	if q.closed {
		return ErrClosed
	}
	delete(q.inflight, d.Receipt)
	job.Attempt++

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		select {
		case q.ch <- job:
		case <-q.done:
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// DeadLetter parks a delivery for inspection.
func (q *Queue) DeadLetter(_ context.Context, d tracker.Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.inflight[d.Receipt]
	if !ok {
		return fmt.Errorf("dead-letter %s: unknown receipt", d.Receipt)
	}
	delete(q.inflight, d.Receipt)
	q.dead = append(q.dead, DeadJob{Job: job, Reason: reason})
	return nil
}

// DeadLetters returns a copy of the dead-letter list.
func (q *Queue) DeadLetters() []DeadJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadJob, len(q.dead))
	copy(out, q.dead)
	return out
}

// SaveResult stores the latest status of a job.
func (q *Queue) SaveResult(_ context.Context, res tracker.JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expires time.Time
	if q.ttl > 0 {
		expires = q.now().Add(q.ttl)
	}
	q.results[res.JobID] = storedResult{result: res, expiresAt: expires}
	return nil
}

// GetResult returns tracker.ErrNotFound for unknown or expired jobs.
func (q *Queue) GetResult(_ context.Context, jobID string) (tracker.JobResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.results[jobID]
	if !ok {
		return tracker.JobResult{}, fmt.Errorf("%w: job %s", tracker.ErrNotFound, jobID)
	}
	if !stored.expiresAt.IsZero() && q.now().After(stored.expiresAt) {
		delete(q.results, jobID)
		return tracker.JobResult{}, fmt.Errorf("%w: job %s", tracker.ErrNotFound, jobID)
	}
	return stored.result, nil
}

// Close stops pending retries and unblocks producers and consumers.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	close(q.done)
	return nil
}
