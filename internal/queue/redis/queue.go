// Package redis implements the price_tracking broker on Redis lists.
//
// Layout for queue q under prefix p:
//
//	p:q:ready       LIST  payloads waiting for a worker (consumed from the right)
//	p:q:processing  LIST  payloads held by a worker
//	p:q:leases      HASH  payload -> lease deadline (unix ms)
//	p:q:delayed     ZSET  retry payloads scored by due time (unix ms)
//	p:q:dead        LIST  dead-lettered entries
//	p:result:<id>   STRING job result JSON with TTL
//
// A payload is the JSON encoding of one attempt of a job and doubles as the
// delivery receipt.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricepulse/internal/metrics"
	"github.com/JakeFAU/pricepulse/internal/tracker"
)

const promoteBatch = 100

// Config locates the broker and tunes delivery.
type Config struct {
	Addr              string
	Password          string
	DB                int
	Queue             string
	Prefix            string
	VisibilityTimeout time.Duration
	ResultTTL         time.Duration
	PollInterval      time.Duration
}

type keys struct {
	ready      string
	processing string
	leases     string
	delayed    string
	dead       string
	result     string
}

func newKeys(prefix, queue string) keys {
	base := prefix + ":" + queue + ":"
	return keys{
		ready:      base + "ready",
		processing: base + "processing",
		leases:     base + "leases",
		delayed:    base + "delayed",
		dead:       base + "dead",
		result:     prefix + ":result:",
	}
}

// DeadEntry is what the dead list stores.
type DeadEntry struct {
	Job    tracker.Job `json:"job"`
	Reason string      `json:"reason"`
	At     time.Time   `json:"at"`
}

// Queue implements tracker.Broker and tracker.Maintainer.
type Queue struct {
	client     redis.UniversalClient
	ownsClient bool
	keys       keys
	ids        tracker.IDGenerator
	now        func() time.Time
	visibility time.Duration
	resultTTL  time.Duration
	poll       time.Duration
	logger     *zap.Logger
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config, ids tracker.IDGenerator, logger *zap.Logger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	q, err := NewWithClient(client, cfg, ids, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	q.ownsClient = true
	return q, nil
}

// NewWithClient wraps an existing client; Close leaves it open.
func NewWithClient(client redis.UniversalClient, cfg Config, ids tracker.IDGenerator, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "pricepulse"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:     client,
		keys:       newKeys(cfg.Prefix, cfg.Queue),
		ids:        ids,
		now:        func() time.Time { return time.Now().UTC() },
		visibility: cfg.VisibilityTimeout,
		resultTTL:  cfg.ResultTTL,
		poll:       cfg.PollInterval,
		logger:     logger.With(zap.String("queue", cfg.Queue)),
	}, nil
}

// Enqueue assigns an id when missing, then stores the queued result and
// pushes the payload in one MULTI/EXEC.
func (q *Queue) Enqueue(ctx context.Context, job tracker.Job) (string, error) {
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

	payload, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	result, err := json.Marshal(tracker.JobResult{
		JobID:     job.ID,
		Status:    tracker.JobStatusQueued,
		ProductID: job.ProductID,
		UpdatedAt: q.now(),
	})
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.keys.result+job.ID, result, q.resultTTL)
		p.LPush(ctx, q.keys.ready, payload)
		return nil
	})
	if err != nil {
		metrics.ObserveEnqueueError()
		return "", fmt.Errorf("%w: enqueue: %w", tracker.ErrQueue, err)
	}
	return job.ID, nil
}

// Dequeue blocks until a job moves from ready to processing, then leases it.
// Undecodable payloads are moved to the dead list and skipped.
func (q *Queue) Dequeue(ctx context.Context) (tracker.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return tracker.Delivery{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		payload, err := q.client.BLMove(ctx, q.keys.ready, q.keys.processing, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return tracker.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return tracker.Delivery{}, fmt.Errorf("%w: dequeue: %w", tracker.ErrQueue, err)
		}

		job, err := decodeJob(payload)
		if err != nil {
			q.logger.Warn("dropping undecodable payload", zap.Error(err))
			if _, txErr := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.LRem(ctx, q.keys.processing, 1, payload)
				p.LPush(ctx, q.keys.dead, payload)
				return nil
			}); txErr != nil {
				q.logger.Error("park undecodable payload", zap.Error(txErr))
			}
			continue
		}

		deadline := q.now().Add(q.visibility).UnixMilli()
		if err := q.client.HSet(ctx, q.keys.leases, payload, deadline).Err(); err != nil {
			// The reaper grants a grace lease to unleased items, so the job is not lost.
			q.logger.Warn("lease not recorded", zap.String("job_id", job.ID), zap.Error(err))
		}
		return tracker.Delivery{Job: job, Receipt: payload}, nil
	}
}

// Ack removes a finished delivery and its lease.
func (q *Queue) Ack(ctx context.Context, d tracker.Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.keys.processing, 1, d.Receipt)
		p.HDel(ctx, q.keys.leases, d.Receipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: ack %s: %w", tracker.ErrQueue, d.Job.ID, err)
	}
	return nil
}

// Retry releases the delivery and schedules the next attempt after delay.
func (q *Queue) Retry(ctx context.Context, d tracker.Delivery, delay time.Duration) error {
	next := d.Job
	next.Attempt++
	payload, err := encodeJob(next)
	if err != nil {
		return err
	}
	due := float64(q.now().Add(delay).UnixMilli())

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.keys.processing, 1, d.Receipt)
		p.HDel(ctx, q.keys.leases, d.Receipt)
		p.ZAdd(ctx, q.keys.delayed, redis.Z{Score: due, Member: payload})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: retry %s: %w", tracker.ErrQueue, d.Job.ID, err)
	}
	return nil
}

// DeadLetter releases the delivery onto the dead list with a reason.
func (q *Queue) DeadLetter(ctx context.Context, d tracker.Delivery, reason string) error {
	entry, err := json.Marshal(DeadEntry{Job: d.Job, Reason: reason, At: q.now()})
	if err != nil {
		return fmt.Errorf("encode dead entry: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.keys.processing, 1, d.Receipt)
		p.HDel(ctx, q.keys.leases, d.Receipt)
		p.LPush(ctx, q.keys.dead, entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: dead-letter %s: %w", tracker.ErrQueue, d.Job.ID, err)
	}
	return nil
}

// SaveResult overwrites the job's result and refreshes its TTL.
func (q *Queue) SaveResult(ctx context.Context, res tracker.JobResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := q.client.Set(ctx, q.keys.result+res.JobID, data, q.resultTTL).Err(); err != nil {
		return fmt.Errorf("%w: save result %s: %w", tracker.ErrQueue, res.JobID, err)
	}
	return nil
}

// GetResult returns tracker.ErrNotFound for unknown or expired jobs.
func (q *Queue) GetResult(ctx context.Context, jobID string) (tracker.JobResult, error) {
	data, err := q.client.Get(ctx, q.keys.result+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return tracker.JobResult{}, fmt.Errorf("%w: job %s", tracker.ErrNotFound, jobID)
	}
	if err != nil {
		return tracker.JobResult{}, fmt.Errorf("%w: get result %s: %w", tracker.ErrQueue, jobID, err)
	}
	var res tracker.JobResult
	if err := json.Unmarshal(data, &res); err != nil {
		return tracker.JobResult{}, fmt.Errorf("decode result %s: %w", jobID, err)
	}
	return res, nil
}

// Maintain promotes due retries and requeues deliveries whose lease expired.
func (q *Queue) Maintain(ctx context.Context) error {
	nowMs := q.now().UnixMilli()

	promoted, err := promoteScript.Run(ctx, q.client,
		[]string{q.keys.delayed, q.keys.ready},
		nowMs, promoteBatch,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: promote delayed: %w", tracker.ErrQueue, err)
	}

	reaped, err := reapScript.Run(ctx, q.client,
		[]string{q.keys.processing, q.keys.leases, q.keys.ready},
		nowMs, nowMs+q.visibility.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: reap leases: %w", tracker.ErrQueue, err)
	}

	metrics.ObserveRequeued("promoted", promoted)
	metrics.ObserveRequeued("expired", reaped)
	if reaped > 0 {
		q.logger.Warn("requeued deliveries with expired leases", zap.Int("count", reaped))
	}
	return nil
}

// Ping checks broker connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", tracker.ErrQueue, err)
	}
	return nil
}

// Close releases the client when the queue created it.
func (q *Queue) Close() error {
	if !q.ownsClient {
		return nil
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func encodeJob(job tracker.Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return string(data), nil
}

func decodeJob(payload string) (tracker.Job, error) {
	var job tracker.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return tracker.Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" || job.ProductID <= 0 {
		return tracker.Job{}, fmt.Errorf("decode job: missing id or product_id")
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	return job, nil
}
