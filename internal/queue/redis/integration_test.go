//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/pricepulse/internal/id/uuid"
	"github.com/JakeFAU/pricepulse/internal/tracker"
)

func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestQueue(t *testing.T, client *goredis.Client) *Queue {
	t.Helper()
	q, err := NewWithClient(client, Config{
		Queue:             "price_tracking",
		Prefix:            "test",
		VisibilityTimeout: time.Minute,
		ResultTTL:         time.Hour,
		PollInterval:      100 * time.Millisecond,
	}, uuid.New(), nil)
	require.NoError(t, err)
	return q
}

func TestRedisQueueLifecycle(t *testing.T) {
	client := setupRedis(t)
	q := newTestQueue(t, client)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, tracker.Job{ProductID: 1, Kind: tracker.JobKindImmediate})
	require.NoError(t, err)
	require.True(t, uuid.Valid(jobID))

	res, err := q.GetResult(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusQueued, res.Status)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, jobID, d.Job.ID)
	require.EqualValues(t, 1, client.LLen(ctx, q.keys.processing).Val())
	require.EqualValues(t, 1, client.HLen(ctx, q.keys.leases).Val())

	require.NoError(t, q.Retry(ctx, d, 0))
	require.EqualValues(t, 0, client.LLen(ctx, q.keys.processing).Val())
	require.EqualValues(t, 1, client.ZCard(ctx, q.keys.delayed).Val())

	require.NoError(t, q.Maintain(ctx))
	d2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, d2.Job.Attempt)

	require.NoError(t, q.DeadLetter(ctx, d2, "fetch_not_found"))
	require.EqualValues(t, 1, client.LLen(ctx, q.keys.dead).Val())
	require.EqualValues(t, 0, client.HLen(ctx, q.keys.leases).Val())

	_, err = q.GetResult(ctx, "missing")
	require.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestRedisQueueReapsExpiredLeases(t *testing.T) {
	client := setupRedis(t)
	q := newTestQueue(t, client)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, tracker.Job{ProductID: 9, Kind: tracker.JobKindRecurring})
	require.NoError(t, err)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)

	// Simulate a crashed worker whose lease ran out.
	q.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	require.NoError(t, q.Maintain(ctx))

	redelivered, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, d.Job.ID, redelivered.Job.ID)
	require.Equal(t, d.Receipt, redelivered.Receipt)
	require.NoError(t, q.Ack(ctx, redelivered))
	require.EqualValues(t, 0, client.LLen(ctx, q.keys.processing).Val())
}

func TestRedisQueueDequeueHonorsCancel(t *testing.T) {
	client := setupRedis(t)
	q := newTestQueue(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
