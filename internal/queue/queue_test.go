package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, cfg)
}

func TestEnqueueIsIdempotentPerPostID(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	added, err := q.Enqueue(ctx, Payload{PostID: "p1", Source: "reddit"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, Payload{PostID: "p1", Source: "reddit"})
	require.NoError(t, err)
	assert.False(t, added)

	status, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Waiting)
}

func TestEnqueueBulkSkipsTrackedAndBatchDuplicates(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	// p1 is already in flight.
	added, err := q.Enqueue(ctx, Payload{PostID: "p1", Source: "reddit"})
	require.NoError(t, err)
	require.True(t, added)

	n, err := q.EnqueueBulk(ctx, []Payload{
		{PostID: "p1", Source: "reddit"},
		{PostID: "p2", Source: "reddit"},
		{PostID: "p2", Source: "reddit"}, // duplicate within the batch
		{PostID: "p3", Source: "reddit"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	status, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.Waiting)

	// Bulk-added jobs carry full state and dequeue normally.
	job, err := q.dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "p1", job.ID)
	assert.Equal(t, q.cfg.MaxAttempts, job.MaxAttempts)
}

func TestEnqueueBulkEmptyIsNoOp(t *testing.T) {
	q := newTestQueue(t, Config{})
	n, err := q.EnqueueBulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDequeueClaimsOldestFirst(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, Payload{PostID: id, Source: "reddit"})
		require.NoError(t, err)
	}

	job, err := q.dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.ID)
	assert.Equal(t, "reddit", job.Payload.Source)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, 3, job.MaxAttempts)

	status, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.Waiting)
	assert.Equal(t, int64(1), status.Active)
}

func TestCompleteReleasesID(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Payload{PostID: "p1", Source: "reddit"})
	require.NoError(t, err)

	job, err := q.dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID))

	status, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Active)
	assert.Equal(t, int64(1), status.Completed)

	tracked, err := q.IsTracked(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, tracked)

	// Same id may be enqueued again after completion.
	added, err := q.Enqueue(ctx, Payload{PostID: "p1", Source: "reddit"})
	require.NoError(t, err)
	assert.True(t, added)
}

func TestCompletedHistoryIsBounded(t *testing.T) {
	q := newTestQueue(t, Config{KeepCompleted: 5})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("p%d", i)
		_, err := q.Enqueue(ctx, Payload{PostID: id, Source: "reddit"})
		require.NoError(t, err)
		job, err := q.dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job.ID))
	}

	status, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), status.Completed)
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	q := newTestQueue(t, Config{RetryDelay: time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Payload{PostID: "p1", Source: "reddit"})
	require.NoError(t, err)

	job, err := q.dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errors.New("stage timeout")))

	status, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Delayed)
	assert.Equal(t, int64(0), status.Active)

	// Still tracked while parked, so duplicate adds stay blocked.
	tracked, err := q.IsTracked(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, tracked)

	time.Sleep(20 * time.Millisecond)
	moved, err := q.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	// The retried job carries its error and attempt count forward.
	retried, err := q.dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, retried.AttemptsMade)
	assert.Equal(t, "stage timeout", retried.LastError)
}

func TestFailExhaustedGoesToFailedHistory(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 2, RetryDelay: time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Payload{PostID: "p1", Source: "reddit"})
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			time.Sleep(20 * time.Millisecond)
			_, err := q.Promote(ctx)
			require.NoError(t, err)
		}
		job, err := q.dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		require.NoError(t, q.Fail(ctx, job, errors.New("boom")))
	}

	status, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Failed)
	assert.Equal(t, int64(0), status.Delayed)

	// Permanent failure releases the id for a future refill.
	tracked, err := q.IsTracked(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, tracked)
}

func TestPromoteLeavesFutureJobsParked(t *testing.T) {
	q := newTestQueue(t, Config{RetryDelay: time.Hour})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Payload{PostID: "p1", Source: "reddit"})
	require.NoError(t, err)
	job, err := q.dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errors.New("later")))

	moved, err := q.Promote(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	status, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Delayed)
}

func TestRequeueStalledRescuesAbandonedJobs(t *testing.T) {
	q := newTestQueue(t, Config{StallTimeout: time.Millisecond})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Payload{PostID: "p1", Source: "reddit"})
	require.NoError(t, err)
	_, err = q.dequeue(ctx, time.Second)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	rescued, err := q.RequeueStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rescued)

	status, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Waiting)
	assert.Equal(t, int64(0), status.Active)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q := newTestQueue(t, Config{RetryDelay: time.Second})

	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, time.Hour, q.backoff(60))
}
