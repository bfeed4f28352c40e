package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelabs/trendscout/internal/metrics"
)

func TestWorkerPoolProcessesAndRetries(t *testing.T) {
	q := newTestQueue(t, Config{RetryDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := map[string]int{}

	handler := func(ctx context.Context, job *Job) error {
		mu.Lock()
		attempts[job.ID]++
		n := attempts[job.ID]
		mu.Unlock()

		// One job fails on its first attempt and recovers on retry.
		if job.ID == "flaky" && n == 1 {
			return errors.New("transient failure")
		}
		return nil
	}

	for _, id := range []string{"steady", "flaky", "other"} {
		_, err := q.Enqueue(ctx, Payload{PostID: id, Source: "reddit"})
		require.NoError(t, err)
	}

	pool := NewWorkerPool(q, handler, 2, metrics.New())
	pool.promoteEvery = 10 * time.Millisecond
	pool.censusEvery = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		status, err := q.Counts(context.Background())
		return err == nil && status.Completed == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts["steady"])
	assert.Equal(t, 2, attempts["flaky"])
	assert.Equal(t, 1, attempts["other"])
}

func TestWorkerPoolStopsOnCancel(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	pool := NewWorkerPool(q, func(ctx context.Context, job *Job) error { return nil }, 3, nil)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker pool did not stop after cancel")
	}
}

func TestWorkerPoolExhaustsRetries(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 2, RetryDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(ctx context.Context, job *Job) error {
		return errors.New("always broken")
	}

	_, err := q.Enqueue(ctx, Payload{PostID: "doomed", Source: "reddit"})
	require.NoError(t, err)

	pool := NewWorkerPool(q, handler, 1, nil)
	pool.promoteEvery = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		status, err := q.Counts(context.Background())
		return err == nil && status.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
