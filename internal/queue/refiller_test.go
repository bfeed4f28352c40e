package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/store"
)

// fakePostsRepo serves canned queue candidates.
type fakePostsRepo struct {
	store.PostsRepo
	candidates []store.QueueCandidate
	calls      int
}

func (f *fakePostsRepo) ListUnprocessed(ctx context.Context, maxRetries, limit int) ([]store.QueueCandidate, error) {
	f.calls++
	if len(f.candidates) > limit {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

func (f *fakePostsRepo) CountByStatus(ctx context.Context) (map[domain.PostStatus]int64, error) {
	return nil, nil
}

func TestRefillOnceTopsUpWhenLow(t *testing.T) {
	q := newTestQueue(t, Config{})
	repo := &fakePostsRepo{candidates: []store.QueueCandidate{
		{ID: "p1", Source: "reddit"},
		{ID: "p2", Source: "reddit"},
		{ID: "p3", Source: "reddit"},
	}}

	r := NewRefiller(q, repo, 3, 25, 3)
	added, err := r.RefillOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	status, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.Waiting)
}

func TestRefillSkipsWhenQueueHealthy(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := q.Enqueue(ctx, Payload{PostID: id, Source: "reddit"})
		require.NoError(t, err)
	}

	repo := &fakePostsRepo{candidates: []store.QueueCandidate{{ID: "p1", Source: "reddit"}}}
	r := NewRefiller(q, repo, 3, 25, 3)

	added, err := r.RefillOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Zero(t, repo.calls, "database is not queried while the queue is above the low-water mark")
}

func TestRefillCountsActiveAgainstLowWaterMark(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := q.Enqueue(ctx, Payload{PostID: id, Source: "reddit"})
		require.NoError(t, err)
	}
	// Two claimed jobs: waiting drops to 2, but in-flight work keeps
	// the queue above the low-water mark.
	for i := 0; i < 2; i++ {
		job, err := q.dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
	}

	repo := &fakePostsRepo{candidates: []store.QueueCandidate{{ID: "p1", Source: "reddit"}}}
	r := NewRefiller(q, repo, 3, 25, 3)

	added, err := r.RefillOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Zero(t, repo.calls)
}

func TestRefillSkipsTrackedIDs(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	// p1 is already in flight; the refill must not double-add it.
	_, err := q.Enqueue(ctx, Payload{PostID: "p1", Source: "reddit"})
	require.NoError(t, err)

	repo := &fakePostsRepo{candidates: []store.QueueCandidate{
		{ID: "p1", Source: "reddit"},
		{ID: "p2", Source: "reddit"},
	}}
	r := NewRefiller(q, repo, 3, 25, 3)

	added, err := r.RefillOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
}

func TestRefillerRunStopsOnCancel(t *testing.T) {
	q := newTestQueue(t, Config{})
	r := NewRefiller(q, &fakePostsRepo{}, 3, 25, 3)
	r.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("refiller did not stop")
	}
}
