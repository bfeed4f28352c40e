package watermark

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelabs/trendscout/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestGetDefaultsToZero(t *testing.T) {
	s := newTestStore(t)
	v, err := s.Get(context.Background(), "programming")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestAdvanceIsMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Advance(ctx, "programming", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v)

	// An older timestamp never lowers the watermark.
	v, err = s.Advance(ctx, "programming", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v)

	v, err = s.Advance(ctx, "programming", 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), v)

	got, err := s.Get(ctx, "programming")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got)
}

func TestSubSourcesAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Advance(ctx, "programming", 100)
	require.NoError(t, err)

	v, err := s.Get(ctx, "webdev")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestFilterNewSkipsCoveredPostsAndAdvances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Advance(ctx, "s", 1000)
	require.NoError(t, err)

	batch := []domain.RawPost{
		{ID: "a", CreatedAt: 900},
		{ID: "b", CreatedAt: 1100},
	}

	fresh, err := s.FilterNew(ctx, "s", batch)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "b", fresh[0].ID)

	v, err := s.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), v)

	// The identical batch is now fully covered.
	fresh, err = s.FilterNew(ctx, "s", batch)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestFilterNewAtWatermarkIsExcluded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Advance(ctx, "s", 1000)
	require.NoError(t, err)

	fresh, err := s.FilterNew(ctx, "s", []domain.RawPost{{ID: "a", CreatedAt: 1000}})
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestConcurrentAdvanceKeepsMaximum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for ts := int64(1); ts <= 50; ts++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			_, err := s.Advance(ctx, "programming", ts)
			assert.NoError(t, err)
		}(ts)
	}
	wg.Wait()

	v, err := s.Get(ctx, "programming")
	require.NoError(t, err)
	assert.Equal(t, int64(50), v)
}
