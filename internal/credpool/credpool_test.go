package credpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, n int) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ids := make([]string, n)
	secrets := make([]string, n)
	for i := range ids {
		ids[i] = "id"
		secrets[i] = "secret"
	}
	pool, err := New(rdb, ids, secrets, nil, nil)
	require.NoError(t, err)
	return pool, mr
}

func TestNewRejectsEmptyAndMismatched(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, err := New(rdb, nil, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(rdb, []string{"a", "b"}, []string{"s"}, nil, nil)
	assert.Error(t, err)
}

func TestAcquireRotatesRoundRobin(t *testing.T) {
	pool, _ := newTestPool(t, 3)
	ctx := context.Background()

	var order []int
	for i := 0; i < 4; i++ {
		c, err := pool.Acquire(ctx)
		require.NoError(t, err)
		order = append(order, c.Index)
	}
	assert.Equal(t, []int{0, 1, 2, 0}, order)
}

func TestAcquireSkipsBenchedCredential(t *testing.T) {
	pool, _ := newTestPool(t, 3)
	ctx := context.Background()

	require.NoError(t, pool.MarkCooldown(ctx, 0, time.Minute))

	c, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Index)
}

func TestAllCoolingReportsEarliestRelease(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	ctx := context.Background()

	require.NoError(t, pool.MarkCooldown(ctx, 0, 5*time.Minute))
	require.NoError(t, pool.MarkCooldown(ctx, 1, time.Minute))

	_, err := pool.Acquire(ctx)
	require.Error(t, err)

	var cooling *AllCoolingError
	require.True(t, errors.As(err, &cooling))
	assert.Greater(t, cooling.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, cooling.RetryAfter, time.Minute)
}

func TestCooldownExpiresOverTime(t *testing.T) {
	pool, mr := newTestPool(t, 1)
	ctx := context.Background()

	require.NoError(t, pool.MarkCooldown(ctx, 0, 30*time.Second))
	_, err := pool.Acquire(ctx)
	require.Error(t, err)

	mr.FastForward(31 * time.Second)

	c, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Index)
}

func TestCooldownRemaining(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	ctx := context.Background()

	rem, err := pool.CooldownRemaining(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, rem)

	require.NoError(t, pool.MarkCooldown(ctx, 0, time.Minute))
	rem, err = pool.CooldownRemaining(ctx, 0)
	require.NoError(t, err)
	assert.Greater(t, rem, 50*time.Second)
}

func TestMarkCooldownCoercesNonPositiveDuration(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	ctx := context.Background()

	require.NoError(t, pool.MarkCooldown(ctx, 0, 0))
	rem, err := pool.CooldownRemaining(ctx, 0)
	require.NoError(t, err)
	assert.Greater(t, rem, time.Duration(0))

	assert.Error(t, pool.MarkCooldown(ctx, 9, time.Second))
}
