package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const throughputKey = "posts:fetched:current_minute"

// Throughput tracks how many posts were accepted in the current minute.
// The counter self-expires, so a quiet minute reads as zero.
type Throughput struct {
	rdb *redis.Client
}

// NewThroughput creates a Throughput counter.
func NewThroughput(rdb *redis.Client) *Throughput {
	return &Throughput{rdb: rdb}
}

// Add bumps the counter by n and refreshes the one-minute expiry.
func (t *Throughput) Add(ctx context.Context, n int) error {
	pipe := t.rdb.TxPipeline()
	pipe.IncrBy(ctx, throughputKey, int64(n))
	pipe.Expire(ctx, throughputKey, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to bump throughput counter: %w", err)
	}
	return nil
}

// Current returns the posts accepted in the current minute.
func (t *Throughput) Current(ctx context.Context) (int64, error) {
	v, err := t.rdb.Get(ctx, throughputKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read throughput counter: %w", err)
	}
	return v, nil
}
