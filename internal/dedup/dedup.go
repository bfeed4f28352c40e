// Package dedup tracks which posts the collector has already accepted,
// backed by Redis sets with a rolling retention window.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index answers "have we seen this post" across harvest runs. Two sets
// are maintained per write: a per-source set used for filtering and a
// per-sub-source set used for observability. Every write refreshes the
// TTL on both, so retention is measured from last activity.
type Index struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates an Index with the given retention window.
func New(rdb *redis.Client, ttl time.Duration) *Index {
	return &Index{rdb: rdb, ttl: ttl}
}

func sourceKey(source string) string       { return "seen:" + source }
func subSourceKey(subSource string) string { return "seen_posts:" + subSource }

// Seen reports whether a single post id was already accepted.
func (x *Index) Seen(ctx context.Context, source, id string) (bool, error) {
	ok, err := x.rdb.SIsMember(ctx, sourceKey(source), id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check seen set: %w", err)
	}
	return ok, nil
}

// Add records a single id, reporting whether it was new. One atomic
// SADD, so concurrent writers agree on exactly one first sighting.
func (x *Index) Add(ctx context.Context, source, id string) (bool, error) {
	pipe := x.rdb.TxPipeline()
	added := pipe.SAdd(ctx, sourceKey(source), id)
	pipe.Expire(ctx, sourceKey(source), x.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to add to seen set: %w", err)
	}
	return added.Val() == 1, nil
}

// WarmStart seeds the seen set from an id stream, one page at a time,
// so a fresh Redis instance does not re-accept posts the archive
// already holds. The iterator signals exhaustion with an empty page.
// Returns how many ids were newly seeded.
func (x *Index) WarmStart(ctx context.Context, source string, next func(context.Context) ([]string, error)) (int64, error) {
	var seeded int64
	for {
		ids, err := next(ctx)
		if err != nil {
			return seeded, fmt.Errorf("failed to stream archive ids: %w", err)
		}
		if len(ids) == 0 {
			return seeded, nil
		}

		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe := x.rdb.Pipeline()
		added := pipe.SAdd(ctx, sourceKey(source), members...)
		pipe.Expire(ctx, sourceKey(source), x.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return seeded, fmt.Errorf("failed to seed seen set: %w", err)
		}
		seeded += added.Val()
	}
}

// FilterNew returns the subset of ids not yet present in the source's
// seen set, preserving input order. Membership checks run in one
// pipelined round trip.
func (x *Index) FilterNew(ctx context.Context, source string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := x.rdb.Pipeline()
	checks := make([]*redis.BoolCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.SIsMember(ctx, sourceKey(source), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to filter seen posts: %w", err)
	}

	fresh := make([]string, 0, len(ids))
	for i, id := range ids {
		if !checks[i].Val() {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

// MarkSeen records a batch of accepted ids under both the source and
// sub-source sets and refreshes their TTLs. Empty batches are a no-op.
func (x *Index) MarkSeen(ctx context.Context, source, subSource string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	pipe := x.rdb.Pipeline()
	pipe.SAdd(ctx, sourceKey(source), members...)
	pipe.Expire(ctx, sourceKey(source), x.ttl)
	pipe.SAdd(ctx, subSourceKey(subSource), members...)
	pipe.Expire(ctx, subSourceKey(subSource), x.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark posts seen: %w", err)
	}
	return nil
}

// SeenCount returns the cardinality of the source's seen set.
func (x *Index) SeenCount(ctx context.Context, source string) (int64, error) {
	n, err := x.rdb.SCard(ctx, sourceKey(source)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count seen set: %w", err)
	}
	return n, nil
}
