// Package watermark persists the newest post timestamp seen per
// sub-source so continuous harvests can stop paging once they reach
// already-covered ground.
package watermark

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/probelabs/trendscout/internal/domain"
)

// advanceScript raises the stored watermark only when the candidate is
// newer, making concurrent advances safe without a round trip race.
var advanceScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local new = tonumber(ARGV[1])
if new > cur then
  redis.call('SET', KEYS[1], new)
  return new
end
return cur
`)

// Store reads and advances per-sub-source watermarks.
type Store struct {
	rdb *redis.Client
}

// New creates a watermark Store.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(subSource string) string { return "last_fetch:" + subSource }

// Get returns the watermark for subSource, or zero when none is set.
func (s *Store) Get(ctx context.Context, subSource string) (int64, error) {
	v, err := s.rdb.Get(ctx, key(subSource)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark for %s: %w", subSource, err)
	}
	return v, nil
}

// Advance raises the watermark to ts when ts is newer and returns the
// resulting value. Older timestamps leave the watermark untouched.
func (s *Store) Advance(ctx context.Context, subSource string, ts int64) (int64, error) {
	v, err := advanceScript.Run(ctx, s.rdb, []string{key(subSource)}, ts).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to advance watermark for %s: %w", subSource, err)
	}
	return v, nil
}

// Since returns only the posts created strictly after the given
// watermark value, preserving input order.
func Since(posts []domain.RawPost, last int64) []domain.RawPost {
	var fresh []domain.RawPost
	for _, p := range posts {
		if p.CreatedAt > last {
			fresh = append(fresh, p)
		}
	}
	return fresh
}

// Newest returns the largest createdAt in posts, or zero for an empty
// slice.
func Newest(posts []domain.RawPost) int64 {
	var newest int64
	for _, p := range posts {
		if p.CreatedAt > newest {
			newest = p.CreatedAt
		}
	}
	return newest
}

// FilterNew returns only the posts newer than the sub-source's
// watermark and, when any survive, advances the watermark to the
// newest of them. Posts at or below the watermark are never re-emitted.
//
// Callers paging through a multi-page backlog must not use this per
// page: the advance after page one would hide the older pages behind
// it. Page with Get + Since against one watermark reading and Advance
// explicitly instead.
func (s *Store) FilterNew(ctx context.Context, subSource string, posts []domain.RawPost) ([]domain.RawPost, error) {
	if len(posts) == 0 {
		return nil, nil
	}

	last, err := s.Get(ctx, subSource)
	if err != nil {
		return nil, err
	}

	fresh := Since(posts, last)
	if len(fresh) > 0 {
		if _, err := s.Advance(ctx, subSource, Newest(fresh)); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}
