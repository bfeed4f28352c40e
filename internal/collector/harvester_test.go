package collector

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelabs/trendscout/internal/credpool"
	"github.com/probelabs/trendscout/internal/dedup"
	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/rawstore"
	"github.com/probelabs/trendscout/internal/reddit"
	"github.com/probelabs/trendscout/internal/watermark"
)

// memRawStore is an in-memory raw post archive.
type memRawStore struct {
	mu    sync.Mutex
	posts map[string]domain.RawPost
}

func newMemRawStore() *memRawStore {
	return &memRawStore{posts: map[string]domain.RawPost{}}
}

func (s *memRawStore) SaveBatch(_ context.Context, posts []domain.RawPost) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for _, p := range posts {
		if _, ok := s.posts[p.ID]; ok {
			continue
		}
		s.posts[p.ID] = p
		written++
	}
	return written, nil
}

func (s *memRawStore) Get(_ context.Context, id string) (*domain.RawPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, rawstore.ErrNotFound
	}
	return &p, nil
}

func (s *memRawStore) IDs(_ context.Context, source string, offset, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.posts))
	for id, p := range s.posts {
		if p.Source == source {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memRawStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

// fakeLister scripts per-credential responses. Each call pops the next
// response queued for the acquiring credential's index.
type fakeLister struct {
	mu        sync.Mutex
	responses map[int][]listerResponse
	requests  []reddit.ListingRequest
}

type listerResponse struct {
	page *reddit.ListingPage
	err  error
}

func newFakeLister() *fakeLister {
	return &fakeLister{responses: map[int][]listerResponse{}}
}

func (f *fakeLister) queue(credIndex int, page *reddit.ListingPage, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[credIndex] = append(f.responses[credIndex], listerResponse{page: page, err: err})
}

func (f *fakeLister) Fetch(_ context.Context, cred credpool.Credential, req reddit.ListingRequest) (*reddit.ListingPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	queued := f.responses[cred.Index]
	if len(queued) == 0 {
		return &reddit.ListingPage{}, nil
	}
	next := queued[0]
	f.responses[cred.Index] = queued[1:]
	return next.page, next.err
}

type harvestFixture struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	lister *fakeLister
	pool   *credpool.Pool
	raws   *memRawStore
	marks  *watermark.Store
	h      *Harvester
}

func newHarvestFixture(t *testing.T) *harvestFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pool, err := credpool.New(rdb,
		[]string{"id-a", "id-b"},
		[]string{"secret-a", "secret-b"},
		nil, nil)
	require.NoError(t, err)

	f := &harvestFixture{
		mr:     mr,
		rdb:    rdb,
		lister: newFakeLister(),
		pool:   pool,
		raws:   newMemRawStore(),
		marks:  watermark.New(rdb),
	}
	f.h = NewHarvester(HarvesterConfig{
		Source:     "reddit",
		Client:     f.lister,
		Pool:       pool,
		Dedup:      dedup.New(rdb, 24*time.Hour),
		Watermarks: f.marks,
		RawStore:   f.raws,
		Throughput: NewThroughput(rdb),
	})
	return f
}

func rawPost(id string, createdAt int64) domain.RawPost {
	return domain.RawPost{
		ID:        id,
		Source:    "reddit",
		SubSource: "HomeImprovement",
		Title:     "post " + id,
		Body:      "body",
		Author:    "author",
		CreatedAt: createdAt,
	}
}

func page(after string, posts ...domain.RawPost) *reddit.ListingPage {
	return &reddit.ListingPage{Posts: posts, After: after}
}

func TestRunPlanStoresFreshPosts(t *testing.T) {
	f := newHarvestFixture(t)
	f.lister.queue(0, page("", rawPost("t3_a", 100), rawPost("t3_b", 200)), nil)

	summary, err := f.h.RunPlan(context.Background(), []Strategy{
		{SubSource: "HomeImprovement", Sort: "hot", Limit: 25},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Fetched)
	assert.Equal(t, 2, summary.Accepted)
	assert.Zero(t, summary.Duplicates)
	assert.Equal(t, 2, f.raws.count())

	// The per-minute counter moved.
	n, err := NewThroughput(f.rdb).Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRateLimitedCredentialRotatesAndCoolsDown(t *testing.T) {
	f := newHarvestFixture(t)

	// Credential 0 is rate limited; credential 1 serves one submission.
	f.lister.queue(0, nil, &reddit.RateLimitError{RetryAfter: time.Minute})
	f.lister.queue(1, page("", rawPost("t3_rot", 100)), nil)

	summary, err := f.h.RunPlan(context.Background(), []Strategy{
		{SubSource: "HomeImprovement", Sort: "new", Limit: 25},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Accepted)
	assert.Zero(t, summary.Errors)

	// The offender is benched for the full cooldown window.
	remaining, err := f.pool.CooldownRemaining(context.Background(), 0)
	require.NoError(t, err)
	assert.Greater(t, remaining, 50*time.Second)

	free, err := f.pool.CooldownRemaining(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, free)
}

func TestAllCredentialsRateLimitedFailsStrategy(t *testing.T) {
	f := newHarvestFixture(t)
	f.lister.queue(0, nil, &reddit.RateLimitError{RetryAfter: time.Minute})
	f.lister.queue(1, nil, &reddit.RateLimitError{RetryAfter: time.Minute})

	summary, err := f.h.RunPlan(context.Background(), []Strategy{
		{SubSource: "HomeImprovement", Sort: "hot", Limit: 25},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errors)
	assert.Zero(t, summary.Accepted)

	for i := 0; i < 2; i++ {
		remaining, err := f.pool.CooldownRemaining(context.Background(), i)
		require.NoError(t, err)
		assert.Greater(t, remaining, time.Duration(0), "credential %d", i)
	}
}

// fakePublic serves scripted pages from the credential-free feed.
type fakePublic struct {
	mu    sync.Mutex
	pages []*reddit.ListingPage
	calls int
}

func (f *fakePublic) Fetch(_ context.Context, _ reddit.ListingRequest) (*reddit.ListingPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.pages) == 0 {
		return &reddit.ListingPage{}, nil
	}
	next := f.pages[0]
	f.pages = f.pages[1:]
	return next, nil
}

func TestPublicFeedServesWhenAllCredentialsBenched(t *testing.T) {
	f := newHarvestFixture(t)
	f.lister.queue(0, nil, &reddit.RateLimitError{RetryAfter: time.Minute})
	f.lister.queue(1, nil, &reddit.RateLimitError{RetryAfter: time.Minute})

	public := &fakePublic{pages: []*reddit.ListingPage{
		page("", rawPost("t3_pub", 100)),
	}}
	f.h.fallback = public

	summary, err := f.h.RunPlan(context.Background(), []Strategy{
		{SubSource: "HomeImprovement", Sort: "hot", Limit: 25},
	})
	require.NoError(t, err)

	assert.Zero(t, summary.Errors)
	assert.Equal(t, 1, summary.Accepted)
	assert.Equal(t, 1, public.calls)
	assert.Equal(t, 1, f.raws.count())
}

func TestDuplicatesAreFilteredAcrossRuns(t *testing.T) {
	f := newHarvestFixture(t)
	strategy := []Strategy{{SubSource: "HomeImprovement", Sort: "hot", Limit: 25}}

	f.lister.queue(0, page("", rawPost("t3_dup", 100)), nil)
	_, err := f.h.RunPlan(context.Background(), strategy)
	require.NoError(t, err)

	// Round-robin moved on; the rerun acquires credential 1.
	f.lister.queue(1, page("", rawPost("t3_dup", 100), rawPost("t3_new", 200)), nil)
	summary, err := f.h.RunPlan(context.Background(), strategy)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Accepted)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 2, f.raws.count())
}

func TestTimeWindowFiltersClientSide(t *testing.T) {
	f := newHarvestFixture(t)
	f.lister.queue(0, page("",
		rawPost("t3_old", 50),
		rawPost("t3_in", 150),
		rawPost("t3_future", 500)), nil)

	summary, err := f.h.RunPlan(context.Background(), []Strategy{
		{SubSource: "HomeImprovement", Sort: "new", Limit: 100, AfterUnix: 100, BeforeUnix: 200},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 1, summary.Accepted)
	_, ok := f.raws.posts["t3_in"]
	assert.True(t, ok)
}

func TestOffsetStrategySkipsLeadingPosts(t *testing.T) {
	f := newHarvestFixture(t)
	f.lister.queue(0, page("cursor1", rawPost("t3_1", 1), rawPost("t3_2", 2)), nil)
	f.lister.queue(1, page("", rawPost("t3_3", 3), rawPost("t3_4", 4)), nil)

	summary, err := f.h.RunPlan(context.Background(), []Strategy{
		{SubSource: "HomeImprovement", Sort: "hot", Limit: 2, Offset: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Accepted)
	_, skipped := f.raws.posts["t3_1"]
	assert.False(t, skipped)
	_, kept := f.raws.posts["t3_3"]
	assert.True(t, kept)
}

func TestStreamEmitsOnlyPostsPastWatermark(t *testing.T) {
	f := newHarvestFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.marks.Advance(ctx, "HomeImprovement", 1000)
	require.NoError(t, err)

	// Newest-first listing: one fresh post, one already covered. The
	// partially covered page must end the sweep without more fetches.
	f.lister.queue(0, page("cursor", rawPost("t3_fresh", 1100), rawPost("t3_seen", 900)), nil)

	out := f.h.StreamContinuous(ctx, []string{"HomeImprovement"}, StreamConfig{
		PollInterval: time.Hour,
		PageLimit:    100,
	})

	select {
	case got := <-out:
		assert.Equal(t, "t3_fresh", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no post emitted")
	}
	cancel()
	for range out {
	}

	// The covered post never reached the archive.
	_, seen := f.raws.posts["t3_seen"]
	assert.False(t, seen)

	mark, err := f.marks.Get(context.Background(), "HomeImprovement")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), mark)
}

func TestStreamDrainsMultiPageBacklog(t *testing.T) {
	f := newHarvestFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.marks.Advance(ctx, "HomeImprovement", 1000)
	require.NoError(t, err)

	// A backlog spanning two newest-first pages, all above the
	// watermark. Page one must not hide page two behind an advanced
	// watermark. Round-robin: the second page fetch uses credential 1.
	f.lister.queue(0, page("cursor", rawPost("t3_p1a", 2000), rawPost("t3_p1b", 1500)), nil)
	f.lister.queue(1, page("", rawPost("t3_p2a", 1400), rawPost("t3_p2b", 1100)), nil)

	out := f.h.StreamContinuous(ctx, []string{"HomeImprovement"}, StreamConfig{
		PollInterval: time.Hour,
		PageLimit:    100,
	})

	var emitted []string
	deadline := time.After(2 * time.Second)
	for len(emitted) < 4 {
		select {
		case got := <-out:
			emitted = append(emitted, got.ID)
		case <-deadline:
			t.Fatalf("backlog not fully emitted, got %v", emitted)
		}
	}
	cancel()
	for range out {
	}

	assert.Equal(t, []string{"t3_p1a", "t3_p1b", "t3_p2a", "t3_p2b"}, emitted)
	assert.Equal(t, 4, f.raws.count())

	mark, err := f.marks.Get(context.Background(), "HomeImprovement")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), mark)
}

func TestStreamClosesWhenTimeBudgetExpires(t *testing.T) {
	f := newHarvestFixture(t)

	out := f.h.StreamContinuous(context.Background(), []string{"HomeImprovement"}, StreamConfig{
		TimeBudget:   50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after its time budget")
		}
	}
}
