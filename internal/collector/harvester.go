package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/credpool"
	"github.com/probelabs/trendscout/internal/dedup"
	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/metrics"
	"github.com/probelabs/trendscout/internal/queue"
	"github.com/probelabs/trendscout/internal/rawstore"
	"github.com/probelabs/trendscout/internal/reddit"
	"github.com/probelabs/trendscout/internal/watermark"
)

// rateLimitCooldown benches a credential after the API returns 429.
const rateLimitCooldown = 60 * time.Second

// Lister fetches one listing page. Satisfied by *reddit.Client.
type Lister interface {
	Fetch(ctx context.Context, cred credpool.Credential, req reddit.ListingRequest) (*reddit.ListingPage, error)
}

// PublicLister fetches the credential-free public feed. Satisfied by
// *reddit.PublicClient.
type PublicLister interface {
	Fetch(ctx context.Context, req reddit.ListingRequest) (*reddit.ListingPage, error)
}

// Harvester executes sampling strategies: every fetch goes through the
// credential pool, rate-limited credentials rotate with a cooldown,
// accepted posts pass the duplicate index and land in the raw archive.
type Harvester struct {
	source   string
	client   Lister
	pool     *credpool.Pool
	seen     *dedup.Index
	marks    *watermark.Store
	raws     rawstore.Store
	jobs     *queue.Queue // optional direct enqueue
	counter  *Throughput  // optional per-minute counter
	fallback PublicLister // optional public feed for benched pools
	metrics  *metrics.Metrics
}

// HarvesterConfig wires a Harvester.
type HarvesterConfig struct {
	Source     string
	Client     Lister
	Pool       *credpool.Pool
	Dedup      *dedup.Index
	Watermarks *watermark.Store
	RawStore   rawstore.Store
	Queue      *queue.Queue
	Throughput *Throughput
	Fallback   PublicLister
	Metrics    *metrics.Metrics
}

// NewHarvester creates a Harvester.
func NewHarvester(cfg HarvesterConfig) *Harvester {
	return &Harvester{
		source:   cfg.Source,
		client:   cfg.Client,
		pool:     cfg.Pool,
		seen:     cfg.Dedup,
		marks:    cfg.Watermarks,
		raws:     cfg.RawStore,
		jobs:     cfg.Queue,
		counter:  cfg.Throughput,
		fallback: cfg.Fallback,
		metrics:  cfg.Metrics,
	}
}

// RunSummary totals one plan execution.
type RunSummary struct {
	Strategies int
	Fetched    int
	Accepted   int
	Duplicates int
	Errors     int
}

// RunPlan executes every strategy in order. Individual strategy
// failures are counted, not fatal; the run only aborts on context
// cancellation.
func (h *Harvester) RunPlan(ctx context.Context, plan []Strategy) (RunSummary, error) {
	started := time.Now()
	summary := RunSummary{Strategies: len(plan)}

	for _, strategy := range plan {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		posts, err := h.execute(ctx, strategy)
		if err != nil {
			summary.Errors++
			log.Error().
				Err(err).
				Str("sub_source", strategy.SubSource).
				Str("sort", strategy.Sort).
				Msg("Strategy failed")
			continue
		}
		summary.Fetched += len(posts)

		accepted, err := h.accept(ctx, strategy.SubSource, posts)
		if err != nil {
			summary.Errors++
			log.Error().Err(err).Str("sub_source", strategy.SubSource).Msg("Failed to store harvested posts")
			continue
		}
		summary.Accepted += len(accepted)
		summary.Duplicates += len(posts) - len(accepted)
	}

	if h.metrics != nil {
		h.metrics.HarvestDuration.Observe(time.Since(started).Seconds())
	}
	log.Info().
		Int("strategies", summary.Strategies).
		Int("fetched", summary.Fetched).
		Int("accepted", summary.Accepted).
		Int("duplicates", summary.Duplicates).
		Int("errors", summary.Errors).
		Dur("took", time.Since(started)).
		Msg("Harvest run finished")
	return summary, nil
}

// execute runs one strategy, paging past the offset and applying the
// optional time window.
func (h *Harvester) execute(ctx context.Context, s Strategy) ([]domain.RawPost, error) {
	var collected []domain.RawPost
	after := ""
	skip := s.Offset

	for {
		page, err := h.fetchRotating(ctx, reddit.ListingRequest{
			SubSource: s.SubSource,
			Sort:      s.Sort,
			TimeRange: s.TimeRange,
			After:     after,
			Limit:     s.Limit,
		})
		if err != nil {
			return nil, err
		}
		if len(page.Posts) == 0 {
			break
		}

		for _, p := range page.Posts {
			if skip > 0 {
				skip--
				continue
			}
			if s.AfterUnix > 0 && p.CreatedAt < s.AfterUnix {
				continue
			}
			if s.BeforeUnix > 0 && p.CreatedAt > s.BeforeUnix {
				continue
			}
			collected = append(collected, p)
		}

		// Offset strategies keep paging until the skipped prefix is
		// consumed and one full page collected; plain strategies stop
		// after the first page.
		if skip <= 0 && (s.Offset == 0 || len(collected) >= s.Limit) {
			break
		}
		if page.After == "" {
			break
		}
		after = page.After
	}
	return collected, nil
}

// fetchRotating tries each credential in pool order until one is not
// rate limited. A 429 benches the offender for a minute and moves on;
// when every credential is benched the fetch degrades to the public
// feed, or waits for the earliest release when no fallback is wired.
func (h *Harvester) fetchRotating(ctx context.Context, req reddit.ListingRequest) (*reddit.ListingPage, error) {
	attempts := h.pool.Size()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		cred, err := h.pool.Acquire(ctx)
		if err != nil {
			var cooling *credpool.AllCoolingError
			if errors.As(err, &cooling) {
				log.Warn().Dur("retry_after", cooling.RetryAfter).Msg("All credentials cooling, waiting")
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(cooling.RetryAfter):
					continue
				}
			}
			return nil, err
		}

		page, err := h.client.Fetch(ctx, cred, req)
		if err == nil {
			return page, nil
		}

		var rl *reddit.RateLimitError
		if errors.As(err, &rl) {
			if cdErr := h.pool.MarkCooldown(ctx, cred.Index, rateLimitCooldown); cdErr != nil {
				log.Error().Err(cdErr).Int("credential", cred.Index).Msg("Failed to persist cooldown")
			}
			if h.metrics != nil {
				h.metrics.RecordCooldown(cred.Label())
			}
			lastErr = err
			continue
		}

		return nil, err
	}

	if h.fallback != nil {
		log.Warn().
			Str("sub_source", req.SubSource).
			Str("sort", req.Sort).
			Msg("All credentials rate limited, falling back to public feed")
		return h.fallback.Fetch(ctx, req)
	}
	return nil, fmt.Errorf("all credentials rate limited: %w", lastErr)
}

// accept filters out already-seen posts, archives the fresh ones, and
// marks them seen. Fresh posts are enqueued for enrichment when the
// harvester carries a queue.
func (h *Harvester) accept(ctx context.Context, subSource string, posts []domain.RawPost) ([]domain.RawPost, error) {
	if len(posts) == 0 {
		return nil, nil
	}

	ids := make([]string, len(posts))
	byID := make(map[string]domain.RawPost, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
		byID[p.ID] = p
	}

	freshIDs, err := h.seen.FilterNew(ctx, h.source, ids)
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		for i := 0; i < len(ids)-len(freshIDs); i++ {
			h.metrics.RecordDuplicate(subSource)
		}
	}
	if len(freshIDs) == 0 {
		return nil, nil
	}

	fresh := make([]domain.RawPost, 0, len(freshIDs))
	for _, id := range freshIDs {
		fresh = append(fresh, byID[id])
	}

	if _, err := h.raws.SaveBatch(ctx, fresh); err != nil {
		return nil, err
	}
	if err := h.seen.MarkSeen(ctx, h.source, subSource, freshIDs); err != nil {
		return nil, err
	}

	if h.counter != nil {
		if err := h.counter.Add(ctx, len(fresh)); err != nil {
			log.Error().Err(err).Msg("Failed to bump throughput counter")
		}
	}
	if h.metrics != nil {
		for range fresh {
			h.metrics.RecordFetched(subSource)
		}
	}

	if h.jobs != nil {
		payloads := make([]queue.Payload, len(fresh))
		for i, p := range fresh {
			payloads[i] = queue.Payload{PostID: p.ID, Source: p.Source}
		}
		if _, err := h.jobs.EnqueueBulk(ctx, payloads); err != nil {
			log.Error().Err(err).Int("posts", len(fresh)).Msg("Failed to enqueue harvested posts")
		}
	}
	return fresh, nil
}
