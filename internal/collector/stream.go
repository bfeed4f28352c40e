package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/reddit"
	"github.com/probelabs/trendscout/internal/watermark"
)

// StreamConfig tunes continuous harvesting.
type StreamConfig struct {
	// TimeBudget bounds the whole stream; zero means run until the
	// context is canceled.
	TimeBudget time.Duration
	// PollInterval is the pause between sweeps over the sub-sources.
	PollInterval time.Duration
	// PageLimit is the listing page size, clamped to the API maximum.
	PageLimit int
	// MaxPages caps paging per sub-source per sweep so a cold start
	// cannot walk the entire listing history.
	MaxPages int
}

func (c *StreamConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PageLimit <= 0 || c.PageLimit > 100 {
		c.PageLimit = 100
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
}

// StreamContinuous polls sort=new for each sub-source and emits posts
// newer than the per-sub-source watermark. Paging stops as soon as a
// page dips at or below the watermark, so already-covered ground is
// never refetched. The channel closes when the time budget runs out or
// the context is canceled.
func (h *Harvester) StreamContinuous(ctx context.Context, subs []string, cfg StreamConfig) <-chan domain.RawPost {
	cfg.defaults()
	out := make(chan domain.RawPost)

	go func() {
		defer close(out)

		if cfg.TimeBudget > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.TimeBudget)
			defer cancel()
		}

		for {
			for _, sub := range subs {
				if ctx.Err() != nil {
					return
				}
				if err := h.sweep(ctx, sub, cfg, out); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Error().Err(err).Str("sub_source", sub).Msg("Stream sweep failed")
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.PollInterval):
			}
		}
	}()
	return out
}

// sweep pages one sub-source's fresh listing until it reaches the
// watermark, accepting and emitting everything new on the way. Every
// page filters against the watermark as read at sweep start: a backlog
// spanning several pages descends in time, so advancing mid-sweep
// would hide the older pages still ahead.
func (h *Harvester) sweep(ctx context.Context, sub string, cfg StreamConfig, out chan<- domain.RawPost) error {
	last, err := h.marks.Get(ctx, sub)
	if err != nil {
		return err
	}

	after := ""
	for page := 0; page < cfg.MaxPages; page++ {
		listing, err := h.fetchRotating(ctx, reddit.ListingRequest{
			SubSource: sub,
			Sort:      "new",
			After:     after,
			Limit:     cfg.PageLimit,
		})
		if err != nil {
			return err
		}
		if len(listing.Posts) == 0 {
			return nil
		}

		fresh := watermark.Since(listing.Posts, last)

		accepted, err := h.accept(ctx, sub, fresh)
		if err != nil {
			return err
		}
		if len(fresh) > 0 {
			// Advance only covers ground that is already archived. The
			// advance is monotone, so older pages cannot lower it.
			if _, err := h.marks.Advance(ctx, sub, watermark.Newest(fresh)); err != nil {
				return err
			}
		}
		if len(accepted) > 0 {
			log.Debug().Str("sub_source", sub).Int("accepted", len(accepted)).Msg("Stream sweep accepted posts")
		}
		for _, p := range accepted {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- p:
			}
		}

		// A partially covered page means the next one is entirely old.
		if len(fresh) < len(listing.Posts) || pageMin(listing.Posts) <= last {
			return nil
		}
		if listing.After == "" {
			return nil
		}
		after = listing.After
	}
	return nil
}

func pageMin(posts []domain.RawPost) int64 {
	min := posts[0].CreatedAt
	for _, p := range posts[1:] {
		if p.CreatedAt < min {
			min = p.CreatedAt
		}
	}
	return min
}
