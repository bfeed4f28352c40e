package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/queue"
	"github.com/probelabs/trendscout/internal/rawstore"
)

// JobHandler adapts the pipeline to the queue worker: it resolves the
// job's post id against the raw archive and enriches it. A raw post
// that has vanished completes the job instead of retrying forever.
func JobHandler(p *Pipeline, raws rawstore.Store) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		raw, err := raws.Get(ctx, job.Payload.PostID)
		if err != nil {
			if errors.Is(err, rawstore.ErrNotFound) {
				log.Warn().
					Str("post", job.Payload.PostID).
					Msg("Raw post missing from archive, dropping job")
				return nil
			}
			return fmt.Errorf("failed to load raw post: %w", err)
		}
		raw.NormalizeAuthor()
		return p.Process(ctx, *raw)
	}
}
