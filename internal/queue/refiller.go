package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/store"
)

// Refiller tops the queue up from the database whenever the waiting
// list drops below the low-water mark, pulling unprocessed posts and
// failed posts that still have retries left.
type Refiller struct {
	queue *Queue
	posts store.PostsRepo

	lowThreshold int
	batchSize    int
	maxRetries   int
	interval     time.Duration
}

// NewRefiller creates a Refiller with the given thresholds.
func NewRefiller(q *Queue, posts store.PostsRepo, lowThreshold, batchSize, maxRetries int) *Refiller {
	if lowThreshold <= 0 {
		lowThreshold = 3
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Refiller{
		queue:        q,
		posts:        posts,
		lowThreshold: lowThreshold,
		batchSize:    batchSize,
		maxRetries:   maxRetries,
		interval:     5 * time.Second,
	}
}

// Run polls until the context ends.
func (r *Refiller) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RefillOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Queue refill failed")
			}
		}
	}
}

// RefillOnce enqueues one batch when the queue is low and returns how
// many jobs were added. Candidates already tracked by the queue are
// skipped by the idempotent add.
func (r *Refiller) RefillOnce(ctx context.Context) (int, error) {
	status, err := r.queue.Counts(ctx)
	if err != nil {
		return 0, err
	}
	// In-flight work counts against the low-water mark: saturated
	// workers do not need more backlog yet.
	if status.Waiting+status.Active > int64(r.lowThreshold) {
		return 0, nil
	}

	candidates, err := r.posts.ListUnprocessed(ctx, r.maxRetries, r.batchSize)
	if err != nil {
		return 0, err
	}

	payloads := make([]Payload, len(candidates))
	for i, c := range candidates {
		payloads[i] = Payload{PostID: c.ID, Source: c.Source}
	}
	added, err := r.queue.EnqueueBulk(ctx, payloads)
	if err != nil {
		return 0, err
	}

	if added > 0 {
		log.Info().
			Int("added", added).
			Int64("waiting_before", status.Waiting).
			Msg("Queue refilled from database")
	}
	return added, nil
}
