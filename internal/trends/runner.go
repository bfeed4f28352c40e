// Package trends runs the periodic trend-score job. All score math
// lives in the database's calculate_trend_score function; the runner
// only decides which clusters to score and when.
package trends

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/store"
)

// Config tunes the trend job.
type Config struct {
	// Schedule is a cron expression; empty disables the scheduler and
	// leaves RunOnce for manual invocation.
	Schedule string
	// Window is the trailing mention window fed to the score function.
	Window time.Duration
	// MinClusterSize excludes tiny clusters from scoring.
	MinClusterSize int64
	// TopLimit is how many leaders to log per run.
	TopLimit int
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = 5
	}
	if c.TopLimit <= 0 {
		c.TopLimit = 10
	}
}

// Runner scores active clusters on a schedule.
type Runner struct {
	trends   store.TrendsRepo
	clusters store.ClustersRepo
	cfg      Config
}

// NewRunner creates a Runner.
func NewRunner(trends store.TrendsRepo, clusters store.ClustersRepo, cfg Config) *Runner {
	cfg.applyDefaults()
	return &Runner{trends: trends, clusters: clusters, cfg: cfg}
}

// RunOnce scores every qualifying cluster and returns how many were
// scored. Individual score failures are logged and skipped so one bad
// cluster cannot starve the rest.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()

	all, err := r.clusters.All(ctx)
	if err != nil {
		return 0, err
	}

	scored := 0
	for _, c := range all {
		if ctx.Err() != nil {
			return scored, ctx.Err()
		}
		if c.MemberCount < r.cfg.MinClusterSize {
			continue
		}

		score, err := r.trends.Score(ctx, c.ID, r.cfg.Window)
		if err != nil {
			log.Error().Err(err).Int64("cluster", c.ID).Msg("Failed to score cluster")
			continue
		}
		scored++
		log.Debug().Int64("cluster", c.ID).Float64("score", score).Msg("Cluster scored")
	}

	if top, err := r.trends.TopClusters(ctx, r.cfg.Window, r.cfg.TopLimit); err == nil {
		for i, snap := range top {
			log.Info().
				Int("rank", i+1).
				Int64("cluster", snap.ClusterID).
				Str("name", snap.ClusterName).
				Int64("mentions", snap.MentionCount).
				Float64("score", snap.Score).
				Msg("Trending cluster")
		}
	}

	log.Info().
		Int("scored", scored).
		Int("clusters", len(all)).
		Dur("took", time.Since(started)).
		Msg("Trend job finished")
	return scored, nil
}

// Start schedules RunOnce per the cron expression and blocks until the
// context is canceled.
func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Schedule == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	c := cron.New()
	_, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Trend job run failed")
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	<-ctx.Done()
	stop := c.Stop()
	<-stop.Done()
	return ctx.Err()
}
