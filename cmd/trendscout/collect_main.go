package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/probelabs/trendscout/internal/collector"
	"github.com/probelabs/trendscout/internal/config"
	"github.com/probelabs/trendscout/internal/credpool"
	"github.com/probelabs/trendscout/internal/dedup"
	"github.com/probelabs/trendscout/internal/metrics"
	"github.com/probelabs/trendscout/internal/rategate"
	"github.com/probelabs/trendscout/internal/reddit"
	"github.com/probelabs/trendscout/internal/watermark"
)

func runCollect(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	sources, err := config.LoadSources(cfg.Collector.SourcesPath)
	if err != nil {
		return err
	}

	target, _ := cmd.Flags().GetInt("target")
	if target <= 0 {
		target = cfg.Collector.Target
	}

	m := metrics.New()

	rdb := redisClient(cfg)
	defer rdb.Close()

	pool, err := credpool.New(rdb,
		cfg.Reddit.ClientIDs, cfg.Reddit.ClientSecrets,
		cfg.Reddit.Usernames, cfg.Reddit.Passwords)
	if err != nil {
		return err
	}

	raws, closeRaws, err := openRawStore(cfg)
	if err != nil {
		return err
	}
	defer closeRaws()

	seen := dedup.New(rdb, cfg.Dedup.TTL())
	offset := 0
	seeded, err := seen.WarmStart(ctx, sources.Source, func(ctx context.Context) ([]string, error) {
		ids, err := raws.IDs(ctx, sources.Source, offset, 1000)
		offset += len(ids)
		return ids, err
	})
	if err != nil {
		return err
	}
	log.Info().Int64("seeded", seeded).Msg("Duplicate index warm-started from archive")

	client := reddit.NewClient(reddit.Config{
		UserAgent: cfg.Reddit.UserAgent,
		Gate: rategate.New(cfg.Collector.APIRequestsPerMinute, 0,
			rategate.WithConcurrency(10),
			rategate.WithMinGap(75*time.Millisecond)),
	})
	// Public feed tolerates roughly one unauthenticated call per 5s.
	public := reddit.NewPublicClient(reddit.PublicConfig{
		UserAgent: cfg.Reddit.UserAgent,
		Gate: rategate.New(12, 0,
			rategate.WithConcurrency(1),
			rategate.WithMinGap(5*time.Second)),
	})

	harvester := collector.NewHarvester(collector.HarvesterConfig{
		Source:     sources.Source,
		Client:     client,
		Pool:       pool,
		Dedup:      seen,
		Watermarks: watermark.New(rdb),
		RawStore:   raws,
		Queue:      newQueue(rdb, cfg),
		Throughput: collector.NewThroughput(rdb),
		Fallback:   public,
		Metrics:    m,
	})
	planner := collector.NewPlanner(sources, nil)

	runOnce := func(ctx context.Context) {
		plan := planner.Plan(target)
		if _, err := harvester.RunPlan(ctx, plan); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Harvest run failed")
		}
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		runOnce(ctx)
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)

	if stream, _ := cmd.Flags().GetBool("stream"); stream {
		subs := make([]string, len(sources.Subs))
		for i, s := range sources.Subs {
			subs[i] = s.Name
		}
		g.Go(func() error {
			// Streamed posts are already archived and enqueued by the
			// harvester; the channel only drives logging here.
			for post := range harvester.StreamContinuous(ctx, subs, collector.StreamConfig{
				PollInterval: 30 * time.Second,
				PageLimit:    sources.Sampling.PageSize,
			}) {
				log.Debug().Str("post", post.ID).Str("sub_source", post.SubSource).Msg("Streamed fresh post")
			}
			return nil
		})
	}

	g.Go(func() error {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Collector.Cron, func() { runOnce(ctx) }); err != nil {
			return err
		}
		log.Info().Str("cron", cfg.Collector.Cron).Int("target", target).Msg("Harvest schedule started")
		c.Start()
		<-ctx.Done()
		stop := c.Stop()
		<-stop.Done()
		return nil
	})

	return g.Wait()
}
