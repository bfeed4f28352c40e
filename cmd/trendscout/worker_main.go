package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/probelabs/trendscout/internal/clusters"
	"github.com/probelabs/trendscout/internal/config"
	"github.com/probelabs/trendscout/internal/metrics"
	"github.com/probelabs/trendscout/internal/pipeline"
	"github.com/probelabs/trendscout/internal/queue"
)

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Queue.Concurrency
	}

	m := metrics.New()

	db, err := openRepos(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	raws, closeRaws, err := openRawStore(cfg)
	if err != nil {
		return err
	}
	defer closeRaws()

	rdb := redisClient(cfg)
	defer rdb.Close()
	jobs := newQueue(rdb, cfg)

	llmClient, err := newLLMClient(cfg, m)
	if err != nil {
		return err
	}

	registry := clusters.New(db.clusters, db.posts,
		cfg.Clusters.SimilarityThreshold, cfg.Clusters.CentroidUpdateBatchSize, m)

	p := pipeline.New(pipeline.Deps{
		Posts:      db.posts,
		Categories: db.categories,
		Mentions:   db.mentions,
		Registry:   registry,
		LLM:        llmClient,
		Metrics:    m,
		Audit:      db.audit,
	})

	pool := queue.NewWorkerPool(jobs, pipeline.JobHandler(p, raws), concurrency, m)
	refiller := queue.NewRefiller(jobs, db.posts,
		cfg.Queue.LowThreshold, cfg.Queue.RefillBatch, cfg.Queue.Attempts)

	log.Info().Int("concurrency", concurrency).Msg("Starting enrichment workers")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return refiller.Run(ctx) })
	return g.Wait()
}
