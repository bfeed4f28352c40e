package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/probelabs/trendscout/internal/clusters"
	"github.com/probelabs/trendscout/internal/config"
	"github.com/probelabs/trendscout/internal/httpapi"
	"github.com/probelabs/trendscout/internal/metrics"
	"github.com/probelabs/trendscout/internal/pipeline"
)

func runServer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
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

	hub := httpapi.NewMentionHub()
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
		OnMention:  hub.Broadcast,
	})

	handlers := httpapi.NewHandlers(cfg.AppEnv, raws, db.posts, jobs, p)
	srvCfg := httpapi.DefaultServerConfig(cfg.Port)
	srvCfg.RequestTimeout = cfg.API.RequestTimeout()
	srv := httpapi.NewServer(srvCfg, handlers, hub, m)

	log.Info().Str("env", cfg.AppEnv).Int("port", cfg.Port).Msg("Starting HTTP ingress")
	return srv.Start(ctx)
}
