package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/probelabs/trendscout/internal/clusters"
	"github.com/probelabs/trendscout/internal/config"
	"github.com/probelabs/trendscout/internal/metrics"
)

// mergeThreshold is the near-duplicate similarity floor for the merge
// job; deliberately far stricter than assignment similarity.
const mergeThreshold = 0.95

func runClustersJob(job string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext()
		defer stop()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		db, err := openRepos(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		registry := clusters.New(db.clusters, db.posts,
			cfg.Clusters.SimilarityThreshold, cfg.Clusters.CentroidUpdateBatchSize, metrics.New())

		switch job {
		case "recompute":
			if err := registry.RecomputeAll(ctx); err != nil {
				return err
			}
			log.Info().Msg("Centroid recompute finished")
		case "merge":
			merged, err := registry.MergeSimilar(ctx, mergeThreshold)
			if err != nil {
				return err
			}
			log.Info().Int("merged", merged).Msg("Cluster merge finished")
		case "reassign":
			moved, err := registry.ReassignOutliers(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("moved", moved).Msg("Outlier reassignment finished")
		default:
			return fmt.Errorf("unknown cluster job %q", job)
		}
		return nil
	}
}
