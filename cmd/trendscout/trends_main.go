package main

import (
	"github.com/spf13/cobra"

	"github.com/probelabs/trendscout/internal/config"
	"github.com/probelabs/trendscout/internal/trends"
)

func runTrends(cmd *cobra.Command, _ []string) error {
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

	runner := trends.NewRunner(db.trends, db.clusters, trends.Config{
		MinClusterSize: int64(cfg.Clusters.MinClusterSize),
	})
	_, err = runner.RunOnce(ctx)
	return err
}
