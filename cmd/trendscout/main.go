package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "trendscout"
	version = "v1.2.0"
)

func main() {
	setupLogging()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Content ingestion and enrichment platform",
		Version: version,
		Long: `TrendScout harvests forum posts, enriches them through an LLM
pipeline (spam, validity, classification, semantics, sentiment,
category, cluster) and tracks trending problem clusters.`,
	}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP ingress and metrics endpoint",
		RunE:  runServer,
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the enrichment queue workers",
		RunE:  runWorker,
	}
	workerCmd.Flags().Int("concurrency", 0, "Worker concurrency (overrides ORCH_CONCURRENCY)")

	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the harvester",
		Long:  "Run scheduled sampling-plan harvests, or a single run with --once.",
		RunE:  runCollect,
	}
	collectCmd.Flags().Bool("once", false, "Run one harvest and exit")
	collectCmd.Flags().Bool("stream", false, "Also tail fresh posts continuously")
	collectCmd.Flags().Int("target", 0, "Target posts per run (overrides COLLECT_TARGET)")

	clustersCmd := &cobra.Command{
		Use:   "clusters",
		Short: "Cluster registry maintenance jobs",
	}
	clustersCmd.AddCommand(
		&cobra.Command{
			Use:   "recompute",
			Short: "Recompute every centroid from member embeddings",
			RunE:  runClustersJob("recompute"),
		},
		&cobra.Command{
			Use:   "merge",
			Short: "Merge near-duplicate clusters",
			RunE:  runClustersJob("merge"),
		},
		&cobra.Command{
			Use:   "reassign",
			Short: "Move posts to their nearest cluster",
			RunE:  runClustersJob("reassign"),
		},
	)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the relational schema",
		RunE:  runMigrate,
	}
	migrateCmd.Flags().String("schema", "migrations/schema.sql", "Path to the schema file")

	trendsCmd := &cobra.Command{
		Use:   "trends",
		Short: "Score trending clusters once",
		RunE:  runTrends,
	}

	rootCmd.AddCommand(serverCmd, workerCmd, collectCmd, clustersCmd, migrateCmd, trendsCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
