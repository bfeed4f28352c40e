package main

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/probelabs/trendscout/internal/config"
	"github.com/probelabs/trendscout/internal/llm"
	"github.com/probelabs/trendscout/internal/metrics"
	"github.com/probelabs/trendscout/internal/queue"
	"github.com/probelabs/trendscout/internal/rategate"
	"github.com/probelabs/trendscout/internal/rawstore"
	"github.com/probelabs/trendscout/internal/store"
	"github.com/probelabs/trendscout/internal/store/postgres"
)

const dbTimeout = 10 * time.Second

// repos bundles the relational repositories sharing one connection.
type repos struct {
	db         *sqlx.DB
	posts      store.PostsRepo
	categories store.CategoriesRepo
	clusters   store.ClustersRepo
	mentions   store.MentionsRepo
	trends     store.TrendsRepo
	audit      store.AuditRepo
}

func openRepos(cfg *config.Config) (*repos, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := postgres.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &repos{
		db:         db,
		posts:      postgres.NewPostsRepo(db, dbTimeout),
		categories: postgres.NewCategoriesRepo(db, dbTimeout),
		clusters:   postgres.NewClustersRepo(db, dbTimeout),
		mentions:   postgres.NewMentionsRepo(db, dbTimeout),
		trends:     postgres.NewTrendsRepo(db, dbTimeout),
		audit:      postgres.NewAuditRepo(db, dbTimeout),
	}, nil
}

func (r *repos) Close() error { return r.db.Close() }

func openRawStore(cfg *config.Config) (rawstore.Store, func() error, error) {
	db, err := postgres.Connect(cfg.RawStoreURL)
	if err != nil {
		return nil, nil, err
	}
	return rawstore.New(db, dbTimeout), db.Close, nil
}

func redisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func newQueue(rdb *redis.Client, cfg *config.Config) *queue.Queue {
	return queue.New(rdb, queue.Config{
		Name:        "orchestrator",
		MaxAttempts: cfg.Queue.Attempts,
		RetryDelay:  cfg.Queue.RetryDelay(),
	})
}

func newLLMClient(cfg *config.Config, m *metrics.Metrics) (llm.Client, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	return llm.New(llm.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		ChatModel:  cfg.LLM.ChatModel,
		EmbedModel: cfg.LLM.EmbedModel,
		MaxRetries: cfg.Queue.Attempts,
		RetryDelay: cfg.Queue.RetryDelay(),
		Gate:       rategate.New(cfg.LLM.MaxRequestsPerMinute, cfg.LLM.MaxTokensPerMinute),
		Metrics:    m,
	}), nil
}
