// Package config loads runtime configuration from the environment and
// the collector sources YAML file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete runtime configuration for all process modes.
type Config struct {
	AppEnv string // development | production
	Port   int

	DatabaseURL string
	RawStoreURL string // falls back to DatabaseURL when empty

	Redis RedisConfig

	Reddit RedditConfig
	LLM    LLMConfig

	Dedup DedupConfig
	Queue QueueConfig

	Collector CollectorRunConfig
	Clusters  ClustersConfig

	API APIConfig
}

// RedisConfig holds connection settings for the shared Redis instance.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedditConfig holds the credential sets and client identity used by
// the harvester. The credential slices are parallel: index i of each
// slice belongs to credential i.
type RedditConfig struct {
	ClientIDs     []string
	ClientSecrets []string
	Usernames     []string
	Passwords     []string
	UserAgent     string
}

// CredentialCount returns the number of configured credential sets.
func (r RedditConfig) CredentialCount() int { return len(r.ClientIDs) }

// redditAccount is one entry of the REDDIT_ACCOUNTS JSON array.
type redditAccount struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

// loadRedditCredentials fills the credential slices. Precedence:
// REDDIT_ACCOUNTS (JSON array), then the comma-separated plural
// variables, then the singular REDDIT_CLIENT_ID set as a pool of one.
func loadRedditCredentials(r *RedditConfig) error {
	if raw := os.Getenv("REDDIT_ACCOUNTS"); raw != "" {
		var accounts []redditAccount
		if err := json.Unmarshal([]byte(raw), &accounts); err != nil {
			return fmt.Errorf("failed to parse REDDIT_ACCOUNTS: %w", err)
		}
		for _, a := range accounts {
			r.ClientIDs = append(r.ClientIDs, a.ClientID)
			r.ClientSecrets = append(r.ClientSecrets, a.ClientSecret)
			r.Usernames = append(r.Usernames, a.Username)
			r.Passwords = append(r.Passwords, a.Password)
		}
		return nil
	}

	r.ClientIDs = splitList(os.Getenv("REDDIT_CLIENT_IDS"))
	r.ClientSecrets = splitList(os.Getenv("REDDIT_CLIENT_SECRETS"))
	r.Usernames = splitList(os.Getenv("REDDIT_USERNAMES"))
	r.Passwords = splitList(os.Getenv("REDDIT_PASSWORDS"))
	if len(r.ClientIDs) > 0 {
		return nil
	}

	if id := os.Getenv("REDDIT_CLIENT_ID"); id != "" {
		r.ClientIDs = []string{id}
		r.ClientSecrets = []string{os.Getenv("REDDIT_CLIENT_SECRET")}
		r.Usernames = []string{os.Getenv("REDDIT_USERNAME")}
		r.Passwords = []string{os.Getenv("REDDIT_PASSWORD")}
	}
	return nil
}

// LLMConfig holds settings for the OpenAI-compatible inference API.
type LLMConfig struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string

	MaxTokensPerMinute   int
	MaxRequestsPerMinute int
}

// DedupConfig controls the Redis-backed duplicate index.
type DedupConfig struct {
	TTLDays int
}

// TTL returns the configured retention as a duration.
func (d DedupConfig) TTL() time.Duration { return time.Duration(d.TTLDays) * 24 * time.Hour }

// QueueConfig controls the durable job queue and its workers.
type QueueConfig struct {
	Concurrency  int
	Attempts     int
	RetryDelayMS int
	LowThreshold int
	RefillBatch  int
}

// RetryDelay returns the base retry delay as a duration.
func (q QueueConfig) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMS) * time.Millisecond
}

// CollectorRunConfig controls the scheduled harvest runs.
type CollectorRunConfig struct {
	Cron                 string
	Target               int
	SourcesPath          string
	APIRequestsPerMinute int
}

// ClustersConfig controls semantic cluster assignment and maintenance.
type ClustersConfig struct {
	SimilarityThreshold     float64
	CentroidUpdateBatchSize int
	MinClusterSize          int
}

// APIConfig controls the HTTP ingress.
type APIConfig struct {
	RequestTimeoutSecs int
}

// RequestTimeout returns the per-request deadline as a duration.
func (a APIConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSecs) * time.Second
}

// Load reads configuration from the environment, applying defaults for
// everything optional. It fails on malformed numeric values so typos
// surface at startup instead of as zero-value behavior.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:      envOr("APP_ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RawStoreURL: os.Getenv("RAW_STORE_URL"),
		Redis: RedisConfig{
			Addr:     envOr("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Reddit: RedditConfig{
			UserAgent: envOr("REDDIT_USER_AGENT", "trendscout/1.0"),
		},
		LLM: LLMConfig{
			APIKey:     os.Getenv("LLM_API_KEY"),
			BaseURL:    envOr("LLM_BASE_URL", "https://api.openai.com/v1"),
			ChatModel:  envOr("LLM_CHAT_MODEL", "gpt-4o-mini"),
			EmbedModel: envOr("LLM_EMBED_MODEL", "text-embedding-3-small"),
		},
		Collector: CollectorRunConfig{
			Cron:        envOr("COLLECT_CRON", "*/1 * * * *"),
			SourcesPath: envOr("COLLECT_SOURCES_PATH", "config/collector.yaml"),
		},
	}

	if err := loadRedditCredentials(&cfg.Reddit); err != nil {
		return nil, err
	}

	var err error
	if cfg.Port, err = envInt("PORT", 8090); err != nil {
		return nil, err
	}
	if cfg.Redis.DB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Dedup.TTLDays, err = envInt("DEDUP_TTL_DAYS", 90); err != nil {
		return nil, err
	}
	if cfg.Queue.Concurrency, err = envInt("ORCH_CONCURRENCY", 5); err != nil {
		return nil, err
	}
	if cfg.Queue.Attempts, err = envInt("RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Queue.RetryDelayMS, err = envInt("RETRY_DELAY_MS", 1000); err != nil {
		return nil, err
	}
	if cfg.Queue.LowThreshold, err = envInt("QUEUE_LOW_THRESHOLD", 3); err != nil {
		return nil, err
	}
	if cfg.Queue.RefillBatch, err = envInt("QUEUE_REFILL_BATCH", 25); err != nil {
		return nil, err
	}
	if cfg.LLM.MaxTokensPerMinute, err = envInt("MAX_TOKENS_PER_MINUTE", 100000); err != nil {
		return nil, err
	}
	if cfg.LLM.MaxRequestsPerMinute, err = envInt("MAX_REQUESTS_PER_MINUTE", 100); err != nil {
		return nil, err
	}
	if cfg.Collector.Target, err = envInt("COLLECT_TARGET", 500); err != nil {
		return nil, err
	}
	if cfg.Collector.APIRequestsPerMinute, err = envInt("API_REQUESTS_PER_MINUTE", 600); err != nil {
		return nil, err
	}
	if cfg.Clusters.CentroidUpdateBatchSize, err = envInt("CENTROID_UPDATE_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.Clusters.MinClusterSize, err = envInt("MIN_CLUSTER_SIZE", 5); err != nil {
		return nil, err
	}
	if cfg.API.RequestTimeoutSecs, err = envInt("API_REQUEST_TIMEOUT_SECS", 60); err != nil {
		return nil, err
	}
	if cfg.Clusters.SimilarityThreshold, err = envFloat("CLUSTER_SIMILARITY_THRESHOLD", 0.7); err != nil {
		return nil, err
	}

	if cfg.RawStoreURL == "" {
		cfg.RawStoreURL = cfg.DatabaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.AppEnv != "development" && c.AppEnv != "production" {
		return fmt.Errorf("APP_ENV must be development or production, got %q", c.AppEnv)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", c.Port)
	}
	if c.Dedup.TTLDays <= 0 {
		return fmt.Errorf("DEDUP_TTL_DAYS must be positive, got %d", c.Dedup.TTLDays)
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("ORCH_CONCURRENCY must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.Attempts <= 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be positive, got %d", c.Queue.Attempts)
	}
	if c.Clusters.SimilarityThreshold <= 0 || c.Clusters.SimilarityThreshold > 1 {
		return fmt.Errorf("CLUSTER_SIMILARITY_THRESHOLD must be in (0,1], got %f", c.Clusters.SimilarityThreshold)
	}
	if n := c.Reddit.CredentialCount(); n != len(c.Reddit.ClientSecrets) {
		return fmt.Errorf("REDDIT_CLIENT_IDS and REDDIT_CLIENT_SECRETS must have equal length, got %d and %d",
			n, len(c.Reddit.ClientSecrets))
	}
	return nil
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return f, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
