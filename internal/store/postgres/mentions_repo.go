package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/store"
)

type mentionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMentionsRepo creates a PostgreSQL mentions repository.
func NewMentionsRepo(db *sqlx.DB, timeout time.Duration) store.MentionsRepo {
	return &mentionsRepo{db: db, timeout: timeout}
}

func (r *mentionsRepo) Insert(ctx context.Context, m *domain.Mention) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO mentions (post_id, cluster_id, category_id, sentiment_score, engagement_score)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, mentioned_at`

	err := r.db.QueryRowxContext(ctx, query,
		m.PostID, m.ClusterID, m.CategoryID, m.SentimentScore, m.EngagementScore).
		Scan(&m.ID, &m.MentionedAt)
	if err != nil {
		return fmt.Errorf("failed to insert mention: %w", err)
	}
	return nil
}

func (r *mentionsRepo) CountSince(ctx context.Context, clusterID int64, since time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int64
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM mentions WHERE cluster_id = $1 AND mentioned_at >= $2`,
		clusterID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count mentions: %w", err)
	}
	return n, nil
}

type trendsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTrendsRepo creates a PostgreSQL trends repository.
func NewTrendsRepo(db *sqlx.DB, timeout time.Duration) store.TrendsRepo {
	return &trendsRepo{db: db, timeout: timeout}
}

func (r *trendsRepo) Score(ctx context.Context, clusterID int64, window time.Duration) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var score float64
	err := r.db.GetContext(ctx, &score,
		`SELECT calculate_trend_score($1, $2)`, clusterID, int(window.Hours()))
	if err != nil {
		return 0, fmt.Errorf("failed to calculate trend score: %w", err)
	}
	return score, nil
}

func (r *trendsRepo) TopClusters(ctx context.Context, window time.Duration, limit int) ([]store.TrendSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT c.id AS cluster_id,
		       c.name AS cluster_name,
		       COUNT(m.id) AS mention_count,
		       calculate_trend_score(c.id, $1) AS score
		FROM clusters c
		JOIN mentions m ON m.cluster_id = c.id
		WHERE m.mentioned_at >= now() - make_interval(hours => $1)
		GROUP BY c.id, c.name
		ORDER BY score DESC
		LIMIT $2`

	var snapshots []store.TrendSnapshot
	if err := r.db.SelectContext(ctx, &snapshots, query, int(window.Hours()), limit); err != nil {
		return nil, fmt.Errorf("failed to query top clusters: %w", err)
	}
	return snapshots, nil
}

type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates a PostgreSQL audit trail repository.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) store.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

func (r *auditRepo) Record(ctx context.Context, entry store.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_log (actor, action, entity_id, detail) VALUES ($1, $2, $3, $4)`,
		entry.Actor, entry.Action, entry.EntityID, detailJSON)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}
