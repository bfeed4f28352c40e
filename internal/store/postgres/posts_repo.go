package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/store"
)

type postsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostsRepo creates a PostgreSQL posts repository.
func NewPostsRepo(db *sqlx.DB, timeout time.Duration) store.PostsRepo {
	return &postsRepo{db: db, timeout: timeout}
}

func (r *postsRepo) Insert(ctx context.Context, post *domain.EnrichedPost) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO posts (id, source, parent_id, status, retry_count)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING created_at, updated_at`

	status := post.Status
	if status == "" {
		status = domain.StatusUnprocessed
	}

	err := r.db.QueryRowxContext(ctx, query,
		post.ID, post.Source, post.ParentID, status).
		Scan(&post.CreatedAt, &post.UpdatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("post %s: %w", post.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert post: %w", err)
	}

	post.Status = status
	return nil
}

func (r *postsRepo) Get(ctx context.Context, id string) (*domain.EnrichedPost, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row postRow
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("post %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return row.toDomain()
}

func (r *postsRepo) Update(ctx context.Context, post *domain.EnrichedPost) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row, err := fromDomain(post)
	if err != nil {
		return err
	}

	query := `
		UPDATE posts SET
			status = :status,
			is_spam = :is_spam,
			has_pii = :has_pii,
			moderation_notes = :moderation_notes,
			is_valid = :is_valid,
			validity_reason = :validity_reason,
			classification = :classification,
			classification_confidence = :classification_confidence,
			summary = :summary,
			keywords = :keywords,
			embedding = :embedding,
			sentiment_label = :sentiment_label,
			sentiment_score = :sentiment_score,
			category_id = :category_id,
			cluster_id = :cluster_id,
			error_message = :error_message,
			updated_at = now()
		WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to update post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post %s: %w", post.ID, store.ErrNotFound)
	}
	return nil
}

func (r *postsRepo) AcquireLock(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var acquired bool
	err := r.db.GetContext(ctx, &acquired,
		`SELECT acquire_post_lock($1, $2)`, id, int(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for post %s: %w", id, err)
	}
	return acquired, nil
}

func (r *postsRepo) MarkProcessed(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE posts
		SET status = $2, processed_at = now(), error_message = '', updated_at = now()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, domain.StatusProcessed)
	if err != nil {
		return fmt.Errorf("failed to mark post processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *postsRepo) MarkFailed(ctx context.Context, id string, errMsg string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var retries int
	if err := tx.GetContext(ctx, &retries, `SELECT increment_retry($1)`, id); err != nil {
		return 0, fmt.Errorf("failed to increment retry for post %s: %w", id, err)
	}

	query := `
		UPDATE posts
		SET status = $2, error_message = $3, failed_at = now(), updated_at = now()
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, domain.StatusFailed, errMsg); err != nil {
		return 0, fmt.Errorf("failed to mark post failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit failure update: %w", err)
	}
	return retries, nil
}

func (r *postsRepo) ListUnprocessed(ctx context.Context, maxRetries, limit int) ([]store.QueueCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, source FROM posts
		WHERE status IN ($1, $2) AND retry_count < $3
		ORDER BY created_at ASC
		LIMIT $4`

	var candidates []store.QueueCandidate
	err := r.db.SelectContext(ctx, &candidates, query,
		domain.StatusUnprocessed, domain.StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed posts: %w", err)
	}
	return candidates, nil
}

func (r *postsRepo) ListEmbedded(ctx context.Context, afterID string, limit int) ([]store.EmbeddedPost, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, cluster_id, embedding FROM posts
		WHERE status = $1 AND embedding IS NOT NULL AND id > $2
		ORDER BY id ASC
		LIMIT $3`

	var posts []store.EmbeddedPost
	err := r.db.SelectContext(ctx, &posts, query, domain.StatusProcessed, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list embedded posts: %w", err)
	}
	return posts, nil
}

func (r *postsRepo) SetCluster(ctx context.Context, id string, clusterID int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE posts SET cluster_id = $2, updated_at = now() WHERE id = $1`, id, clusterID)
	if err != nil {
		return fmt.Errorf("failed to set cluster for post %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *postsRepo) CountByStatus(ctx context.Context) (map[domain.PostStatus]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS n FROM posts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count posts by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.PostStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[domain.PostStatus(status)] = n
	}
	return counts, rows.Err()
}
