// Package rawstore persists harvested posts verbatim, separate from the
// enrichment records so reprocessing can always recover original text.
package rawstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/probelabs/trendscout/internal/domain"
)

// ErrNotFound is returned when no raw post exists for an id.
var ErrNotFound = errors.New("raw post not found")

// Store is the raw post archive.
type Store interface {
	// SaveBatch inserts posts, skipping ids already archived, and
	// returns how many rows were actually written.
	SaveBatch(ctx context.Context, posts []domain.RawPost) (int, error)

	// Get returns the archived post or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.RawPost, error)

	// IDs pages archived post ids for a source in insertion order,
	// for seeding the duplicate index on boot.
	IDs(ctx context.Context, source string, offset, limit int) ([]string, error)
}

type pgStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New creates a PostgreSQL-backed raw post archive.
func New(db *sqlx.DB, timeout time.Duration) Store {
	return &pgStore{db: db, timeout: timeout}
}

func (s *pgStore) SaveBatch(ctx context.Context, posts []domain.RawPost) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(posts)/100+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_posts (id, source, sub_source, title, body, author, score, url, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, p := range posts {
		metadataJSON, err := json.Marshal(p.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metadata for post %s: %w", p.ID, err)
		}

		res, err := stmt.ExecContext(ctx,
			p.ID, p.Source, p.SubSource, p.Title, p.Body, p.Author, p.Score, p.URL, p.CreatedAt, metadataJSON)
		if err != nil {
			return 0, fmt.Errorf("failed to insert raw post %s: %w", p.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit raw posts: %w", err)
	}
	return written, nil
}

func (s *pgStore) IDs(ctx context.Context, source string, offset, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}

	var ids []string
	query := `
		SELECT id FROM raw_posts
		WHERE source = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`
	if err := s.db.SelectContext(ctx, &ids, query, source, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list raw post ids: %w", err)
	}
	return ids, nil
}

func (s *pgStore) Get(ctx context.Context, id string) (*domain.RawPost, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row struct {
		ID        string `db:"id"`
		Source    string `db:"source"`
		SubSource string `db:"sub_source"`
		Title     string `db:"title"`
		Body      string `db:"body"`
		Author    string `db:"author"`
		Score     int    `db:"score"`
		URL       string `db:"url"`
		CreatedAt int64  `db:"created_at"`
		Metadata  []byte `db:"metadata"`
	}

	query := `
		SELECT id, source, sub_source, title, body, author, score, url, created_at, metadata
		FROM raw_posts WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("raw post %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get raw post: %w", err)
	}

	post := &domain.RawPost{
		ID:        row.ID,
		Source:    row.Source,
		SubSource: row.SubSource,
		Title:     row.Title,
		Body:      row.Body,
		Author:    row.Author,
		Score:     row.Score,
		URL:       row.URL,
		CreatedAt: row.CreatedAt,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &post.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return post, nil
}
