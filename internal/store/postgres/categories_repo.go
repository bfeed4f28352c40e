package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/store"
)

type categoriesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCategoriesRepo creates a PostgreSQL categories repository.
func NewCategoriesRepo(db *sqlx.DB, timeout time.Duration) store.CategoriesRepo {
	return &categoriesRepo{db: db, timeout: timeout}
}

func (r *categoriesRepo) FindOrCreate(ctx context.Context, name, description string, parent *int64) (*domain.Category, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// The no-op assignment on conflict keeps the stored casing while
	// still returning the existing row.
	query := `
		INSERT INTO categories (name, description, parent_id)
		VALUES ($1, $2, $3)
		ON CONFLICT ((lower(name))) DO UPDATE SET name = categories.name
		RETURNING id, name, description, parent_id, created_at`

	var cat domain.Category
	var parentID sql.NullInt64
	err := r.db.QueryRowxContext(ctx, query, name, description, parent).
		Scan(&cat.ID, &cat.Name, &cat.Description, &parentID, &cat.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to find or create category %q: %w", name, err)
	}
	if parentID.Valid {
		cat.ParentID = &parentID.Int64
	}
	return &cat, nil
}

func (r *categoriesRepo) Names(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var names []string
	if err := r.db.SelectContext(ctx, &names, `SELECT name FROM categories ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list category names: %w", err)
	}
	return names, nil
}

func (r *categoriesRepo) Get(ctx context.Context, id int64) (*domain.Category, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var cat domain.Category
	var parentID sql.NullInt64
	query := `SELECT id, name, description, parent_id, created_at FROM categories WHERE id = $1`
	err := r.db.QueryRowxContext(ctx, query, id).
		Scan(&cat.ID, &cat.Name, &cat.Description, &parentID, &cat.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("category %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	if parentID.Valid {
		cat.ParentID = &parentID.Int64
	}
	return &cat, nil
}
