package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/store"
)

// centroidRetries bounds the optimistic update loop under contention.
const centroidRetries = 3

type clustersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewClustersRepo creates a PostgreSQL clusters repository.
func NewClustersRepo(db *sqlx.DB, timeout time.Duration) store.ClustersRepo {
	return &clustersRepo{db: db, timeout: timeout}
}

type clusterRow struct {
	ID          int64           `db:"id"`
	Name        string          `db:"name"`
	Centroid    pgvector.Vector `db:"centroid"`
	MemberCount int64           `db:"member_count"`
	CategoryID  sql.NullInt64   `db:"category_id"`
	Metadata    []byte          `db:"metadata"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (row clusterRow) toDomain() (domain.Cluster, error) {
	c := domain.Cluster{
		ID:          row.ID,
		Name:        row.Name,
		Centroid:    row.Centroid,
		MemberCount: row.MemberCount,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.CategoryID.Valid {
		c.CategoryID = &row.CategoryID.Int64
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &c.Metadata); err != nil {
			return c, fmt.Errorf("failed to unmarshal cluster metadata: %w", err)
		}
	}
	return c, nil
}

const clusterColumns = `id, name, centroid, member_count, category_id, metadata, created_at, updated_at`

func (r *clustersRepo) FindNearest(ctx context.Context, embedding pgvector.Vector, threshold float64) (*store.NearestCluster, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var hit struct {
		ClusterID  sql.NullInt64   `db:"cluster_id"`
		Similarity sql.NullFloat64 `db:"similarity"`
	}
	err := r.db.GetContext(ctx, &hit,
		`SELECT cluster_id, similarity FROM find_nearest_cluster($1, $2)`, embedding, threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find nearest cluster: %w", err)
	}
	if !hit.ClusterID.Valid {
		return nil, nil
	}

	cluster, err := r.Get(ctx, hit.ClusterID.Int64)
	if err != nil {
		return nil, err
	}
	return &store.NearestCluster{Cluster: *cluster, Similarity: hit.Similarity.Float64}, nil
}

func (r *clustersRepo) Create(ctx context.Context, cluster *domain.Cluster) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metadataJSON, err := json.Marshal(cluster.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster metadata: %w", err)
	}

	var categoryID interface{}
	if cluster.CategoryID != nil {
		categoryID = *cluster.CategoryID
	}

	if cluster.MemberCount <= 0 {
		cluster.MemberCount = 1
	}

	query := `
		INSERT INTO clusters (name, centroid, member_count, category_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRowxContext(ctx, query,
		cluster.Name, cluster.Centroid, cluster.MemberCount, categoryID, metadataJSON).
		Scan(&cluster.ID, &cluster.CreatedAt, &cluster.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cluster: %w", err)
	}
	return nil
}

func (r *clustersRepo) Get(ctx context.Context, id int64) (*domain.Cluster, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row clusterRow
	err := r.db.GetContext(ctx, &row, `SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}

	cluster, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (r *clustersRepo) All(ctx context.Context) ([]domain.Cluster, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []clusterRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+clusterColumns+` FROM clusters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}

	clusters := make([]domain.Cluster, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, nil
}

// AddMember folds one embedding into the running centroid mean. The
// member_count guard in the UPDATE detects concurrent writers; losing
// a round re-reads and retries.
func (r *clustersRepo) AddMember(ctx context.Context, clusterID int64, embedding pgvector.Vector) error {
	for attempt := 0; attempt < centroidRetries; attempt++ {
		cluster, err := r.Get(ctx, clusterID)
		if err != nil {
			return err
		}

		next, err := foldIntoCentroid(cluster.Centroid, embedding, cluster.MemberCount)
		if err != nil {
			return err
		}

		opCtx, cancel := context.WithTimeout(ctx, r.timeout)
		res, err := r.db.ExecContext(opCtx, `
			UPDATE clusters
			SET centroid = $2, member_count = member_count + 1, updated_at = now()
			WHERE id = $1 AND member_count = $3`,
			clusterID, next, cluster.MemberCount)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to update centroid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return fmt.Errorf("cluster %d: %w", clusterID, store.ErrCentroidConflict)
}

func foldIntoCentroid(centroid, embedding pgvector.Vector, memberCount int64) (pgvector.Vector, error) {
	c, e := centroid.Slice(), embedding.Slice()
	if len(c) != len(e) {
		return pgvector.Vector{}, fmt.Errorf("centroid dimension %d does not match embedding %d", len(c), len(e))
	}
	n := float32(memberCount)
	next := make([]float32, len(c))
	for i := range c {
		next[i] = (c[i]*n + e[i]) / (n + 1)
	}
	return pgvector.NewVector(next), nil
}

func (r *clustersRepo) ReplaceCentroid(ctx context.Context, clusterID int64, centroid pgvector.Vector, memberCount int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE clusters
		SET centroid = $2, member_count = $3, updated_at = now()
		WHERE id = $1`,
		clusterID, centroid, memberCount)
	if err != nil {
		return fmt.Errorf("failed to replace centroid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cluster %d: %w", clusterID, store.ErrNotFound)
	}
	return nil
}

func (r *clustersRepo) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	return nil
}

func (r *clustersRepo) MemberEmbeddings(ctx context.Context, clusterID int64) ([]pgvector.Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT embedding FROM posts WHERE cluster_id = $1 AND embedding IS NOT NULL`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query member embeddings: %w", err)
	}
	defer rows.Close()

	var embeddings []pgvector.Vector
	for rows.Next() {
		var v pgvector.Vector
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		embeddings = append(embeddings, v)
	}
	return embeddings, rows.Err()
}

// ReassignMembers moves posts and their mentions from src to dst in one
// transaction so trend queries never observe a half-moved cluster.
func (r *clustersRepo) ReassignMembers(ctx context.Context, src, dst int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE posts SET cluster_id = $2, updated_at = now() WHERE cluster_id = $1`, src, dst)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign posts: %w", err)
	}
	moved, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`UPDATE mentions SET cluster_id = $2 WHERE cluster_id = $1`, src, dst); err != nil {
		return 0, fmt.Errorf("failed to reassign mentions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reassignment: %w", err)
	}
	return moved, nil
}
