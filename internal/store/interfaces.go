// Package store defines the persistence interfaces for enriched posts,
// categories, clusters, mentions and the audit trail.
package store

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/probelabs/trendscout/internal/domain"
)

// PostsRepo persists enriched post records and owns the processing
// lock and retry bookkeeping.
type PostsRepo interface {
	// Insert creates the record; duplicate ids return ErrDuplicate.
	Insert(ctx context.Context, post *domain.EnrichedPost) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.EnrichedPost, error)

	// Update writes all mutable enrichment fields of the record.
	Update(ctx context.Context, post *domain.EnrichedPost) error

	// AcquireLock transitions the post into processing unless another
	// holder claimed it within ttl. Stale claims are taken over.
	AcquireLock(ctx context.Context, id string, ttl time.Duration) (bool, error)

	// MarkProcessed finalizes the record; the lock is released by the
	// status transition. Processed is terminal.
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed stores the error, bumps retry_count and returns the
	// new count.
	MarkFailed(ctx context.Context, id string, errMsg string) (int, error)

	// ListUnprocessed returns posts eligible for queueing, oldest first.
	ListUnprocessed(ctx context.Context, maxRetries, limit int) ([]QueueCandidate, error)

	// CountByStatus returns record counts keyed by status.
	CountByStatus(ctx context.Context) (map[domain.PostStatus]int64, error)

	// ListEmbedded pages through processed posts that carry an
	// embedding, ordered by id, starting after afterID.
	ListEmbedded(ctx context.Context, afterID string, limit int) ([]EmbeddedPost, error)

	// SetCluster moves a post to another cluster.
	SetCluster(ctx context.Context, id string, clusterID int64) error
}

// EmbeddedPost is the slice of a post the cluster maintenance jobs
// operate on.
type EmbeddedPost struct {
	ID        string           `db:"id"`
	ClusterID *int64           `db:"cluster_id"`
	Embedding *pgvector.Vector `db:"embedding"`
}

// QueueCandidate is a post eligible for (re-)enqueueing.
type QueueCandidate struct {
	ID     string `db:"id"`
	Source string `db:"source"`
}

// CategoriesRepo persists the find-or-create taxonomy.
type CategoriesRepo interface {
	// FindOrCreate returns the existing category with this name or
	// inserts it. Name matching is case-insensitive; parentID applies
	// only on insert.
	FindOrCreate(ctx context.Context, name, description string, parentID *int64) (*domain.Category, error)

	// Get returns the category or ErrNotFound.
	Get(ctx context.Context, id int64) (*domain.Category, error)

	// Names returns every category name, alphabetically.
	Names(ctx context.Context) ([]string, error)
}

// NearestCluster is a similarity search hit.
type NearestCluster struct {
	Cluster    domain.Cluster
	Similarity float64
}

// ClustersRepo persists clusters and their centroids.
type ClustersRepo interface {
	// FindNearest returns the most similar cluster at or above the
	// threshold, or nil when none qualifies.
	FindNearest(ctx context.Context, embedding pgvector.Vector, threshold float64) (*NearestCluster, error)

	// Create inserts a cluster seeded from one member and fills in ID.
	Create(ctx context.Context, cluster *domain.Cluster) error

	// Get returns the cluster or ErrNotFound.
	Get(ctx context.Context, id int64) (*domain.Cluster, error)

	// All returns every cluster.
	All(ctx context.Context) ([]domain.Cluster, error)

	// AddMember folds an embedding into the centroid with an optimistic
	// member_count guard, retrying on contention.
	AddMember(ctx context.Context, clusterID int64, embedding pgvector.Vector) error

	// ReplaceCentroid overwrites centroid and member count, used by
	// full recomputes and merges.
	ReplaceCentroid(ctx context.Context, clusterID int64, centroid pgvector.Vector, memberCount int64) error

	// Delete removes an emptied cluster.
	Delete(ctx context.Context, id int64) error

	// MemberEmbeddings streams the member embeddings of a cluster.
	MemberEmbeddings(ctx context.Context, clusterID int64) ([]pgvector.Vector, error)

	// ReassignMembers moves every member of src to dst and returns the
	// number of posts moved.
	ReassignMembers(ctx context.Context, src, dst int64) (int64, error)
}

// MentionsRepo records trend-tracking mentions.
type MentionsRepo interface {
	// Insert appends one mention row.
	Insert(ctx context.Context, m *domain.Mention) error

	// CountSince counts mentions for a cluster in a trailing window.
	CountSince(ctx context.Context, clusterID int64, since time.Time) (int64, error)
}

// TrendSnapshot is one scored cluster inside a trailing window.
type TrendSnapshot struct {
	ClusterID    int64   `json:"cluster_id" db:"cluster_id"`
	ClusterName  string  `json:"cluster_name" db:"cluster_name"`
	MentionCount int64   `json:"mention_count" db:"mention_count"`
	Score        float64 `json:"score" db:"score"`
}

// TrendsRepo computes and stores trend scores.
type TrendsRepo interface {
	// Score runs the decay-weighted trend score for one cluster.
	Score(ctx context.Context, clusterID int64, window time.Duration) (float64, error)

	// TopClusters returns the highest scoring clusters in a window.
	TopClusters(ctx context.Context, window time.Duration, limit int) ([]TrendSnapshot, error)
}

// AuditEntry is one structured row in the audit trail.
type AuditEntry struct {
	Actor    string
	Action   string
	EntityID string
	Detail   map[string]any
}

// AuditRepo appends to the audit trail.
type AuditRepo interface {
	Record(ctx context.Context, entry AuditEntry) error
}
