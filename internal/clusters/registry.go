package clusters

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/metrics"
	"github.com/probelabs/trendscout/internal/store"
)

// maxClusterNameLen bounds the auto-generated short names.
const maxClusterNameLen = 60

// Registry assigns embeddings to clusters and runs the maintenance
// jobs. All centroid mutations go through the repository's guarded
// update so concurrent assignments never lose counts.
type Registry struct {
	clusters store.ClustersRepo
	posts    store.PostsRepo

	threshold float64
	batchSize int
	metrics   *metrics.Metrics
}

// New creates a Registry. threshold is the minimum cosine similarity
// for joining an existing cluster; batchSize bounds the paging of the
// maintenance jobs.
func New(clustersRepo store.ClustersRepo, postsRepo store.PostsRepo, threshold float64, batchSize int, m *metrics.Metrics) *Registry {
	if threshold <= 0 {
		threshold = 0.7
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Registry{
		clusters:  clustersRepo,
		posts:     postsRepo,
		threshold: threshold,
		batchSize: batchSize,
		metrics:   m,
	}
}

// Assignment is the outcome of placing one embedding.
type Assignment struct {
	Cluster    domain.Cluster
	Similarity float64
	Created    bool
}

// Assign places an embedding into the nearest qualifying cluster,
// folding it into the centroid, or seeds a new cluster named after the
// post's strongest keywords when nothing is close enough. Similarity
// exactly at the threshold counts as a match.
func (r *Registry) Assign(ctx context.Context, embedding pgvector.Vector, nameHint string) (*Assignment, error) {
	nearest, err := r.clusters.FindNearest(ctx, embedding, r.threshold)
	if err != nil {
		return nil, err
	}

	if nearest != nil {
		if err := r.clusters.AddMember(ctx, nearest.Cluster.ID, embedding); err != nil {
			return nil, err
		}
		nearest.Cluster.MemberCount++
		r.record("matched")
		return &Assignment{Cluster: nearest.Cluster, Similarity: nearest.Similarity}, nil
	}

	cluster := &domain.Cluster{
		Name:        shortName(nameHint),
		Centroid:    embedding,
		MemberCount: 1,
	}
	if err := r.clusters.Create(ctx, cluster); err != nil {
		return nil, err
	}
	r.record("created")

	log.Info().
		Int64("cluster", cluster.ID).
		Str("name", cluster.Name).
		Msg("New cluster seeded")
	return &Assignment{Cluster: *cluster, Similarity: 1, Created: true}, nil
}

func (r *Registry) record(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordClusterAssignment(outcome)
	}
}

// shortName derives a compact cluster label from free text.
func shortName(hint string) string {
	hint = strings.Join(strings.Fields(hint), " ")
	if hint == "" {
		return "unnamed topic"
	}
	if len(hint) > maxClusterNameLen {
		cut := strings.LastIndex(hint[:maxClusterNameLen], " ")
		if cut <= 0 {
			cut = maxClusterNameLen
		}
		hint = hint[:cut]
	}
	return strings.ToLower(hint)
}

// RecomputeAll reloads every cluster's member embeddings and resets the
// centroid to their true mean. Clusters whose members have all moved
// away are deleted.
func (r *Registry) RecomputeAll(ctx context.Context) error {
	all, err := r.clusters.All(ctx)
	if err != nil {
		return err
	}

	for _, cluster := range all {
		members, err := r.clusters.MemberEmbeddings(ctx, cluster.ID)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			if err := r.clusters.Delete(ctx, cluster.ID); err != nil {
				return err
			}
			log.Info().Int64("cluster", cluster.ID).Msg("Removed empty cluster")
			continue
		}

		centroid, err := Mean(members)
		if err != nil {
			return fmt.Errorf("cluster %d: %w", cluster.ID, err)
		}
		if err := r.clusters.ReplaceCentroid(ctx, cluster.ID, centroid, int64(len(members))); err != nil {
			return err
		}
	}

	log.Info().Int("clusters", len(all)).Msg("Centroid recompute finished")
	return nil
}

// MergeSimilar folds cluster pairs whose centroids exceed the given
// similarity into one another, smaller into larger. The survivor's
// centroid is recomputed from its merged membership; the loser is
// deleted. Posts are reassigned first and the recompute follows, so a
// brief count mismatch is possible and self-heals.
func (r *Registry) MergeSimilar(ctx context.Context, threshold float64) (int, error) {
	all, err := r.clusters.All(ctx)
	if err != nil {
		return 0, err
	}

	// Largest first so survivors absorb in one pass.
	sort.Slice(all, func(i, j int) bool { return all[i].MemberCount > all[j].MemberCount })

	absorbed := make(map[int64]bool)
	merges := 0
	for i := 0; i < len(all); i++ {
		if absorbed[all[i].ID] {
			continue
		}
		for j := i + 1; j < len(all); j++ {
			if absorbed[all[j].ID] {
				continue
			}

			sim, err := CosineSimilarity(all[i].Centroid, all[j].Centroid)
			if err != nil {
				return merges, fmt.Errorf("clusters %d/%d: %w", all[i].ID, all[j].ID, err)
			}
			if sim < threshold {
				continue
			}

			moved, err := r.clusters.ReassignMembers(ctx, all[j].ID, all[i].ID)
			if err != nil {
				return merges, err
			}
			if err := r.recompute(ctx, all[i].ID); err != nil {
				return merges, err
			}
			if err := r.clusters.Delete(ctx, all[j].ID); err != nil {
				return merges, err
			}
			absorbed[all[j].ID] = true
			merges++

			log.Info().
				Int64("survivor", all[i].ID).
				Int64("absorbed", all[j].ID).
				Int64("posts_moved", moved).
				Float64("similarity", sim).
				Msg("Merged similar clusters")
		}
	}
	return merges, nil
}

func (r *Registry) recompute(ctx context.Context, clusterID int64) error {
	members, err := r.clusters.MemberEmbeddings(ctx, clusterID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return r.clusters.Delete(ctx, clusterID)
	}
	centroid, err := Mean(members)
	if err != nil {
		return fmt.Errorf("cluster %d: %w", clusterID, err)
	}
	return r.clusters.ReplaceCentroid(ctx, clusterID, centroid, int64(len(members)))
}

// ReassignOutliers walks every processed post with an embedding and
// moves those whose nearest cluster is no longer their assigned one.
// Touched clusters are recomputed afterwards.
func (r *Registry) ReassignOutliers(ctx context.Context) (int, error) {
	touched := make(map[int64]bool)
	moved := 0

	afterID := ""
	for {
		batch, err := r.posts.ListEmbedded(ctx, afterID, r.batchSize)
		if err != nil {
			return moved, err
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		for _, p := range batch {
			if p.Embedding == nil || p.ClusterID == nil {
				continue
			}

			nearest, err := r.clusters.FindNearest(ctx, *p.Embedding, r.threshold)
			if err != nil {
				return moved, err
			}
			if nearest == nil || nearest.Cluster.ID == *p.ClusterID {
				continue
			}

			if err := r.posts.SetCluster(ctx, p.ID, nearest.Cluster.ID); err != nil {
				return moved, err
			}
			touched[*p.ClusterID] = true
			touched[nearest.Cluster.ID] = true
			moved++

			log.Debug().
				Str("post", p.ID).
				Int64("from", *p.ClusterID).
				Int64("to", nearest.Cluster.ID).
				Msg("Reassigned outlier post")
		}
	}

	for id := range touched {
		if err := r.recompute(ctx, id); err != nil {
			return moved, err
		}
	}

	log.Info().Int("moved", moved).Int("clusters_recomputed", len(touched)).Msg("Outlier reassignment finished")
	return moved, nil
}
