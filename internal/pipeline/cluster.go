package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/probelabs/trendscout/internal/clusters"
)

// ClusterStage places the post's embedding into the cluster registry.
// It needs the semantic stage's embedding; without one the stage is a
// recorded failure and the post stays unclustered.
type ClusterStage struct {
	Registry *clusters.Registry
}

func (s *ClusterStage) Name() string { return "cluster_assign" }

func (s *ClusterStage) Run(ctx context.Context, st *State) StageResult {
	if st.Semantic == nil {
		return failure(errKindLLM, fmt.Errorf("no embedding available"))
	}

	assignment, err := s.Registry.Assign(ctx, st.Semantic.Embedding, s.nameHint(st))
	if err != nil {
		if ctx.Err() != nil {
			return fatal(errKindCanceled, ctx.Err())
		}
		return fatal(errKindStore, err)
	}

	st.Assignment = assignment
	st.Record.ClusterID = &assignment.Cluster.ID
	return success()
}

// nameHint feeds the registry something human-readable for new
// clusters: keywords first, then the summary, then the title.
func (s *ClusterStage) nameHint(st *State) string {
	if len(st.Semantic.Keywords) > 0 {
		n := len(st.Semantic.Keywords)
		if n > 3 {
			n = 3
		}
		return strings.Join(st.Semantic.Keywords[:n], " ")
	}
	if st.Semantic.Summary != "" {
		return st.Semantic.Summary
	}
	return st.Raw.Title
}
