package pipeline

import (
	"context"
	"fmt"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/store"
)

// MentionStage appends the trend-tracking row. It runs only when the
// cluster, category and sentiment stages all succeeded; anything less
// leaves no mention, which keeps the trend tables consistent with the
// "one mention per fully enriched post" rule.
type MentionStage struct {
	Mentions  store.MentionsRepo
	OnMention func(domain.Mention)
}

func (s *MentionStage) Name() string { return "record_mention" }

func (s *MentionStage) Run(ctx context.Context, st *State) StageResult {
	if st.Assignment == nil || st.Category == nil || st.Sentiment == nil {
		return failure(errKindLLM, fmt.Errorf("missing cluster, category or sentiment"))
	}

	mention := &domain.Mention{
		PostID:          st.Record.ID,
		ClusterID:       st.Assignment.Cluster.ID,
		CategoryID:      st.Category.ID,
		SentimentScore:  st.Sentiment.Score,
		EngagementScore: st.Raw.EngagementScore(),
	}
	if err := s.Mentions.Insert(ctx, mention); err != nil {
		if ctx.Err() != nil {
			return fatal(errKindCanceled, ctx.Err())
		}
		return fatal(errKindStore, err)
	}

	st.Mention = mention
	if s.OnMention != nil {
		s.OnMention(*mention)
	}
	return success()
}
