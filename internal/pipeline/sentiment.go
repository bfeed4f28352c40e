package pipeline

import (
	"context"
	"errors"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/llm"
)

// SentimentResult is the coarse mood of the post.
type SentimentResult struct {
	Label      domain.SentimentLabel
	Score      float64
	Confidence float64
}

// SentimentStage scores the post's sentiment. A garbled reply defaults
// to {neutral, 0.0, 0.5}.
type SentimentStage struct {
	LLM llm.Client
}

func (s *SentimentStage) Name() string { return "sentiment_analysis" }

const sentimentSystemPrompt = `Rate the sentiment of the post. Respond with JSON: {"sentiment": "positive"|"neutral"|"negative", "score": -1.0 to 1.0, "confidence": 0.0-1.0}.`

func (s *SentimentStage) Run(ctx context.Context, st *State) StageResult {
	result := &SentimentResult{Label: domain.SentimentNeutral, Score: 0, Confidence: 0.5}

	var reply struct {
		Sentiment  string  `json:"sentiment"`
		Score      float64 `json:"score"`
		Confidence float64 `json:"confidence"`
	}
	err := s.LLM.CompleteJSON(ctx, sentimentSystemPrompt, st.Raw.Content(), &reply)
	switch {
	case err == nil:
		result.Label = domain.ParseSentiment(reply.Sentiment)
		result.Score = clamp(reply.Score, -1, 1)
		result.Confidence = clamp(reply.Confidence, 0, 1)
	case ctx.Err() != nil:
		return fatal(errKindCanceled, ctx.Err())
	case errors.Is(err, llm.ErrMalformedReply):
		// Defaults stand.
	default:
		return failure(errKindLLM, err)
	}

	st.Sentiment = result
	st.Record.SentimentLabel = result.Label
	st.Record.SentimentScore = result.Score
	return success()
}
