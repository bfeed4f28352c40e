package pipeline

import (
	"context"
	"errors"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/llm"
)

// ClassificationResult buckets the post by intent.
type ClassificationResult struct {
	Classification domain.Classification
	Confidence     float64
}

// ClassificationStage labels the post as bug, feature_request,
// question, discussion, documentation or other. A reply the model
// garbles defaults to {other, 0.0}; the stage still succeeds.
type ClassificationStage struct {
	LLM llm.Client
}

func (s *ClassificationStage) Name() string { return "classification" }

const classifySystemPrompt = `Classify the post into exactly one of: bug, feature_request, question, discussion, documentation, other. Respond with JSON: {"classification": "<label>", "confidence": 0.0-1.0}.`

func (s *ClassificationStage) Run(ctx context.Context, st *State) StageResult {
	result := &ClassificationResult{Classification: domain.ClassOther}

	var reply struct {
		Classification string  `json:"classification"`
		Confidence     float64 `json:"confidence"`
	}
	err := s.LLM.CompleteJSON(ctx, classifySystemPrompt, st.Raw.Content(), &reply)
	switch {
	case err == nil:
		result.Classification = domain.ParseClassification(reply.Classification)
		result.Confidence = clamp(reply.Confidence, 0, 1)
	case ctx.Err() != nil:
		return fatal(errKindCanceled, ctx.Err())
	case errors.Is(err, llm.ErrMalformedReply):
		// Defaults stand.
	default:
		return failure(errKindLLM, err)
	}

	st.Class = result
	st.Record.Classification = result.Classification
	st.Record.ClassificationConfidence = result.Confidence
	return success()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
