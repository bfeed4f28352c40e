package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/llm"
)

const maxKeywords = 10

// SemanticResult carries the summary, keywords and embedding the
// downstream cluster assignment depends on.
type SemanticResult struct {
	Summary   string
	Keywords  []string
	Embedding pgvector.Vector
}

// SemanticStage summarizes the post, extracts keywords and produces
// the embedding. Without an embedding there is nothing to cluster, so
// model failure here is a recorded stage failure, not a default.
type SemanticStage struct {
	LLM llm.Client
}

func (s *SemanticStage) Name() string { return "semantic_analysis" }

const semanticSystemPrompt = `Summarize the post in one to three sentences and extract up to ten topical keywords. Respond with JSON: {"summary": "...", "keywords": ["...", "..."]}.`

func (s *SemanticStage) Run(ctx context.Context, st *State) StageResult {
	content := st.Raw.Content()

	var reply struct {
		Summary  string          `json:"summary"`
		Keywords json.RawMessage `json:"keywords"`
	}
	if err := s.LLM.CompleteJSON(ctx, semanticSystemPrompt, content, &reply); err != nil {
		if ctx.Err() != nil {
			return fatal(errKindCanceled, ctx.Err())
		}
		return failure(errKindLLM, err)
	}

	embeddings, err := s.LLM.Embed(ctx, []string{content})
	if err != nil {
		if ctx.Err() != nil {
			return fatal(errKindCanceled, ctx.Err())
		}
		return failure(errKindLLM, err)
	}
	if len(embeddings) != 1 || len(embeddings[0]) != domain.EmbeddingDim {
		return failure(errKindLLM, fmt.Errorf("unexpected embedding shape"))
	}

	result := &SemanticResult{
		Summary:   strings.TrimSpace(reply.Summary),
		Keywords:  parseKeywords(reply.Keywords),
		Embedding: pgvector.NewVector(embeddings[0]),
	}

	st.Semantic = result
	st.Record.Summary = result.Summary
	st.Record.Keywords = result.Keywords
	st.Record.Embedding = &result.Embedding
	return success()
}

// parseKeywords accepts a JSON string array or, as a fallback, a
// single comma-separated string.
func parseKeywords(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if err := json.Unmarshal(raw, &joined); err != nil {
			return nil
		}
		list = strings.Split(joined, ",")
	}

	out := make([]string, 0, len(list))
	for _, kw := range list {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
