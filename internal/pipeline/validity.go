package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/llm"
)

// minContentLength is the shortest post worth a model call.
const minContentLength = 10

// ValidityVerdict reports whether a post describes an actual problem,
// optionally split into derived sub-problems.
type ValidityVerdict struct {
	IsValid  bool
	Reason   string
	Industry string
	Derived  []domain.DerivedProblem
}

// ValidityStage asks the model whether the post describes a concrete
// problem someone has. Posts spanning several distinct problems come
// back as derivations that the pipeline fans out into linked records.
type ValidityStage struct {
	LLM llm.Client
}

func (s *ValidityStage) Name() string { return "validity_check" }

const validitySystemPrompt = `You decide whether a forum post describes a real problem, need, or pain point someone has. Memes, jokes, pure link shares and empty chatter are not problems. If the post clearly contains SEVERAL distinct problems, list each under "derived_problems"; otherwise leave it empty. Respond with JSON: {"is_valid": bool, "reason": "short explanation", "industry": "one or two word industry", "derived_problems": [{"label": "short title", "explanation": "one sentence", "industry": "industry"}]}.`

func (s *ValidityStage) Run(ctx context.Context, st *State) StageResult {
	content := st.Raw.Content()
	if len(content) < minContentLength {
		verdict := &ValidityVerdict{IsValid: false, Reason: "Content too short to be meaningful"}
		s.apply(st, verdict)
		return success()
	}

	var reply struct {
		IsValid  json.RawMessage         `json:"is_valid"`
		Reason   string                  `json:"reason"`
		Industry string                  `json:"industry"`
		Derived  []domain.DerivedProblem `json:"derived_problems"`
	}
	if err := s.LLM.CompleteJSON(ctx, validitySystemPrompt, content, &reply); err != nil {
		if ctx.Err() != nil {
			return fatal(errKindCanceled, ctx.Err())
		}
		// No verdict at all: downstream stages still run and the
		// record keeps is_valid unset.
		return failure(errKindLLM, err)
	}

	isValid, ok := unmarshalBoolish(reply.IsValid)
	if !ok {
		return failure(errKindLLM, llm.ErrMalformedReply)
	}

	verdict := &ValidityVerdict{
		IsValid:  isValid,
		Reason:   strings.TrimSpace(reply.Reason),
		Industry: strings.TrimSpace(reply.Industry),
	}
	// Derivations only make sense for a valid post.
	if isValid {
		for _, dp := range reply.Derived {
			if strings.TrimSpace(dp.Label) == "" {
				continue
			}
			verdict.Derived = append(verdict.Derived, dp)
		}
	}

	s.apply(st, verdict)
	return success()
}

func (s *ValidityStage) apply(st *State, verdict *ValidityVerdict) {
	st.Validity = verdict
	valid := verdict.IsValid
	st.Record.IsValid = &valid
	st.Record.ValidityReason = verdict.Reason
}
