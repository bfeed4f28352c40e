// Package pipeline runs the per-post enrichment sequence: spam and
// validity gating, classification, semantic analysis with embedding,
// sentiment, category assignment, cluster assignment, and the final
// trend mention.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/clusters"
	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/llm"
	"github.com/probelabs/trendscout/internal/metrics"
	"github.com/probelabs/trendscout/internal/store"
)

// Error kinds recorded per failed stage.
const (
	errKindLLM      = "llm"
	errKindStore    = "store"
	errKindCanceled = "canceled"
)

// State is the mutable record a post accumulates while it traverses
// the stages. Stages read earlier verdicts and write their own; no
// stage observes a later stage's output.
type State struct {
	Raw    domain.RawPost
	Record *domain.EnrichedPost

	Spam       *SpamVerdict
	Validity   *ValidityVerdict
	Class      *ClassificationResult
	Semantic   *SemanticResult
	Sentiment  *SentimentResult
	Category   *domain.Category
	Assignment *clusters.Assignment
	Mention    *domain.Mention
}

// StageResult is the envelope every stage execution produces.
type StageResult struct {
	Stage   string
	Success bool
	Err     error
	ErrKind string
	// Fatal aborts the pipeline: the post is marked failed and the
	// error propagates to the queue for a retry. Only store I/O and
	// cancellation are fatal; model trouble degrades to defaults or a
	// recorded stage failure.
	Fatal   bool
	Latency time.Duration
	// TokensUsed is the model token spend the stage's LLM calls
	// reported, zero for stages that never call the model.
	TokensUsed int
}

func success() StageResult {
	return StageResult{Success: true}
}

func failure(kind string, err error) StageResult {
	return StageResult{Err: err, ErrKind: kind}
}

func fatal(kind string, err error) StageResult {
	return StageResult{Err: err, ErrKind: kind, Fatal: true}
}

// Stage is one enrichment step.
type Stage interface {
	Name() string
	Run(ctx context.Context, st *State) StageResult
}

// Deps wires the pipeline to its collaborators. Metrics, Audit and
// OnMention are optional.
type Deps struct {
	Posts      store.PostsRepo
	Categories store.CategoriesRepo
	Mentions   store.MentionsRepo
	Registry   *clusters.Registry
	LLM        llm.Client

	Metrics *metrics.Metrics
	Audit   store.AuditRepo

	// OnMention observes every recorded mention, e.g. the live feed.
	OnMention func(domain.Mention)

	LockTTL time.Duration
}

// Pipeline executes the enrichment stages for one post at a time.
// Multiple pipelines may run concurrently; post-level exclusion is the
// processing lock in the posts repository.
type Pipeline struct {
	deps   Deps
	gating []Stage // spam, validity
	main   []Stage // classification .. mention
}

// New builds the pipeline with the canonical stage order.
func New(deps Deps) *Pipeline {
	if deps.LockTTL <= 0 {
		deps.LockTTL = 10 * time.Minute
	}
	p := &Pipeline{deps: deps}
	p.gating = []Stage{
		&SpamStage{LLM: deps.LLM},
		&ValidityStage{LLM: deps.LLM},
	}
	p.main = []Stage{
		&ClassificationStage{LLM: deps.LLM},
		&SemanticStage{LLM: deps.LLM},
		&SentimentStage{LLM: deps.LLM},
		&CategoryStage{LLM: deps.LLM, Categories: deps.Categories},
		&ClusterStage{Registry: deps.Registry},
		&MentionStage{Mentions: deps.Mentions, OnMention: deps.OnMention},
	}
	return p
}

// Process enriches one raw post end to end. Re-processing an already
// processed post returns without work; a post owned by another worker
// is skipped without error. Any returned error is retryable by the
// queue and the record has been marked failed.
func (p *Pipeline) Process(ctx context.Context, raw domain.RawPost) error {
	existing, err := p.deps.Posts.Get(ctx, raw.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to load enrichment record: %w", err)
	}
	if existing != nil && existing.Status == domain.StatusProcessed {
		log.Debug().Str("post", raw.ID).Msg("Post already processed, skipping")
		return nil
	}

	if existing == nil {
		rec := &domain.EnrichedPost{ID: raw.ID, Source: raw.Source, Status: domain.StatusUnprocessed}
		if err := p.deps.Posts.Insert(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("failed to create enrichment record: %w", err)
		}
	}

	acquired, err := p.deps.Posts.AcquireLock(ctx, raw.ID, p.deps.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire processing lock: %w", err)
	}
	if !acquired {
		log.Debug().Str("post", raw.ID).Msg("Post locked by another worker, skipping")
		return nil
	}

	record, err := p.deps.Posts.Get(ctx, raw.ID)
	if err != nil {
		return fmt.Errorf("failed to reload enrichment record: %w", err)
	}

	st := &State{Raw: raw, Record: record}
	if err := p.enrich(ctx, st); err != nil {
		return p.fail(ctx, raw.ID, err)
	}
	return nil
}

// enrich runs the gating stages, fans out derived problems when the
// validity stage produced them, and otherwise finishes the post's own
// downstream stages.
func (p *Pipeline) enrich(ctx context.Context, st *State) error {
	for _, stage := range p.gating {
		if err := p.runStage(ctx, stage, st); err != nil {
			return err
		}
		if p.shouldStop(st) {
			return p.finalize(ctx, st, "rejected")
		}
	}

	if st.Validity != nil && len(st.Validity.Derived) > 0 {
		if err := p.processDerived(ctx, st); err != nil {
			return err
		}
		return p.finalize(ctx, st, "split")
	}

	for _, stage := range p.main {
		if err := p.runStage(ctx, stage, st); err != nil {
			return err
		}
	}
	return p.finalize(ctx, st, "processed")
}

// runStage executes one stage with timing, metrics and the audit
// trail. Non-fatal failures are recorded and the pipeline moves on.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, st *State) error {
	if ctx.Err() != nil {
		return fmt.Errorf("pipeline canceled before %s: %w", stage.Name(), ctx.Err())
	}

	var timer *metrics.StageTimer
	if p.deps.Metrics != nil {
		timer = p.deps.Metrics.StartStageTimer(stage.Name())
	}

	usage := &llm.UsageRecorder{}
	stageCtx := llm.WithUsageRecorder(ctx, usage)

	start := time.Now()
	res := stage.Run(stageCtx, st)
	res.Stage = stage.Name()
	res.Latency = time.Since(start)
	res.TokensUsed = usage.Tokens()

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	if timer != nil {
		timer.Stop(outcome)
	}
	if !res.Success && p.deps.Metrics != nil {
		p.deps.Metrics.RecordStageError(stage.Name(), res.ErrKind)
	}
	p.audit(ctx, st.Record.ID, res)

	if res.Fatal {
		return fmt.Errorf("stage %s: %w", stage.Name(), res.Err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("pipeline canceled during %s: %w", stage.Name(), ctx.Err())
	}
	if !res.Success {
		log.Warn().
			Str("post", st.Record.ID).
			Str("stage", stage.Name()).
			Err(res.Err).
			Msg("Stage failed, continuing")
	}
	return nil
}

// shouldStop halts enrichment on spam, PII, or an explicit invalid
// verdict. An absent validity verdict (the stage failed) is treated as
// "continue".
func (p *Pipeline) shouldStop(st *State) bool {
	if st.Record.IsSpam || st.Record.HasPII {
		return true
	}
	if st.Validity != nil && !st.Validity.IsValid {
		return true
	}
	return false
}

// processDerived creates one linked record per derived problem and runs
// the downstream stages on each. Derivations inherit the parent's spam
// verdict; their text is model output, not fresh user content.
func (p *Pipeline) processDerived(ctx context.Context, parent *State) error {
	for _, dp := range parent.Validity.Derived {
		id := domain.DerivedID(parent.Raw.ID)

		rec := &domain.EnrichedPost{
			ID:       id,
			Source:   parent.Raw.Source,
			ParentID: &parent.Raw.ID,
			Status:   domain.StatusProcessing,
		}
		if err := p.deps.Posts.Insert(ctx, rec); err != nil {
			return fmt.Errorf("failed to create derived record %s: %w", id, err)
		}

		valid := true
		rec.IsValid = &valid
		rec.ValidityReason = dp.Explanation

		derived := &State{
			Raw: domain.RawPost{
				ID:        id,
				Source:    parent.Raw.Source,
				Title:     dp.Label,
				Body:      dp.Explanation,
				Author:    parent.Raw.Author,
				Score:     parent.Raw.Score,
				URL:       parent.Raw.URL,
				SubSource: parent.Raw.SubSource,
				CreatedAt: parent.Raw.CreatedAt,
			},
			Record:   rec,
			Spam:     parent.Spam,
			Validity: &ValidityVerdict{IsValid: true, Reason: dp.Explanation, Industry: dp.Industry},
		}

		for _, stage := range p.main {
			if err := p.runStage(ctx, stage, derived); err != nil {
				return err
			}
		}
		if err := p.finalize(ctx, derived, "processed"); err != nil {
			return err
		}

		log.Info().
			Str("parent", parent.Raw.ID).
			Str("derived", id).
			Str("label", dp.Label).
			Msg("Derived problem enriched")
	}
	return nil
}

// finalize persists the accumulated record and marks it processed.
func (p *Pipeline) finalize(ctx context.Context, st *State, outcome string) error {
	if err := p.deps.Posts.Update(ctx, st.Record); err != nil {
		return fmt.Errorf("failed to persist enrichment: %w", err)
	}
	if err := p.deps.Posts.MarkProcessed(ctx, st.Record.ID); err != nil {
		return fmt.Errorf("failed to mark post processed: %w", err)
	}

	log.Info().
		Str("post", st.Record.ID).
		Str("outcome", outcome).
		Bool("spam", st.Record.IsSpam).
		Msg("Post enrichment finished")
	return nil
}

// fail marks the record failed and returns the original error so the
// queue schedules a retry.
func (p *Pipeline) fail(ctx context.Context, id string, cause error) error {
	// Marking failed must survive the cancellation that may have
	// caused the failure.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	retries, err := p.deps.Posts.MarkFailed(markCtx, id, cause.Error())
	if err != nil {
		log.Error().Err(err).Str("post", id).Msg("Failed to record pipeline failure")
	} else {
		log.Warn().
			Str("post", id).
			Int("retries", retries).
			Err(cause).
			Msg("Pipeline failed")
	}
	return cause
}

func (p *Pipeline) audit(ctx context.Context, postID string, res StageResult) {
	if p.deps.Audit == nil {
		return
	}
	detail := map[string]any{
		"success":     res.Success,
		"latency_ms":  res.Latency.Milliseconds(),
		"tokens_used": res.TokensUsed,
	}
	if res.Err != nil {
		detail["error"] = res.Err.Error()
		detail["error_kind"] = res.ErrKind
	}
	entry := store.AuditEntry{
		Actor:    "pipeline",
		Action:   "stage." + res.Stage,
		EntityID: postID,
		Detail:   detail,
	}
	if err := p.deps.Audit.Record(ctx, entry); err != nil {
		log.Error().Err(err).Str("post", postID).Msg("Failed to write audit entry")
	}
}
