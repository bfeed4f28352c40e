// Package domain holds the core entities shared by the collector, the
// enrichment pipeline, and the persistence layer.
package domain

import (
	"math"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// EmbeddingDim is the fixed dimensionality of semantic embeddings.
const EmbeddingDim = 1536

// RawPost is an immutable ingest unit harvested from a forum API.
// ID uniquely identifies a post within the entire system.
type RawPost struct {
	ID        string         `json:"id" db:"id"`
	Source    string         `json:"source" db:"source"`
	Title     string         `json:"title" db:"title"`
	Body      string         `json:"body" db:"body"`
	Author    string         `json:"author" db:"author"`
	Score     int            `json:"score" db:"score"`
	URL       string         `json:"url" db:"url"`
	SubSource string         `json:"sub_source" db:"sub_source"`
	CreatedAt int64          `json:"created_at" db:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// NormalizeAuthor flattens an author recorded as an API object in the
// metadata ({"name": ...}) into the flat Author field. Freshly
// harvested posts already carry a flat author; rows mirrored from
// older archives may not.
func (p *RawPost) NormalizeAuthor() {
	if p.Author != "" {
		return
	}
	obj, ok := p.Metadata["author"].(map[string]any)
	if !ok {
		return
	}
	if name, ok := obj["name"].(string); ok {
		p.Author = name
	}
}

// Content returns the text the pipeline stages operate on.
func (p RawPost) Content() string {
	title := strings.TrimSpace(p.Title)
	body := strings.TrimSpace(p.Body)
	if title == "" {
		return body
	}
	if body == "" {
		return title
	}
	return title + "\n\n" + body
}

// EngagementScore normalizes the heavy-tailed forum score into [0,1].
// log10(1+score) saturates at 10k upvotes.
func (p RawPost) EngagementScore() float64 {
	if p.Score <= 0 {
		return 0
	}
	s := math.Log10(1+float64(p.Score)) / 4.0
	if s > 1 {
		return 1
	}
	return s
}

// PostStatus tracks an enriched record through the pipeline.
// Transitions: unprocessed -> processing -> {processed | failed};
// processed is terminal; failed may re-enter processing while
// retry_count < maxRetries.
type PostStatus string

const (
	StatusUnprocessed PostStatus = "unprocessed"
	StatusProcessing  PostStatus = "processing"
	StatusProcessed   PostStatus = "processed"
	StatusFailed      PostStatus = "failed"
)

// Classification buckets a problem post by intent.
type Classification string

const (
	ClassBug           Classification = "bug"
	ClassFeatureReq    Classification = "feature_request"
	ClassQuestion      Classification = "question"
	ClassDiscussion    Classification = "discussion"
	ClassDocumentation Classification = "documentation"
	ClassOther         Classification = "other"
)

// ParseClassification maps free-form model output onto the enum,
// defaulting to ClassOther.
func ParseClassification(s string) Classification {
	switch Classification(strings.ToLower(strings.TrimSpace(s))) {
	case ClassBug, ClassFeatureReq, ClassQuestion, ClassDiscussion, ClassDocumentation:
		return Classification(strings.ToLower(strings.TrimSpace(s)))
	default:
		return ClassOther
	}
}

// SentimentLabel is the coarse sentiment verdict of a post.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNeutral  SentimentLabel = "neutral"
	SentimentNegative SentimentLabel = "negative"
)

// ParseSentiment maps free-form model output onto the enum, defaulting
// to neutral.
func ParseSentiment(s string) SentimentLabel {
	switch SentimentLabel(strings.ToLower(strings.TrimSpace(s))) {
	case SentimentPositive, SentimentNegative:
		return SentimentLabel(strings.ToLower(strings.TrimSpace(s)))
	default:
		return SentimentNeutral
	}
}

// EnrichedPost is the mutable record a post accumulates while it
// traverses the pipeline. Fields written by a stage are set only once
// per successful execution.
type EnrichedPost struct {
	ID       string  `json:"id" db:"id"`
	Source   string  `json:"source" db:"source"`
	ParentID *string `json:"parent_id,omitempty" db:"parent_id"`

	Status     PostStatus `json:"status" db:"status"`
	RetryCount int        `json:"retry_count" db:"retry_count"`

	IsSpam          bool   `json:"is_spam" db:"is_spam"`
	HasPII          bool   `json:"has_pii" db:"has_pii"`
	ModerationNotes string `json:"moderation_notes,omitempty" db:"moderation_notes"`

	IsValid        *bool  `json:"is_valid,omitempty" db:"is_valid"`
	ValidityReason string `json:"validity_reason,omitempty" db:"validity_reason"`

	Classification           Classification `json:"classification,omitempty" db:"classification"`
	ClassificationConfidence float64        `json:"classification_confidence" db:"classification_confidence"`

	Summary   string          `json:"summary,omitempty" db:"summary"`
	Keywords  []string        `json:"keywords,omitempty" db:"keywords"`
	Embedding *pgvector.Vector `json:"-" db:"embedding"`

	SentimentLabel SentimentLabel `json:"sentiment_label,omitempty" db:"sentiment_label"`
	SentimentScore float64        `json:"sentiment_score" db:"sentiment_score"`

	CategoryID *int64 `json:"category_id,omitempty" db:"category_id"`
	ClusterID  *int64 `json:"cluster_id,omitempty" db:"cluster_id"`

	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty" db:"processing_started_at"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	FailedAt            *time.Time `json:"failed_at,omitempty" db:"failed_at"`
}

// Category is a find-or-create taxonomy node. ParentID forms a DAG.
type Category struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	ParentID    *int64    `json:"parent_id,omitempty" db:"parent_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Cluster groups semantically similar posts. Centroid is the arithmetic
// mean of all member embeddings; MemberCount >= 1.
type Cluster struct {
	ID          int64           `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Centroid    pgvector.Vector `json:"-" db:"centroid"`
	MemberCount int64           `json:"member_count" db:"member_count"`
	CategoryID  *int64          `json:"category_id,omitempty" db:"category_id"`
	Metadata    map[string]any  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Mention is the append-only trend-tracking row recorded once per
// successfully enriched post.
type Mention struct {
	ID              int64     `json:"id" db:"id"`
	PostID          string    `json:"post_id" db:"post_id"`
	ClusterID       int64     `json:"cluster_id" db:"cluster_id"`
	CategoryID      int64     `json:"category_id" db:"category_id"`
	SentimentScore  float64   `json:"sentiment_score" db:"sentiment_score"`
	EngagementScore float64   `json:"engagement_score" db:"engagement_score"`
	MentionedAt     time.Time `json:"mentioned_at" db:"mentioned_at"`
}

// DerivedProblem is a sub-problem extracted from a post by the validity
// stage; each derivation becomes a linked enriched record of its own.
type DerivedProblem struct {
	Label       string `json:"label"`
	Explanation string `json:"explanation"`
	Industry    string `json:"industry,omitempty"`
}
