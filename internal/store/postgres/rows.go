package postgres

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/probelabs/trendscout/internal/domain"
)

const postColumns = `
	id, source, parent_id, status, retry_count,
	is_spam, has_pii, moderation_notes,
	is_valid, validity_reason,
	classification, classification_confidence,
	summary, keywords, embedding,
	sentiment_label, sentiment_score,
	category_id, cluster_id, error_message,
	created_at, updated_at, processing_started_at, processed_at, failed_at`

// postRow is the scan target mirroring the posts table, with SQL null
// wrappers where the schema allows NULL.
type postRow struct {
	ID         string         `db:"id"`
	Source     string         `db:"source"`
	ParentID   sql.NullString `db:"parent_id"`
	Status     string         `db:"status"`
	RetryCount int            `db:"retry_count"`

	IsSpam          bool   `db:"is_spam"`
	HasPII          bool   `db:"has_pii"`
	ModerationNotes string `db:"moderation_notes"`

	IsValid        sql.NullBool `db:"is_valid"`
	ValidityReason string       `db:"validity_reason"`

	Classification           sql.NullString `db:"classification"`
	ClassificationConfidence float64        `db:"classification_confidence"`

	Summary   string           `db:"summary"`
	Keywords  pq.StringArray   `db:"keywords"`
	Embedding *pgvector.Vector `db:"embedding"`

	SentimentLabel sql.NullString `db:"sentiment_label"`
	SentimentScore float64        `db:"sentiment_score"`

	CategoryID sql.NullInt64 `db:"category_id"`
	ClusterID  sql.NullInt64 `db:"cluster_id"`

	ErrorMessage string `db:"error_message"`

	CreatedAt           time.Time    `db:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at"`
	ProcessingStartedAt sql.NullTime `db:"processing_started_at"`
	ProcessedAt         sql.NullTime `db:"processed_at"`
	FailedAt            sql.NullTime `db:"failed_at"`
}

func (r postRow) toDomain() (*domain.EnrichedPost, error) {
	p := &domain.EnrichedPost{
		ID:                       r.ID,
		Source:                   r.Source,
		Status:                   domain.PostStatus(r.Status),
		RetryCount:               r.RetryCount,
		IsSpam:                   r.IsSpam,
		HasPII:                   r.HasPII,
		ModerationNotes:          r.ModerationNotes,
		ValidityReason:           r.ValidityReason,
		ClassificationConfidence: r.ClassificationConfidence,
		Summary:                  r.Summary,
		Keywords:                 []string(r.Keywords),
		Embedding:                r.Embedding,
		SentimentScore:           r.SentimentScore,
		ErrorMessage:             r.ErrorMessage,
		CreatedAt:                r.CreatedAt,
		UpdatedAt:                r.UpdatedAt,
	}

	if r.ParentID.Valid {
		p.ParentID = &r.ParentID.String
	}
	if r.IsValid.Valid {
		p.IsValid = &r.IsValid.Bool
	}
	if r.Classification.Valid {
		p.Classification = domain.Classification(r.Classification.String)
	}
	if r.SentimentLabel.Valid {
		p.SentimentLabel = domain.SentimentLabel(r.SentimentLabel.String)
	}
	if r.CategoryID.Valid {
		p.CategoryID = &r.CategoryID.Int64
	}
	if r.ClusterID.Valid {
		p.ClusterID = &r.ClusterID.Int64
	}
	if r.ProcessingStartedAt.Valid {
		p.ProcessingStartedAt = &r.ProcessingStartedAt.Time
	}
	if r.ProcessedAt.Valid {
		p.ProcessedAt = &r.ProcessedAt.Time
	}
	if r.FailedAt.Valid {
		p.FailedAt = &r.FailedAt.Time
	}
	return p, nil
}

func fromDomain(p *domain.EnrichedPost) (postRow, error) {
	row := postRow{
		ID:                       p.ID,
		Source:                   p.Source,
		Status:                   string(p.Status),
		RetryCount:               p.RetryCount,
		IsSpam:                   p.IsSpam,
		HasPII:                   p.HasPII,
		ModerationNotes:          p.ModerationNotes,
		ValidityReason:           p.ValidityReason,
		ClassificationConfidence: p.ClassificationConfidence,
		Summary:                  p.Summary,
		Keywords:                 pq.StringArray(p.Keywords),
		Embedding:                p.Embedding,
		SentimentScore:           p.SentimentScore,
		ErrorMessage:             p.ErrorMessage,
	}

	if p.ParentID != nil {
		row.ParentID = sql.NullString{String: *p.ParentID, Valid: true}
	}
	if p.IsValid != nil {
		row.IsValid = sql.NullBool{Bool: *p.IsValid, Valid: true}
	}
	if p.Classification != "" {
		row.Classification = sql.NullString{String: string(p.Classification), Valid: true}
	}
	if p.SentimentLabel != "" {
		row.SentimentLabel = sql.NullString{String: string(p.SentimentLabel), Valid: true}
	}
	if p.CategoryID != nil {
		row.CategoryID = sql.NullInt64{Int64: *p.CategoryID, Valid: true}
	}
	if p.ClusterID != nil {
		row.ClusterID = sql.NullInt64{Int64: *p.ClusterID, Valid: true}
	}
	return row, nil
}
