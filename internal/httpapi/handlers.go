package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/pipeline"
	"github.com/probelabs/trendscout/internal/queue"
	"github.com/probelabs/trendscout/internal/rawstore"
	"github.com/probelabs/trendscout/internal/store"
)

// Handlers carries the dependencies behind the HTTP surface.
type Handlers struct {
	env      string
	raws     rawstore.Store
	posts    store.PostsRepo
	jobs     *queue.Queue
	pipeline *pipeline.Pipeline
}

// NewHandlers wires the HTTP handlers.
func NewHandlers(env string, raws rawstore.Store, posts store.PostsRepo, jobs *queue.Queue, p *pipeline.Pipeline) *Handlers {
	return &Handlers{env: env, raws: raws, posts: posts, jobs: jobs, pipeline: p}
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: code, Message: message})
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"environment": h.env,
	})
}

// decodePost parses and validates the submitted post.
func decodePost(r *http.Request) (domain.RawPost, string) {
	var post domain.RawPost
	if err := json.NewDecoder(r.Body).Decode(&post); err != nil {
		return post, "request body must be valid JSON"
	}
	if post.ID == "" {
		return post, "id is required"
	}
	if post.Title == "" && post.Body == "" {
		return post, "title or body is required"
	}
	if post.Source == "" {
		post.Source = "api"
	}
	if post.CreatedAt == 0 {
		post.CreatedAt = time.Now().Unix()
	}
	return post, ""
}

// ProcessPost archives the post and enqueues it for enrichment.
func (h *Handlers) ProcessPost(w http.ResponseWriter, r *http.Request) {
	post, problem := decodePost(r)
	if problem != "" {
		writeError(w, http.StatusBadRequest, "invalid_post", problem)
		return
	}

	if _, err := h.raws.SaveBatch(r.Context(), []domain.RawPost{post}); err != nil {
		log.Error().Err(err).Str("post", post.ID).Msg("Failed to archive submitted post")
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to store post")
		return
	}

	enqueued, err := h.jobs.Enqueue(r.Context(), queue.Payload{PostID: post.ID, Source: post.Source})
	if err != nil {
		log.Error().Err(err).Str("post", post.ID).Msg("Failed to enqueue submitted post")
		writeError(w, http.StatusInternalServerError, "queue_error", "failed to enqueue post")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"postId":   post.ID,
		"enqueued": enqueued,
	})
}

// ProcessPostSync runs the full enrichment pipeline inline and returns
// the resulting record status.
func (h *Handlers) ProcessPostSync(w http.ResponseWriter, r *http.Request) {
	post, problem := decodePost(r)
	if problem != "" {
		writeError(w, http.StatusBadRequest, "invalid_post", problem)
		return
	}

	if _, err := h.raws.SaveBatch(r.Context(), []domain.RawPost{post}); err != nil {
		log.Error().Err(err).Str("post", post.ID).Msg("Failed to archive submitted post")
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to store post")
		return
	}

	if err := h.pipeline.Process(r.Context(), post); err != nil {
		log.Error().Err(err).Str("post", post.ID).Msg("Synchronous enrichment failed")
		writeError(w, http.StatusInternalServerError, "processing_error", err.Error())
		return
	}

	resp := map[string]any{"success": true, "postId": post.ID}
	if rec, err := h.posts.Get(r.Context(), post.ID); err == nil {
		resp["status"] = rec.Status
	}
	writeJSON(w, http.StatusOK, resp)
}

// QueueStatus returns a census of the enrichment queue.
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.Counts(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read queue counts")
		writeError(w, http.StatusInternalServerError, "queue_error", "failed to read queue status")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// NotFound is the JSON 404 handler.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "route not found: "+r.URL.Path)
}
