// Package llm is a minimal client for OpenAI-compatible chat and
// embedding endpoints, with budget gating, circuit breaking and
// bounded retries.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/probelabs/trendscout/internal/domain"
	"github.com/probelabs/trendscout/internal/metrics"
	"github.com/probelabs/trendscout/internal/rategate"
)

// ErrMalformedReply marks a response the model produced but the caller
// could not decode. Stages fall back to their defaults on this error
// instead of failing.
var ErrMalformedReply = errors.New("malformed model reply")

// Client is the inference surface the enrichment stages depend on.
type Client interface {
	// Complete returns the raw assistant message for a prompt pair.
	Complete(ctx context.Context, system, user string) (string, error)
	// CompleteJSON asks for a JSON object response and decodes it into out.
	CompleteJSON(ctx context.Context, system, user string, out any) error
	// Embed returns one embedding per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds client construction settings.
type Config struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string

	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration

	Gate    *rategate.Gate   // optional request/token budget
	Metrics *metrics.Metrics // optional instrumentation
}

// APIError is a non-2xx response from the inference API.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed on another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New creates a Client. Zero-valued retry settings get conservative
// defaults; the breaker opens after three consecutive failures.
func New(cfg Config) Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:     "llm",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	return &client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage usage `json:"usage"`
}

func (c *client) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.chat(ctx, system, user, nil)
	if err != nil {
		return "", err
	}
	return resp, nil
}

func (c *client) CompleteJSON(ctx context.Context, system, user string, out any) error {
	content, err := c.chat(ctx, system, user, &responseFormat{Type: "json_object"})
	if err != nil {
		return err
	}
	cleaned := stripFences(content)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedReply, err)
	}
	return nil
}

func (c *client) chat(ctx context.Context, system, user string, format *responseFormat) (string, error) {
	reqBody := chatRequest{
		Model:       c.cfg.ChatModel,
		Temperature: 0.1,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: format,
	}

	estimated := estimateTokens(system) + estimateTokens(user) + 512
	if err := c.reserve(ctx, estimated); err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := c.doJSON(ctx, "/chat/completions", reqBody, &parsed); err != nil {
		c.record("chat", "error", 0)
		return "", err
	}
	AddUsage(ctx, parsed.Usage.TotalTokens)
	if len(parsed.Choices) == 0 {
		c.record("chat", "error", parsed.Usage.TotalTokens)
		return "", fmt.Errorf("model returned no choices")
	}

	c.record("chat", "success", parsed.Usage.TotalTokens)
	c.reconcile(estimated, parsed.Usage.TotalTokens)
	return parsed.Choices[0].Message.Content, nil
}

func (c *client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	estimated := 0
	for _, t := range texts {
		estimated += estimateTokens(t)
	}
	if err := c.reserve(ctx, estimated); err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := c.doJSON(ctx, "/embeddings", embeddingRequest{Model: c.cfg.EmbedModel, Input: texts}, &parsed); err != nil {
		c.record("embedding", "error", 0)
		return nil, err
	}
	AddUsage(ctx, parsed.Usage.TotalTokens)
	if len(parsed.Data) != len(texts) {
		c.record("embedding", "error", parsed.Usage.TotalTokens)
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) != domain.EmbeddingDim {
			return nil, fmt.Errorf("embedding dimension %d, want %d", len(d.Embedding), domain.EmbeddingDim)
		}
		out[d.Index] = d.Embedding
	}

	c.record("embedding", "success", parsed.Usage.TotalTokens)
	c.reconcile(estimated, parsed.Usage.TotalTokens)
	return out, nil
}

// doJSON posts a JSON body and decodes a JSON response, retrying
// retryable failures with exponential backoff.
func (c *client) doJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.RetryDelay, attempt)
			if apiErr, ok := lastErr.(*APIError); ok && apiErr.RetryAfter > delay {
				delay = apiErr.RetryAfter
			}
			log.Debug().
				Str("path", path).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying LLM request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = c.doOnce(ctx, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if apiErr, ok := lastErr.(*APIError); ok && !apiErr.Retryable() {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("llm request failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *client) doOnce(ctx context.Context, path string, payload []byte, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("llm request failed: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				Message:    truncate(string(raw), 512),
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}

		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return nil, nil
	})
	return err
}

func (c *client) reserve(ctx context.Context, tokens int) error {
	if c.cfg.Gate == nil {
		return nil
	}
	if err := c.cfg.Gate.Reserve(ctx, tokens); err != nil {
		return fmt.Errorf("llm budget wait aborted: %w", err)
	}
	return nil
}

func (c *client) reconcile(estimated, actual int) {
	if c.cfg.Gate != nil {
		c.cfg.Gate.ReconcileActual(estimated, actual)
	}
}

func (c *client) record(kind, result string, tokens int) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordLLMCall(kind, result, tokens)
	}
}

// estimateTokens approximates usage at four characters per token.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	// Up to 20% jitter spreads concurrent retries.
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// stripFences removes a ```json markdown fence when a model wraps its
// response in one despite JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
