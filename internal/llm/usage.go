package llm

import (
	"context"
	"sync"
)

// UsageRecorder accumulates the token usage reported by the inference
// API across every call made under one context, typically the calls of
// a single enrichment stage.
type UsageRecorder struct {
	mu     sync.Mutex
	tokens int
}

// Tokens returns the total tokens recorded so far.
func (r *UsageRecorder) Tokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens
}

func (r *UsageRecorder) add(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.tokens += n
	r.mu.Unlock()
}

type usageKey struct{}

// WithUsageRecorder returns a context whose client calls report their
// token usage into rec.
func WithUsageRecorder(ctx context.Context, rec *UsageRecorder) context.Context {
	return context.WithValue(ctx, usageKey{}, rec)
}

// AddUsage reports token usage into the context's recorder, if any.
func AddUsage(ctx context.Context, tokens int) {
	if rec, ok := ctx.Value(usageKey{}).(*UsageRecorder); ok {
		rec.add(tokens)
	}
}
