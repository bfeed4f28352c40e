// Package rategate provides minute-denominated token buckets for
// upstream API budgets. A gate can meter plain request counts or a
// dual request+token budget such as an LLM provider enforces.
package rategate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate enforces a requests-per-minute budget and, optionally, a
// tokens-per-minute budget. Both buckets start full, so a cold process
// can burst up to one minute of quota before throttling engages.
type Gate struct {
	requests *rate.Limiter
	tokens   *rate.Limiter // nil when the token budget is disabled
	maxRPM   int
	maxTPM   int

	inflight *semaphore.Weighted // nil when the concurrency cap is disabled

	gapMu     sync.Mutex
	minGap    time.Duration
	lastGrant time.Time
}

// Option configures optional gate behaviors.
type Option func(*Gate)

// WithConcurrency caps in-flight calls. Callers holding a slot release
// it with Done.
func WithConcurrency(n int64) Option {
	return func(g *Gate) {
		if n > 0 {
			g.inflight = semaphore.NewWeighted(n)
		}
	}
}

// WithMinGap enforces a minimum spacing between granted requests on
// top of the per-minute budget, smoothing bursts the upstream API
// would otherwise reject.
func WithMinGap(d time.Duration) Option {
	return func(g *Gate) { g.minGap = d }
}

// New creates a Gate. tokensPerMinute <= 0 disables token metering.
func New(requestsPerMinute, tokensPerMinute int, opts ...Option) *Gate {
	g := &Gate{
		requests: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
		maxRPM:   requestsPerMinute,
		maxTPM:   tokensPerMinute,
	}
	if tokensPerMinute > 0 {
		g.tokens = rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), tokensPerMinute)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Reserve blocks until one request slot and estimatedTokens of the
// token budget are available, or the context ends. Requests larger
// than the whole per-minute token budget are clamped to it so an
// oversized estimate degrades to a full-window wait instead of a
// permanent stall.
func (g *Gate) Reserve(ctx context.Context, estimatedTokens int) error {
	if g.inflight != nil {
		if err := g.inflight.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	if err := g.requests.Wait(ctx); err != nil {
		g.release()
		return err
	}
	if err := g.waitGap(ctx); err != nil {
		g.release()
		return err
	}
	if g.tokens == nil || estimatedTokens <= 0 {
		return nil
	}
	if estimatedTokens > g.maxTPM {
		estimatedTokens = g.maxTPM
	}
	if err := g.tokens.WaitN(ctx, estimatedTokens); err != nil {
		g.release()
		return err
	}
	return nil
}

// Done releases the in-flight slot taken by a successful Reserve. A
// no-op when no concurrency cap is configured.
func (g *Gate) Done() { g.release() }

func (g *Gate) release() {
	if g.inflight != nil {
		g.inflight.Release(1)
	}
}

// waitGap sleeps until the minimum inter-call spacing has elapsed.
func (g *Gate) waitGap(ctx context.Context) error {
	if g.minGap <= 0 {
		return nil
	}

	g.gapMu.Lock()
	now := time.Now()
	next := g.lastGrant.Add(g.minGap)
	if next.Before(now) {
		next = now
	}
	g.lastGrant = next
	g.gapMu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// Allow reports whether a single request slot is available right now,
// consuming it when true. Token budgets are not touched.
func (g *Gate) Allow() bool {
	return g.requests.Allow()
}

// ReconcileActual settles the difference between the estimate passed
// to Reserve and the real token usage reported by the provider. When
// usage exceeded the estimate the shortfall is debited without
// blocking; the debt delays future reservations instead.
func (g *Gate) ReconcileActual(estimated, actual int) {
	if g.tokens == nil || actual <= estimated {
		return
	}
	debt := actual - estimated
	if debt > g.maxTPM {
		debt = g.maxTPM
	}
	g.tokens.ReserveN(time.Now(), debt)
}

// Stats is a point-in-time snapshot of the remaining budgets.
type Stats struct {
	RequestsPerMinute int     `json:"requests_per_minute"`
	TokensPerMinute   int     `json:"tokens_per_minute"`
	RequestsAvailable float64 `json:"requests_available"`
	TokensAvailable   float64 `json:"tokens_available"`
}

// Stats reports the budgets and the tokens currently available.
func (g *Gate) Stats() Stats {
	s := Stats{
		RequestsPerMinute: g.maxRPM,
		TokensPerMinute:   g.maxTPM,
		RequestsAvailable: g.requests.Tokens(),
	}
	if g.tokens != nil {
		s.TokensAvailable = g.tokens.Tokens()
	}
	return s
}
