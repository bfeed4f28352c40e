package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/probelabs/trendscout/internal/metrics"
)

// Handler processes one claimed job. A nil return completes the job; an
// error schedules a retry or, once attempts are exhausted, fails it.
type Handler func(ctx context.Context, job *Job) error

// WorkerPool runs concurrent consumers plus the promoter and stall
// reaper housekeeping loops.
type WorkerPool struct {
	queue       *Queue
	handler     Handler
	concurrency int
	metrics     *metrics.Metrics

	dequeueWait   time.Duration
	promoteEvery  time.Duration
	stallEvery    time.Duration
	censusEvery   time.Duration
	finalizeGrace time.Duration
}

// NewWorkerPool creates a pool of the given concurrency.
func NewWorkerPool(q *Queue, handler Handler, concurrency int, m *metrics.Metrics) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &WorkerPool{
		queue:         q,
		handler:       handler,
		concurrency:   concurrency,
		metrics:       m,
		dequeueWait:   time.Second,
		promoteEvery:  time.Second,
		stallEvery:    30 * time.Second,
		censusEvery:   5 * time.Second,
		finalizeGrace: 10 * time.Second,
	}
}

// Run blocks until the context ends, then drains cleanly.
func (w *WorkerPool) Run(ctx context.Context) error {
	log.Info().
		Str("queue", w.queue.Name()).
		Int("concurrency", w.concurrency).
		Msg("Worker pool starting")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.consume(ctx) })
	}
	g.Go(func() error { return w.tick(ctx, w.promoteEvery, w.promoteOnce) })
	g.Go(func() error { return w.tick(ctx, w.stallEvery, w.reapOnce) })
	g.Go(func() error { return w.tick(ctx, w.censusEvery, w.censusOnce) })
	return g.Wait()
}

func (w *WorkerPool) consume(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := w.queue.dequeue(ctx, w.dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to claim job")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		w.process(ctx, job)
	}
}

func (w *WorkerPool) process(ctx context.Context, job *Job) {
	if w.metrics != nil {
		w.metrics.ActiveWorkers.Inc()
		defer w.metrics.ActiveWorkers.Dec()
	}

	err := w.handler(ctx, job)

	// Finalization still runs during shutdown so the claimed job is
	// never stranded in the active list.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.finalizeGrace)
	defer cancel()

	if err == nil {
		if qErr := w.queue.Complete(finishCtx, job.ID); qErr != nil {
			log.Error().Err(qErr).Str("job", job.ID).Msg("Failed to complete job")
			return
		}
		w.record("completed")
		return
	}

	if qErr := w.queue.Fail(finishCtx, job, err); qErr != nil {
		log.Error().Err(qErr).Str("job", job.ID).Msg("Failed to record job failure")
		return
	}
	if job.AttemptsMade < job.MaxAttempts {
		w.record("retried")
	} else {
		w.record("failed")
	}
}

func (w *WorkerPool) record(outcome string) {
	if w.metrics != nil {
		w.metrics.RecordJob(outcome)
	}
}

func (w *WorkerPool) tick(ctx context.Context, every time.Duration, fn func(ctx context.Context)) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *WorkerPool) promoteOnce(ctx context.Context) {
	if n, err := w.queue.Promote(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to promote delayed jobs")
	} else if n > 0 {
		log.Debug().Int("promoted", n).Msg("Delayed jobs promoted")
	}
}

func (w *WorkerPool) reapOnce(ctx context.Context) {
	if n, err := w.queue.RequeueStalled(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to requeue stalled jobs")
	} else if n > 0 {
		log.Warn().Int("rescued", n).Msg("Stalled jobs requeued")
	}
}

func (w *WorkerPool) censusOnce(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	status, err := w.queue.Counts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read queue census")
		return
	}
	w.metrics.SetQueueDepth(status.Waiting, status.Active, status.Delayed, status.Completed, status.Failed)
}
