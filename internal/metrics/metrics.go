// Package metrics exposes Prometheus instrumentation for the collector,
// the enrichment pipeline, and the HTTP ingress.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus collectors. Each instance owns its own
// registry so tests can assert on counters without cross-test bleed.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline stage metrics
	StageDuration *prometheus.HistogramVec
	StageResults  *prometheus.CounterVec
	StageErrors   *prometheus.CounterVec

	// Queue metrics
	QueueDepth    *prometheus.GaugeVec
	JobsProcessed *prometheus.CounterVec
	ActiveWorkers prometheus.Gauge

	// Collector metrics
	PostsFetched    *prometheus.CounterVec
	PostsDuplicate  *prometheus.CounterVec
	CredCooldowns   *prometheus.CounterVec
	HarvestDuration prometheus.Histogram

	// LLM client metrics
	LLMRequests *prometheus.CounterVec
	LLMTokens   *prometheus.CounterVec

	// Cluster metrics
	ClusterAssignments *prometheus.CounterVec

	// HTTP ingress metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates a Metrics instance backed by a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trendscout_stage_duration_seconds",
				Help:    "Duration of each enrichment stage in seconds",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"stage", "result"},
		),

		StageResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendscout_stage_results_total",
				Help: "Total enrichment stage executions by result",
			},
			[]string{"stage", "result"},
		),

		StageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendscout_stage_errors_total",
				Help: "Total enrichment stage errors by type",
			},
			[]string{"stage", "error_type"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trendscout_queue_depth",
				Help: "Jobs per queue state (waiting, active, delayed, completed, failed)",
			},
			[]string{"state"},
		),

		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendscout_jobs_processed_total",
				Help: "Total jobs finished by the workers, by outcome",
			},
			[]string{"outcome"},
		),

		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trendscout_active_workers",
				Help: "Workers currently executing a job",
			},
		),

		PostsFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendscout_posts_fetched_total",
				Help: "Posts accepted by the collector, by sub-source",
			},
			[]string{"sub_source"},
		),

		PostsDuplicate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendscout_posts_duplicate_total",
				Help: "Posts skipped as already seen, by sub-source",
			},
			[]string{"sub_source"},
		),

		CredCooldowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendscout_credential_cooldowns_total",
				Help: "Rate-limit cooldowns placed on harvest credentials",
			},
			[]string{"credential"},
		),

		HarvestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trendscout_harvest_duration_seconds",
				Help:    "Wall-clock duration of complete harvest runs",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		LLMRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendscout_llm_requests_total",
				Help: "LLM API calls by kind and result",
			},
			[]string{"kind", "result"},
		),

		LLMTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendscout_llm_tokens_total",
				Help: "LLM tokens consumed by kind",
			},
			[]string{"kind"},
		),

		ClusterAssignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendscout_cluster_assignments_total",
				Help: "Cluster assignment outcomes (matched, created)",
			},
			[]string{"outcome"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendscout_http_requests_total",
				Help: "HTTP requests by route, method and status class",
			},
			[]string{"route", "method", "status"},
		),
	}

	m.registry.MustRegister(
		m.StageDuration,
		m.StageResults,
		m.StageErrors,
		m.QueueDepth,
		m.JobsProcessed,
		m.ActiveWorkers,
		m.PostsFetched,
		m.PostsDuplicate,
		m.CredCooldowns,
		m.HarvestDuration,
		m.LLMRequests,
		m.LLMTokens,
		m.ClusterAssignments,
		m.HTTPRequests,
	)

	return m
}

// Handler serves this instance's registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// StageTimer tracks execution time of a single enrichment stage.
type StageTimer struct {
	metrics *Metrics
	stage   string
	start   time.Time
}

// StartStageTimer begins timing an enrichment stage.
func (m *Metrics) StartStageTimer(stage string) *StageTimer {
	return &StageTimer{metrics: m, stage: stage, start: time.Now()}
}

// Stop completes the timing and records duration and result.
func (st *StageTimer) Stop(result string) {
	duration := time.Since(st.start)
	st.metrics.StageDuration.WithLabelValues(st.stage, result).Observe(duration.Seconds())
	st.metrics.StageResults.WithLabelValues(st.stage, result).Inc()

	log.Debug().
		Str("stage", st.stage).
		Str("result", result).
		Dur("duration", duration).
		Msg("Stage completed")
}

// RecordStageError records a stage failure by error type.
func (m *Metrics) RecordStageError(stage, errorType string) {
	m.StageErrors.WithLabelValues(stage, errorType).Inc()
	log.Warn().
		Str("stage", stage).
		Str("error_type", errorType).
		Msg("Stage error recorded")
}

// SetQueueDepth updates the per-state queue depth gauges.
func (m *Metrics) SetQueueDepth(waiting, active, delayed, completed, failed int64) {
	m.QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	m.QueueDepth.WithLabelValues("active").Set(float64(active))
	m.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	m.QueueDepth.WithLabelValues("completed").Set(float64(completed))
	m.QueueDepth.WithLabelValues("failed").Set(float64(failed))
}

// RecordJob records a finished job by outcome (completed, failed, retried).
func (m *Metrics) RecordJob(outcome string) {
	m.JobsProcessed.WithLabelValues(outcome).Inc()
}

// RecordFetched counts a post accepted during harvest.
func (m *Metrics) RecordFetched(subSource string) {
	m.PostsFetched.WithLabelValues(subSource).Inc()
}

// RecordDuplicate counts a post skipped by the duplicate index.
func (m *Metrics) RecordDuplicate(subSource string) {
	m.PostsDuplicate.WithLabelValues(subSource).Inc()
}

// RecordCooldown counts a credential being benched after a rate limit.
func (m *Metrics) RecordCooldown(credential string) {
	m.CredCooldowns.WithLabelValues(credential).Inc()
}

// RecordLLMCall records an LLM request and its token usage.
func (m *Metrics) RecordLLMCall(kind, result string, tokens int) {
	m.LLMRequests.WithLabelValues(kind, result).Inc()
	if tokens > 0 {
		m.LLMTokens.WithLabelValues(kind).Add(float64(tokens))
	}
}

// RecordClusterAssignment records whether a post matched an existing
// cluster or seeded a new one.
func (m *Metrics) RecordClusterAssignment(outcome string) {
	m.ClusterAssignments.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(route, method, status string) {
	m.HTTPRequests.WithLabelValues(route, method, status).Inc()
}

// Default is the process-wide metrics instance.
var Default *Metrics

// Initialize sets up the process-wide metrics instance.
func Initialize() {
	Default = New()
	log.Info().Msg("Prometheus metrics registry initialized")
}
