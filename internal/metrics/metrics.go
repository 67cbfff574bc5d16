// Package metrics exposes Prometheus collectors for ingestion and
// verification.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every chunkledger collector.
type Metrics struct {
	// Session metrics
	SessionsCreated prometheus.Counter
	SessionsEnded   prometheus.Counter
	ChunksAppended  prometheus.Counter
	Resubmissions   prometheus.Counter

	// Ingest metrics
	ChunkTransitions *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageRetries     *prometheus.CounterVec
	InFlight         prometheus.Gauge
	ChunkBytes       prometheus.Histogram

	// Verification metrics
	Verifications  *prometheus.CounterVec
	VerifyDuration prometheus.Histogram
	StoreAttempts  prometheus.Histogram
}

// New creates and registers the collectors on registry. A nil registry
// gets a private one, which keeps tests from colliding on the default.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Metrics{
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkledger_sessions_created_total",
			Help: "Sessions created",
		}),
		SessionsEnded: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkledger_sessions_ended_total",
			Help: "Sessions transitioned to completed",
		}),
		ChunksAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkledger_chunks_appended_total",
			Help: "Chunks assigned a new sequence number",
		}),
		Resubmissions: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkledger_chunk_resubmissions_total",
			Help: "Failed chunks resubmitted",
		}),

		ChunkTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkledger_chunk_transitions_total",
			Help: "Chunk attempt status transitions by target status",
		}, []string{"status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkledger_ingest_stage_duration_seconds",
			Help:    "Duration of ingest stages including retries",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stage"}),
		StageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkledger_ingest_retries_total",
			Help: "Retries performed per ingest stage",
		}, []string{"stage"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkledger_ingest_in_flight",
			Help: "Chunk pipelines currently running",
		}),
		ChunkBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkledger_chunk_bytes",
			Help:    "Size of ingested chunks",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),

		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkledger_verifications_total",
			Help: "Verification calls by outcome",
		}, []string{"outcome"}),
		VerifyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkledger_verify_duration_seconds",
			Help:    "End-to-end verification latency",
			Buckets: prometheus.DefBuckets,
		}),
		StoreAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkledger_verify_store_attempts",
			Help:    "Content store checks per verification",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		}),
	}
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, started time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
