// Package metrics exposes pipeline counters and histograms via Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsIngested counts records pulled in by source.
	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "etl",
		Name:      "records_ingested_total",
		Help:      "Records ingested from external sources",
	}, []string{"source"})

	// BatchesCommitted counts batches committed per stage and zone.
	BatchesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "etl",
		Name:      "batches_committed_total",
		Help:      "Batches committed to a zone",
	}, []string{"stage", "zone"})

	// BatchesQuarantined counts batches diverted by the quality gate.
	BatchesQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "etl",
		Name:      "batches_quarantined_total",
		Help:      "Batches quarantined by the quality gate",
	}, []string{"stage"})

	// StageRuns counts stage run completions by terminal status.
	StageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "etl",
		Name:      "stage_runs_total",
		Help:      "Stage run completions by status",
	}, []string{"stage", "status"})

	// StageRetries counts retry attempts per stage.
	StageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "etl",
		Name:      "stage_retries_total",
		Help:      "Stage run retry attempts",
	}, []string{"stage"})

	// StageDuration observes wall-clock stage run duration.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "etl",
		Name:      "stage_duration_seconds",
		Help:      "Stage run duration",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
