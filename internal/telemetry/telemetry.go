// Package telemetry records sync metrics in a local Prometheus registry.
// Nothing is pushed off the device; values are only read through Handler.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/mealsync/internal/models"
)

// Record outcomes.
const (
	OutcomeSynced     = "synced"
	OutcomeFailed     = "failed"
	OutcomeConflicted = "conflicted"
)

// Pass outcomes.
const (
	PassSuccess = "success"
	PassError   = "error"
)

var (
	namespace = "mealsync"
	subsystem = "sync"

	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	// =====================================================
	// Engine
	// =====================================================

	recordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_total",
			Help:      "Queue records processed by entity type and outcome",
		},
		[]string{"entity_type", "outcome"},
	)

	passesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "passes_total",
			Help:      "Sync passes by outcome",
		},
		[]string{"outcome"},
	)

	passDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a sync pass",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Pending queue records after the last pass",
		},
	)

	// =====================================================
	// Scheduler
	// =====================================================

	retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Scheduled pass retries by error code",
		},
		[]string{"code"},
	)

	runsDiscarded = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_discarded_total",
			Help:      "Run requests dropped because a run was already active",
		},
	)

	currentStatus = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "status",
			Help:      "1 for the current sync status, 0 otherwise",
		},
		[]string{"status"},
	)
)

// RecordRecords counts n records of one entity type with the given outcome.
func RecordRecords(entityType models.EntityType, outcome string, n int) {
	if n <= 0 {
		return
	}
	recordsTotal.WithLabelValues(models.ToToken(entityType), outcome).Add(float64(n))
}

// RecordPass counts a finished pass and its duration.
func RecordPass(outcome string, d time.Duration) {
	passesTotal.WithLabelValues(outcome).Inc()
	passDuration.Observe(d.Seconds())
}

// SetQueueDepth sets the pending record gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func RecordRetry(code string) {
	retriesTotal.WithLabelValues(code).Inc()
}

func RecordDiscardedRun() {
	runsDiscarded.Inc()
}

// SetStatus marks current as the only active status among all.
func SetStatus(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		currentStatus.WithLabelValues(s).Set(v)
	}
}

// Registry returns the registry holding the sync collectors.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
