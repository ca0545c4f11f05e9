/**
 * @description
 * Prometheus instrumentation for the ingestion and reconciliation pipeline.
 * Exposed on /metrics by the admin HTTP server.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransactionsIngested counts raw transactions handed to the normalizer,
	// labelled by ledger and phase (backfill, live, poll, reprocess).
	TransactionsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconciler_transactions_ingested_total", Help: "Raw transactions ingested"},
		[]string{"ledger", "phase"},
	)

	// ReconcileOutcomes counts reconciliation results per event kind.
	ReconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconciler_reconcile_outcomes_total", Help: "Reconciliation outcomes"},
		[]string{"kind", "outcome"},
	)

	// NotificationSends counts notification attempts by result.
	NotificationSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconciler_notification_sends_total", Help: "Notification send attempts"},
		[]string{"stage", "status"},
	)

	// BatchFailures counts backfill/sweep batches that exhausted their retry
	// budget and were skipped. The logged range can be replayed through the
	// admin reprocess endpoint.
	BatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconciler_batch_failures_total", Help: "Failed ingestion batches"},
		[]string{"ledger"},
	)

	// BatchDuration observes per-batch ingestion latency.
	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "reconciler_batch_duration_seconds", Help: "Batch ingestion latency", Buckets: prometheus.DefBuckets},
		[]string{"ledger"},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionsIngested,
		ReconcileOutcomes,
		NotificationSends,
		BatchFailures,
		BatchDuration,
	)
}
