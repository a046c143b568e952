package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics records the outcome and latency of every loans engine
// operation.
type LedgerMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Ledger returns the lazily-initialised metrics registry used to record loans
// engine activity.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recfin",
				Subsystem: "loans",
				Name:      "operations_total",
				Help:      "Total loan lifecycle operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recfin",
				Subsystem: "loans",
				Name:      "errors_total",
				Help:      "Total loan lifecycle operation failures segmented by operation.",
			}, []string{"operation"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "recfin",
				Subsystem: "loans",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for loan lifecycle operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.errors,
			ledgerRegistry.latency,
		)
	})
	return ledgerRegistry
}

// RecordOperation observes a finished engine operation.
func (m *LedgerMetrics) RecordOperation(operation string, err error, seconds float64) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(operation).Inc()
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(seconds)
}
