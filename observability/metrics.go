// Package observability holds the prometheus instrumentation shared by the
// escrow engine's service surface.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics records engine operation activity.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	disputes   prometheus.Counter
	rulings    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised metrics registry for escrow
// operations. Collectors register against the default registerer exactly
// once, no matter how many components request them.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arbipay",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Total escrow operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			disputes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "arbipay",
				Subsystem: "escrow",
				Name:      "disputes_total",
				Help:      "Total disputes raised with the arbitration gateway.",
			}),
			rulings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arbipay",
				Subsystem: "escrow",
				Name:      "rulings_total",
				Help:      "Total rulings applied segmented by outcome.",
			}, []string{"ruling"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "arbipay",
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.disputes,
			escrowRegistry.rulings,
			escrowRegistry.latency,
		)
	})
	return escrowRegistry
}

// ObserveOperation records one engine call with its outcome and duration in
// seconds.
func (m *EscrowMetrics) ObserveOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(seconds)
}

// IncDispute counts one dispute raised with the gateway.
func (m *EscrowMetrics) IncDispute() {
	if m == nil {
		return
	}
	m.disputes.Inc()
}

// IncRuling counts one applied ruling.
func (m *EscrowMetrics) IncRuling(ruling string) {
	if m == nil {
		return
	}
	m.rulings.WithLabelValues(ruling).Inc()
}
