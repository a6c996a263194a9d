package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoordinatorMetrics records points-operation activity: one counter per
// operation/outcome plus a latency histogram dominated by confirmation waits.
type CoordinatorMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

var (
	coordinatorOnce sync.Once
	coordinatorReg  *CoordinatorMetrics
)

// Coordinator returns the lazily-initialised coordinator metrics registry.
func Coordinator() *CoordinatorMetrics {
	coordinatorOnce.Do(func() {
		coordinatorReg = &CoordinatorMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyaltyhub",
				Subsystem: "coordinator",
				Name:      "operations_total",
				Help:      "Points operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "loyaltyhub",
				Subsystem: "coordinator",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for points operations, confirmation wait included.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"operation"}),
		}
		prometheus.MustRegister(coordinatorReg.operations, coordinatorReg.latency)
	})
	return coordinatorReg
}

// Observe records one completed operation.
func (m *CoordinatorMetrics) Observe(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}
