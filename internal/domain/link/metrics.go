package link

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the manager. A nil *Metrics records nothing.
type Metrics struct {
	operations      *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	providerCalls   *prometheus.CounterVec
}

// NewMetrics creates the manager collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_operations_total",
			Help: "Link lifecycle operations by operation and result.",
		}, []string{"operation", "result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "link_refresh_duration_seconds",
			Help:    "Time spent in provider refreshes, including the lease wait.",
			Buckets: prometheus.DefBuckets,
		}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_provider_calls_total",
			Help: "Identity provider round trips by call and result.",
		}, []string{"call", "result"}),
	}
	reg.MustRegister(m.operations, m.refreshDuration, m.providerCalls)
	return m
}

func (m *Metrics) operation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) providerCall(call string, err error) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(call, result(err)).Inc()
}

func (m *Metrics) observeRefresh(start time.Time) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(time.Since(start).Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
