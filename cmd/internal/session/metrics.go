package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the manager's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	poolSize      prometheus.Gauge
	created       prometheus.Counter
	evictions     *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	enqueueErrors prometheus.Counter
	sweepDuration prometheus.Histogram
}

// NewMetrics registers the session collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "sessions_resident",
			Help:      "Number of resident link sessions.",
		}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sessions_created_total",
			Help:      "Backend connections created.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed by the manager, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "session_transitions_total",
			Help:      "Lifecycle transitions, by target state.",
		}, []string{"state"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "store_errors_total",
			Help:      "Failed persisted store calls, by operation.",
		}, []string{"op"}),
		enqueueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "enqueue_errors_total",
			Help:      "Inbound messages that could not be enqueued.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of inactivity sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.poolSize, m.created, m.evictions, m.transitions, m.storeErrors, m.enqueueErrors, m.sweepDuration)
	}
	return m
}

func (m *Metrics) setPoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
}

func (m *Metrics) incCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) incEvicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) incTransition(s State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) incStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) incEnqueueError() {
	if m == nil {
		return
	}
	m.enqueueErrors.Inc()
}

func (m *Metrics) observeSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
