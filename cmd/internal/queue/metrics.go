package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the worker's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "queue_jobs_total",
			Help:      "Processed jobs by topic and outcome (ack, retry, dead).",
		}, []string{"topic", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "queue_job_duration_seconds",
			Help:      "Handler run time by topic.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
	}
	if reg != nil {
		reg.MustRegister(m.processed, m.duration)
	}
	return m
}

func (m *Metrics) observe(topic, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(topic, result).Inc()
	m.duration.WithLabelValues(topic).Observe(d.Seconds())
}
