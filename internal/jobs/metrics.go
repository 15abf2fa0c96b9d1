package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by every runner registered against the same registry;
// runners are told apart by the runner label.
type Metrics struct {
	jobs     *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	healthy  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygraph",
			Name:      "jobs_total",
			Help:      "Jobs finished by runner, job name and outcome.",
		}, []string{"runner", "job", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygraph",
			Name:      "job_retries_total",
			Help:      "Retry attempts by runner and job name.",
		}, []string{"runner", "job"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaygraph",
			Name:      "job_duration_seconds",
			Help:      "Wall time of a job including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"runner", "job"}),
		healthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relaygraph",
			Name:      "runner_healthy",
			Help:      "1 when the runner is running without a recorded error.",
		}, []string{"runner"}),
	}
}

func (m *Metrics) observe(runner, job, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(runner, job, outcome).Inc()
	m.duration.WithLabelValues(runner, job).Observe(seconds)
}

func (m *Metrics) retry(runner, job string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(runner, job).Inc()
}

func (m *Metrics) setHealthy(runner string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.healthy.WithLabelValues(runner).Set(v)
}
