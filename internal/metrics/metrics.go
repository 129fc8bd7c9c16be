// Package metrics holds the Prometheus instruments of the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tubebroker"

// Metrics groups every broker instrument.
type Metrics struct {
	JobsSubmitted   *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	Admissions      *prometheus.CounterVec
	JobsActive      prometheus.Gauge
	QueueDepth      prometheus.Gauge
	WorkersBusy     prometheus.Gauge
	ArtifactsReaped prometheus.Counter
	RecordsPurged   prometheus.Counter
	ReapErrors      prometheus.Counter
}

// New creates and registers the instruments on reg.
// A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted into the queue",
		}, []string{"format"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state",
		}, []string{"status"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from pickup to terminal state",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Submit attempts by outcome",
		}, []string{"outcome"}),
		JobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs in downloading or processing",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker",
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Workers currently running a job",
		}),
		ArtifactsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_reaped_total",
			Help:      "Artifacts deleted after their retention window",
		}),
		RecordsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_purged_total",
			Help:      "Expired or failed records dropped from the registry",
		}),
		ReapErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reap_errors_total",
			Help:      "Artifact deletions that failed",
		}),
	}
}

// Noop returns instruments registered on a private registry.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}
