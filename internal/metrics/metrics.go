package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the verification pipeline.
type Metrics struct {
	JobsSubmitted  prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsFailed     prometheus.Counter
	AnchorFailures prometheus.Counter
}

// NewWithRegistry creates all pipeline metrics and registers them against
// reg. Tests pass a private registry to avoid duplicate registration.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanproof_jobs_submitted_total",
			Help: "Total number of receipt verification jobs submitted",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanproof_jobs_completed_total",
			Help: "Total number of jobs that reached the completed state",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanproof_jobs_failed_total",
			Help: "Total number of jobs that reached the failed state",
		}),
		// Anchor failures are non-fatal and absorbed by the pipeline; this
		// counter is their only report besides the log line.
		AnchorFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanproof_anchor_failures_total",
			Help: "Total number of failed ledger anchoring attempts",
		}),
	}
}

// New creates and registers all pipeline metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}
