package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Branch attempt results.
const (
	AttemptCommitted = "committed"
	AttemptRetried   = "retried"
	AttemptFailed    = "failed"
)

// Recorder holds the Prometheus metrics for submit runs. A nil Recorder
// discards every observation.
//
// Metrics:
//   - submit_outcomes_total{strategy,status} - terminal statuses assigned to changes
//   - submit_branch_attempts_total{result} - branch attempts by result
//   - submit_batch_duration_seconds{strategy} - time spent integrating one branch
type Recorder struct {
	registry *prometheus.Registry

	OutcomesTotal  *prometheus.CounterVec
	AttemptsTotal  *prometheus.CounterVec
	BatchDuration  *prometheus.HistogramVec
	pushGatewayURL string
	job            string
}

// NewRecorder registers the submit metrics on a private registry. When
// pushGatewayURL is set, Push delivers them to a Prometheus push gateway.
func NewRecorder(pushGatewayURL, job string) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	if job = strings.TrimSpace(job); job == "" {
		job = "submit-action"
	}

	return &Recorder{
		registry: reg,
		OutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submit_outcomes_total",
				Help: "Total number of change outcomes by strategy and status",
			},
			[]string{"strategy", "status"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "submit_branch_attempts_total",
				Help: "Total number of branch integration attempts by result",
			},
			[]string{"result"},
		),
		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "submit_batch_duration_seconds",
				Help:    "Duration of a branch integration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"strategy"},
		),
		pushGatewayURL: strings.TrimSpace(pushGatewayURL),
		job:            job,
	}
}

// Registry exposes the underlying registry, mainly for tests and scraping.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RecordOutcome counts a terminal change status.
func (r *Recorder) RecordOutcome(strategy, status string) {
	if r == nil {
		return
	}
	r.OutcomesTotal.WithLabelValues(strategy, status).Inc()
}

// RecordAttempt counts a branch attempt with one of the Attempt* results.
func (r *Recorder) RecordAttempt(result string) {
	if r == nil {
		return
	}
	r.AttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveBatch records the time a branch integration took.
func (r *Recorder) ObserveBatch(strategy string, d time.Duration) {
	if r == nil {
		return
	}
	r.BatchDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// Push sends the collected metrics to the push gateway. It is a no-op when
// no gateway is configured.
func (r *Recorder) Push(ctx context.Context) error {
	if r == nil || r.pushGatewayURL == "" {
		return nil
	}
	if err := push.New(r.pushGatewayURL, r.job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
