// Package metrics exposes Prometheus instruments for scheduling and
// execution.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sendloop"

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Scheduled job attempts by outcome.",
	}, []string{"source", "outcome"}) // outcome: completed, retried, failed

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Duration of workflow execution calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"source"})

	ClaimsLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_claims_lost_total",
		Help:      "Due jobs skipped because another poller claimed them first.",
	})

	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Poll signals received by outcome.",
	}, []string{"outcome"})

	LastPoll = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_poll_timestamp_seconds",
		Help:      "Unix time of the most recent poll signal.",
	})

	Reconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciles_total",
		Help:      "Recurring schedule reconciliations by action.",
	}, []string{"action"}) // action: created, skipped, replaced, error

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Inbound webhook events by result.",
	}, []string{"event_type", "result"})

	ForceFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_force_failed_total",
		Help:      "Running jobs failed by force cleanup.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
