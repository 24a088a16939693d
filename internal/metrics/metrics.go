// Package metrics exposes Prometheus instruments for the gateway and the
// database layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vauntico/vaultgate/internal/db"
)

const namespace = "vaultgate"

var (
	// Webhook metrics

	// WebhookVerifications counts terminal gateway transitions.
	WebhookVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "verifications_total",
			Help:      "Webhook verification outcomes",
		},
		[]string{"integration", "result"},
	)

	// WebhookVerificationDuration tracks time spent before forward or reject.
	WebhookVerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "verification_duration_seconds",
			Help:      "Time from request arrival to forward or reject",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"integration"},
	)

	// WebhookMisconfigured counts requests refused because no secret is set.
	WebhookMisconfigured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "misconfigured_total",
			Help:      "Requests refused with 500 because the integration has no secret",
		},
		[]string{"integration"},
	)

	// Database metrics

	// DBQueryDuration tracks statement latency by kind.
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Statement latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// DBQueryErrors counts failed statements by kind.
	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_errors_total",
			Help:      "Statements that returned an error",
		},
		[]string{"kind"},
	)

	// Inbox metrics

	// InboxEvents counts events stored by the inbox handler.
	InboxEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "events_total",
			Help:      "Webhook events handled downstream of the gateway",
		},
		[]string{"integration", "status"},
	)
)

// QueryObserver feeds executor timings into DBQueryDuration and DBQueryErrors.
type QueryObserver struct{}

func (QueryObserver) ObserveQuery(q db.QueryInfo) {
	DBQueryDuration.WithLabelValues(q.Kind).Observe(q.Duration.Seconds())
	if q.Err != nil {
		DBQueryErrors.WithLabelValues(q.Kind).Inc()
	}
}
