package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookloop_webhooks_total",
			Help: "Total number of inbound webhooks by outcome.",
		},
		[]string{"outcome"}, // accepted, ignored, duplicate, bad_signature, malformed, inactive, unknown_tenant, error
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookloop_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by work type and priority.",
		},
		[]string{"work_type", "priority"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookloop_attempts_total",
			Help: "Total number of task attempts by work type and outcome.",
		},
		[]string{"work_type", "outcome"}, // success, failure, no-work
	)

	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookloop_attempt_duration_seconds",
			Help:    "Wall-clock duration of executor invocations.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"work_type"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookloop_retries_total",
			Help: "Total number of scheduled task retries by work type.",
		},
		[]string{"work_type"},
	)

	AbandonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookloop_tasks_abandoned_total",
			Help: "Total number of tasks abandoned by reason.",
		},
		[]string{"reason"}, // max_attempts, permanent, tenant_inactive, tenant_missing
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookloop_queue_depth",
			Help: "Number of tasks by state and priority, sampled by the queue monitor.",
		},
		[]string{"state", "priority"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookloop_dead_letters_total",
			Help: "Total number of dead-letter envelopes consumed by reason.",
		},
		[]string{"reason"},
	)
)

// Webhook outcome labels
const (
	OutcomeAccepted      = "accepted"
	OutcomeIgnored       = "ignored"
	OutcomeDuplicate     = "duplicate"
	OutcomeBadSignature  = "bad_signature"
	OutcomeMalformed     = "malformed"
	OutcomeInactive      = "inactive"
	OutcomeUnknownTenant = "unknown_tenant"
	OutcomeError         = "error"
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		WebhooksTotal,
		TasksEnqueuedTotal,
		AttemptsTotal,
		AttemptDuration,
		RetriesTotal,
		AbandonedTotal,
		QueueDepth,
		DeadLettersTotal,
	)
}

func RecordWebhook(outcome string) {
	WebhooksTotal.WithLabelValues(outcome).Inc()
}

func RecordEnqueued(workType string, priority int) {
	TasksEnqueuedTotal.WithLabelValues(workType, strconv.Itoa(priority)).Inc()
}

func RecordAttempt(workType, outcome string, d time.Duration) {
	AttemptsTotal.WithLabelValues(workType, outcome).Inc()
	AttemptDuration.WithLabelValues(workType).Observe(d.Seconds())
}

func RecordRetry(workType string) {
	RetriesTotal.WithLabelValues(workType).Inc()
}

func RecordAbandon(reason string) {
	AbandonedTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth overwrites one state/priority cell of the depth gauge
func SetQueueDepth(state string, priority int, n int) {
	QueueDepth.WithLabelValues(state, strconv.Itoa(priority)).Set(float64(n))
}

// ResetQueueDepth clears all depth cells so drained combinations drop to absent
func ResetQueueDepth() {
	QueueDepth.Reset()
}
