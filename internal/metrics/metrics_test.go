package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Record some values so vectors appear in Gather()
	RecordWebhook("accepted")
	RecordEnqueued("pr-maintenance", 0)
	RecordAttempt("pr-maintenance", "success", 100*time.Millisecond)
	RecordRetry("pr-maintenance")
	RecordAbandon("max_attempts")
	SetQueueDepth("queued", 0, 3)
	RecordDeadLetter("max_attempts")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}
	for _, name := range []string{
		"hookloop_webhooks_total",
		"hookloop_tasks_enqueued_total",
		"hookloop_attempts_total",
		"hookloop_attempt_duration_seconds",
		"hookloop_retries_total",
		"hookloop_tasks_abandoned_total",
		"hookloop_queue_depth",
		"hookloop_dead_letters_total",
	} {
		if !registered[name] {
			t.Errorf("Expected metric %s not found in registry", name)
		}
	}
}

func TestRecordWebhook(t *testing.T) {
	WebhooksTotal.Reset()

	tests := []struct {
		outcome string
		calls   int
	}{
		{outcome: "accepted", calls: 3},
		{outcome: "duplicate", calls: 1},
		{outcome: "bad_signature", calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordWebhook(tt.outcome)
			}
			if got := testutil.ToFloat64(WebhooksTotal.WithLabelValues(tt.outcome)); got != float64(tt.calls) {
				t.Errorf("RecordWebhook(%q) counter = %v, want %d", tt.outcome, got, tt.calls)
			}
		})
	}
}

func TestRecordEnqueuedPriorityLabel(t *testing.T) {
	TasksEnqueuedTotal.Reset()

	RecordEnqueued("new-work", 10)
	RecordEnqueued("new-work", 10)
	RecordEnqueued("new-work", 1)

	if got := testutil.ToFloat64(TasksEnqueuedTotal.WithLabelValues("new-work", "10")); got != 2 {
		t.Errorf("low priority counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(TasksEnqueuedTotal.WithLabelValues("new-work", "1")); got != 1 {
		t.Errorf("high priority counter = %v, want 1", got)
	}
}

func TestRecordAttempt(t *testing.T) {
	AttemptsTotal.Reset()
	AttemptDuration.Reset()

	RecordAttempt("pr-review-response", "failure", 2*time.Second)
	RecordAttempt("pr-review-response", "no-work", 10*time.Millisecond)

	if got := testutil.ToFloat64(AttemptsTotal.WithLabelValues("pr-review-response", "failure")); got != 1 {
		t.Errorf("failure attempts = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(AttemptDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestQueueDepth(t *testing.T) {
	QueueDepth.Reset()

	SetQueueDepth("queued", 0, 4)
	SetQueueDepth("retrying", 3, 2)
	SetQueueDepth("queued", 0, 1)

	expected := `
# HELP hookloop_queue_depth Number of tasks by state and priority, sampled by the queue monitor.
# TYPE hookloop_queue_depth gauge
hookloop_queue_depth{priority="0",state="queued"} 1
hookloop_queue_depth{priority="3",state="retrying"} 2
`
	if err := testutil.CollectAndCompare(QueueDepth, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected queue depth: %v", err)
	}

	ResetQueueDepth()
	if n := testutil.CollectAndCount(QueueDepth); n != 0 {
		t.Errorf("series after reset = %d, want 0", n)
	}
}

func TestAbandonAndRetryCounters(t *testing.T) {
	AbandonedTotal.Reset()
	RetriesTotal.Reset()
	DeadLettersTotal.Reset()

	RecordRetry("design-approval-check")
	RecordAbandon("permanent")
	RecordAbandon("permanent")
	RecordDeadLetter("tenant_inactive")

	if got := testutil.ToFloat64(RetriesTotal.WithLabelValues("design-approval-check")); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(AbandonedTotal.WithLabelValues("permanent")); got != 2 {
		t.Errorf("abandoned = %v, want 2", got)
	}
	if got := testutil.ToFloat64(DeadLettersTotal.WithLabelValues("tenant_inactive")); got != 1 {
		t.Errorf("dead letters = %v, want 1", got)
	}
}
