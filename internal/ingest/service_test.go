package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/austindbirch/hookloop/internal/classify"
	"github.com/austindbirch/hookloop/internal/ledger"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/queue"
	"github.com/austindbirch/hookloop/internal/signature"
	"github.com/austindbirch/hookloop/internal/tenant"
)

const (
	secret   = "s3cr3t"
	prSync42 = `{"action":"synchronize","number":42,"pull_request":{"number":42,"mergeable":false}}`
	helpBug  = `{"action":"labeled","label":{"name":"help wanted"},"issue":{"number":9,"assignees":[],"labels":[{"name":"help wanted"},{"name":"bug"}]}}`
)

// flakyQueue fails Enqueue while failing is set
type flakyQueue struct {
	queue.Queue
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *flakyQueue) Enqueue(ctx context.Context, tenantID string, nt queue.NewTask) (queue.Task, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return queue.Task{}, errors.New("connection refused")
	}
	return f.Queue.Enqueue(ctx, tenantID, nt)
}

type fixture struct {
	svc    *Service
	q      *queue.Memory
	flaky  *flakyQueue
	ledger *ledger.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.New("ingest-test")
	log.SetOutput(io.Discard)

	tenants := tenant.NewMemory(
		tenant.Tenant{ID: "t1", Slug: "acme", Repository: "acme/app", WebhookSecret: secret, Active: true},
		tenant.Tenant{ID: "t2", Slug: "other", Repository: "other/app", WebhookSecret: "other-secret", Active: true},
		tenant.Tenant{ID: "t3", Slug: "paused", Repository: "acme/old", WebhookSecret: secret, Active: false},
	)
	q := queue.NewMemory()
	flaky := &flakyQueue{Queue: q}
	l := ledger.NewMemory()
	svc := NewService(tenants, l, flaky, classify.New(log), nil, log)
	return &fixture{svc: svc, q: q, flaky: flaky, ledger: l}
}

func delivery(slug, event, id, body string) Delivery {
	return Delivery{
		Slug:       slug,
		EventType:  event,
		DeliveryID: id,
		Signature:  signature.Sign(secret, []byte(body)),
		Body:       []byte(body),
	}
}

func TestIngestPullRequestSynchronize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, delivery("acme", "pull_request", "d-42", prSync42))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if res.Outcome != OutcomeAccepted || len(res.Tasks) != 1 {
		t.Fatalf("Ingest() = %+v", res)
	}

	rec, err := f.ledger.Get(ctx, "t1", "d-42")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ledger.StatusProcessed || rec.TaskType != string(queue.WorkPRMaintenance) || rec.TaskCount != 1 {
		t.Errorf("record = %+v", rec)
	}

	tasks, err := f.q.List(ctx, "t1", queue.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.WorkType != queue.WorkPRMaintenance || task.Priority != queue.PriorityCritical || task.DeliveryID != "d-42" {
		t.Errorf("task = %+v", task)
	}
	if n, _ := task.Metadata.Int("pr_number"); n != 42 {
		t.Errorf("pr_number = %v, want 42", task.Metadata["pr_number"])
	}
	if task.Metadata.String("delivery_id") != "d-42" || task.Metadata.String("reason") != "unmergeable" {
		t.Errorf("metadata = %v", task.Metadata)
	}
}

func TestIngestHelpWantedRouting(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Ingest(context.Background(), delivery("acme", "issues", "d-9", helpBug))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if len(res.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(res.Tasks))
	}
	if task := res.Tasks[0]; task.WorkType != queue.WorkNewWork || task.Priority != queue.PriorityHigh {
		t.Errorf("task = %s/%s, want new-work/high", task.WorkType, task.Priority)
	}
}

func TestIngestRejections(t *testing.T) {
	tests := []struct {
		name    string
		d       Delivery
		wantErr error
	}{
		{"unknown tenant", delivery("nobody", "pull_request", "d-1", prSync42), ErrUnknownTenant},
		{"inactive tenant", delivery("paused", "pull_request", "d-1", prSync42), ErrInactive},
		{"missing signature", func() Delivery {
			d := delivery("acme", "pull_request", "d-1", prSync42)
			d.Signature = ""
			return d
		}(), ErrBadSignature},
		{"tampered body", func() Delivery {
			d := delivery("acme", "pull_request", "d-1", prSync42)
			d.Body = []byte(`{"action":"synchronize","pull_request":{"number":43,"mergeable":false}}`)
			return d
		}(), ErrBadSignature},
		{"other tenant's secret", delivery("other", "pull_request", "d-1", prSync42), ErrBadSignature},
		{"missing delivery id", delivery("acme", "pull_request", "", prSync42), ErrMissingHeader},
		{"missing event type", delivery("acme", "", "d-1", prSync42), ErrMissingHeader},
		{"malformed json", delivery("acme", "pull_request", "d-1", `{"action":`), ErrMalformed},
		{"malformed json on ignored event", delivery("acme", "push", "d-1", `{not json`), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Ingest(context.Background(), tt.d)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Ingest() error = %v, want %v", err, tt.wantErr)
			}
			for _, tenantID := range []string{"t1", "t2", "t3"} {
				if recs, _ := f.ledger.List(context.Background(), tenantID, ledger.Filter{}); len(recs) != 0 {
					t.Errorf("rejected delivery was recorded for %s", tenantID)
				}
			}
			if f.flaky.calls.Load() != 0 {
				t.Error("rejected delivery was enqueued")
			}
		})
	}
}

func TestIngestUnknownTenantWrapsStoreError(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Ingest(context.Background(), delivery("nobody", "issues", "d-1", helpBug))
	if !errors.Is(err, tenant.ErrNotFound) {
		t.Errorf("error = %v, want it to wrap tenant.ErrNotFound", err)
	}
}

func TestIngestIgnoredEvents(t *testing.T) {
	tests := []struct {
		name  string
		event string
		body  string
	}{
		{"unknown event type", "push", `{"ref":"refs/heads/main"}`},
		{"mergeable null", "pull_request", `{"action":"synchronize","pull_request":{"number":42,"mergeable":null}}`},
		{"closed issue", "issues", `{"action":"closed","issue":{"number":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.svc.Ingest(context.Background(), delivery("acme", tt.event, "d-x", tt.body))
			if err != nil {
				t.Fatalf("Ingest() error: %v", err)
			}
			if res.Outcome != OutcomeIgnored {
				t.Errorf("Outcome = %s, want ignored", res.Outcome)
			}
			if recs, _ := f.ledger.List(context.Background(), "t1", ledger.Filter{}); len(recs) != 0 {
				t.Errorf("ignored delivery recorded %d ledger entries", len(recs))
			}
		})
	}
}

func TestIngestConcurrentDuplicatesEnqueueOnce(t *testing.T) {
	f := newFixture(t)
	d := delivery("acme", "pull_request", "d-dup", prSync42)

	const n = 16
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Ingest(context.Background(), d)
			if err != nil {
				t.Error(err)
				return
			}
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	if counts[OutcomeAccepted] != 1 || counts[OutcomeDuplicate] != n-1 {
		t.Errorf("outcomes = %v", counts)
	}
	tasks, _ := f.q.List(context.Background(), "t1", queue.Filter{})
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want exactly 1", len(tasks))
	}
}

func TestIngestSameDeliveryIDAcrossTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Ingest(ctx, delivery("acme", "pull_request", "d-shared", prSync42)); err != nil {
		t.Fatal(err)
	}
	other := Delivery{
		Slug:       "other",
		EventType:  "pull_request",
		DeliveryID: "d-shared",
		Signature:  signature.Sign("other-secret", []byte(prSync42)),
		Body:       []byte(prSync42),
	}
	res, err := f.svc.Ingest(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Errorf("second tenant outcome = %s, want accepted", res.Outcome)
	}
	t2, _ := f.q.List(ctx, "t2", queue.Filter{})
	t1, _ := f.q.List(ctx, "t1", queue.Filter{})
	if len(t1) != 1 || len(t2) != 1 {
		t.Errorf("tasks t1=%d t2=%d, want 1 each", len(t1), len(t2))
	}
}

func TestIngestEnqueueFailureAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := delivery("acme", "pull_request", "d-fail", prSync42)

	f.flaky.failing.Store(true)
	if _, err := f.svc.Ingest(ctx, d); err == nil {
		t.Fatal("Ingest() should fail when enqueue fails")
	}
	rec, err := f.ledger.Get(ctx, "t1", "d-fail")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ledger.StatusFailed || rec.Error == "" {
		t.Fatalf("record after failure = %+v", rec)
	}

	// redelivery of a failed record is still a duplicate
	f.flaky.failing.Store(false)
	res, err := f.svc.Ingest(ctx, d)
	if err != nil || res.Outcome != OutcomeDuplicate {
		t.Fatalf("redelivery = %+v, %v", res, err)
	}

	res, err = f.svc.Replay(ctx, "t1", "d-fail")
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if len(res.Tasks) != 1 || res.Tasks[0].Metadata.String("delivery_id") != "d-fail" {
		t.Errorf("Replay() = %+v", res)
	}
	rec, _ = f.ledger.Get(ctx, "t1", "d-fail")
	if rec.Status != ledger.StatusProcessed {
		t.Errorf("status after replay = %s", rec.Status)
	}

	if _, err := f.svc.Replay(ctx, "t1", "d-fail"); !errors.Is(err, ledger.ErrNotReplayable) {
		t.Errorf("second Replay() error = %v, want ErrNotReplayable", err)
	}
	if _, err := f.svc.Replay(ctx, "t2", "d-fail"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("cross-tenant Replay() error = %v, want ErrNotFound", err)
	}
}
