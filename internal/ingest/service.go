package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookloop/internal/classify"
	"github.com/austindbirch/hookloop/internal/ledger"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/metrics"
	"github.com/austindbirch/hookloop/internal/notify"
	"github.com/austindbirch/hookloop/internal/queue"
	"github.com/austindbirch/hookloop/internal/signature"
	"github.com/austindbirch/hookloop/internal/tenant"
	"github.com/austindbirch/hookloop/internal/tracing"
)

// Rejections. Nothing is recorded or enqueued when Ingest returns one of these.
var (
	ErrUnknownTenant = errors.New("unknown tenant")
	ErrInactive      = errors.New("tenant is inactive")
	ErrBadSignature  = errors.New("missing or invalid signature")
	ErrMissingHeader = errors.New("missing webhook header")
	ErrMalformed     = classify.ErrMalformed
)

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Delivery is one inbound webhook as received
type Delivery struct {
	Slug       string
	EventType  string
	DeliveryID string
	Signature  string
	Body       []byte
}

type Result struct {
	Outcome    Outcome        `json:"status"`
	TenantID   string         `json:"tenant_id"`
	DeliveryID string         `json:"delivery_id"`
	EventType  string         `json:"event_type"`
	Tasks      []queue.Task   `json:"tasks,omitempty"`
	Record     *ledger.Record `json:"record,omitempty"`
}

// TaskIDs lists the ids of the tasks enqueued by this call
func (r Result) TaskIDs() []string {
	ids := make([]string, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// Service runs the webhook pipeline: verify, classify, admit, enqueue
type Service struct {
	tenants    tenant.Store
	ledger     ledger.Ledger
	queue      queue.Queue
	classifier *classify.Classifier
	pub        notify.Publisher
	log        *logging.Logger
}

func NewService(tenants tenant.Store, l ledger.Ledger, q queue.Queue, c *classify.Classifier, pub notify.Publisher, log *logging.Logger) *Service {
	if pub == nil {
		pub = notify.Nop{}
	}
	if log == nil {
		log = logging.Default()
	}
	if c == nil {
		c = classify.New(log)
	}
	return &Service{tenants: tenants, ledger: l, queue: q, classifier: c, pub: pub, log: log}
}

// Ingest processes one delivery. Duplicates and events that produce no
// work are successful outcomes, not errors.
func (s *Service) Ingest(ctx context.Context, d Delivery) (Result, error) {
	ctx, span := tracing.StartDeliverySpan(ctx, "ingest.Ingest", d.Slug, d.EventType, d.DeliveryID)
	defer span.End()

	t, err := s.tenants.BySlug(ctx, d.Slug)
	if errors.Is(err, tenant.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %w", ErrUnknownTenant, err)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("lookup tenant: %w", err)
	}
	tracing.SetTenant(ctx, t.ID)
	res := Result{TenantID: t.ID, DeliveryID: d.DeliveryID, EventType: d.EventType}

	if !t.Active {
		return res, fmt.Errorf("%w: %s", ErrInactive, t.ID)
	}
	if !signature.Verify(t.WebhookSecret, d.Body, d.Signature) {
		return res, ErrBadSignature
	}
	if d.DeliveryID == "" {
		return res, fmt.Errorf("%w: delivery id", ErrMissingHeader)
	}
	if d.EventType == "" {
		return res, fmt.Errorf("%w: event type", ErrMissingHeader)
	}
	// every event type must carry JSON, even the ones we ignore
	if !json.Valid(d.Body) {
		return res, fmt.Errorf("%w: %s: invalid json", ErrMalformed, d.EventType)
	}

	decisions, err := s.classifier.Classify(d.EventType, d.Body)
	if err != nil {
		return res, err
	}
	if len(decisions) == 0 {
		res.Outcome = OutcomeIgnored
		tracing.SetOutcome(ctx, string(res.Outcome))
		s.log.WithContext(ctx).WithTenant(t.ID).WithDelivery(d.DeliveryID).
			WithField("event_type", d.EventType).
			Debug("event produced no work")
		return res, nil
	}
	for i := range decisions {
		decisions[i].Metadata["delivery_id"] = d.DeliveryID
	}

	entry := ledger.Entry{
		DeliveryID: d.DeliveryID,
		EventType:  d.EventType,
		Payload:    d.Body,
		TaskType:   string(decisions[0].WorkType),
		Priority:   decisions[0].Priority,
		Metadata:   decisions[0].Metadata,
		TaskCount:  len(decisions),
	}
	var tasks []queue.Task
	rec, created, err := ledger.Admit(ctx, s.ledger, t.ID, entry, func(ctx context.Context) error {
		var err error
		tasks, err = s.enqueue(ctx, t.ID, d.DeliveryID, decisions)
		return err
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithTenant(t.ID).WithDelivery(d.DeliveryID).WithError(err).Error("delivery admission failed")
		return res, err
	}
	res.Record = &rec
	if !created {
		res.Outcome = OutcomeDuplicate
		tracing.SetOutcome(ctx, string(res.Outcome))
		s.log.WithContext(ctx).WithTenant(t.ID).WithDelivery(d.DeliveryID).
			WithField("status", string(rec.Status)).
			Info("duplicate delivery")
		return res, nil
	}

	res.Outcome = OutcomeAccepted
	tracing.SetOutcome(ctx, string(res.Outcome))
	res.Tasks = tasks
	s.log.WithContext(ctx).WithTenant(t.ID).WithDelivery(d.DeliveryID).WithFields(map[string]any{
		"event_type": d.EventType,
		"task_count": len(tasks),
		"work_type":  string(decisions[0].WorkType),
	}).Info("delivery accepted")
	return res, nil
}

// Replay re-runs a failed delivery from its stored payload. Only one
// concurrent caller claims the record.
func (s *Service) Replay(ctx context.Context, tenantID, deliveryID string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Replay",
		tracing.KeyTenant.String(tenantID),
		tracing.KeyDelivery.String(deliveryID),
	)
	defer span.End()

	rec, err := s.ledger.ClaimReplay(ctx, tenantID, deliveryID)
	if err != nil {
		return Result{}, err
	}
	res := Result{TenantID: tenantID, DeliveryID: deliveryID, EventType: rec.EventType}

	decisions, err := s.classifier.Classify(rec.EventType, rec.Payload)
	if err != nil {
		// a stored payload that no longer classifies stays failed
		if markErr := s.ledger.MarkFailed(ctx, tenantID, deliveryID, err.Error()); markErr != nil {
			err = errors.Join(err, markErr)
		}
		return res, err
	}
	for i := range decisions {
		decisions[i].Metadata["delivery_id"] = deliveryID
	}

	var tasks []queue.Task
	rec, err = ledger.Resume(ctx, s.ledger, rec, func(ctx context.Context) error {
		var err error
		tasks, err = s.enqueue(ctx, tenantID, deliveryID, decisions)
		return err
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return res, err
	}
	res.Outcome = OutcomeAccepted
	tracing.SetOutcome(ctx, string(res.Outcome))
	res.Tasks = tasks
	res.Record = &rec
	s.log.WithContext(ctx).WithTenant(tenantID).WithDelivery(deliveryID).
		WithField("task_count", len(tasks)).
		Info("delivery replayed")
	return res, nil
}

func (s *Service) enqueue(ctx context.Context, tenantID, deliveryID string, decisions []classify.Decision) ([]queue.Task, error) {
	headers := tracing.InjectHeaders(ctx)
	tasks := make([]queue.Task, 0, len(decisions))
	for _, dec := range decisions {
		task, err := s.queue.Enqueue(ctx, tenantID, queue.NewTask{
			DeliveryID:   deliveryID,
			WorkType:     dec.WorkType,
			Priority:     dec.Priority,
			Metadata:     dec.Metadata,
			TraceHeaders: headers,
		})
		if err != nil {
			return tasks, fmt.Errorf("enqueue %s: %w", dec.WorkType, err)
		}
		tasks = append(tasks, task)
		metrics.RecordEnqueued(string(task.WorkType), int(task.Priority))
	}
	tracing.AddSpanEvent(ctx, "tasks.enqueued", attribute.Int("count", len(tasks)))

	for _, task := range tasks {
		if err := s.pub.TaskReady(ctx, notify.NewReady(task)); err != nil {
			s.log.WithContext(ctx).WithTenant(tenantID).WithTask(task.ID).WithError(err).Warn("publish wake-up failed")
		}
	}
	return tasks, nil
}
