package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by ingest and dispatch spans
const (
	KeyTenant     = attribute.Key("hookloop.tenant.id")
	KeyTenantSlug = attribute.Key("hookloop.tenant.slug")
	KeyDelivery   = attribute.Key("hookloop.delivery.id")
	KeyEvent      = attribute.Key("hookloop.event.type")
	KeyTask       = attribute.Key("hookloop.task.id")
	KeyWorkType   = attribute.Key("hookloop.task.work_type")
	KeyPriority   = attribute.Key("hookloop.task.priority")
	KeyAttempt    = attribute.Key("hookloop.task.attempt")
	KeyOutcome    = attribute.Key("hookloop.outcome")
)

// Task identifies the unit of work a dispatch span covers
type Task struct {
	TenantID   string
	TaskID     string
	DeliveryID string
	WorkType   string
	Priority   int
	Attempt    int
}

func (t Task) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		KeyTenant.String(t.TenantID),
		KeyTask.String(t.TaskID),
		KeyWorkType.String(t.WorkType),
		KeyPriority.Int(t.Priority),
		KeyAttempt.Int(t.Attempt),
	}
	if t.DeliveryID != "" {
		attrs = append(attrs, KeyDelivery.String(t.DeliveryID))
	}
	return attrs
}

// StartTaskSpan continues the trace stored with the task, so the attempt
// shows up under the webhook that caused it
func StartTaskSpan(ctx context.Context, name string, headers map[string]string, t Task) (context.Context, oteltrace.Span) {
	ctx = ExtractHeaders(ctx, headers)
	return GetTracer().Start(ctx, name,
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(t.Attributes()...),
	)
}

// StartDeliverySpan opens the span for one inbound webhook
func StartDeliverySpan(ctx context.Context, name, slug, eventType, deliveryID string) (context.Context, oteltrace.Span) {
	return GetTracer().Start(ctx, name,
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			KeyTenantSlug.String(slug),
			KeyEvent.String(eventType),
			KeyDelivery.String(deliveryID),
		),
	)
}

func SetTenant(ctx context.Context, tenantID string) {
	oteltrace.SpanFromContext(ctx).SetAttributes(KeyTenant.String(tenantID))
}

// SetOutcome tags the current span with how its unit of work ended
func SetOutcome(ctx context.Context, outcome string) {
	oteltrace.SpanFromContext(ctx).SetAttributes(KeyOutcome.String(outcome))
}

// InjectHeaders serializes the span context into a header map. The map is
// stored on tasks and copied into NSQ/Redis notifications.
func InjectHeaders(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractHeaders restores a span context previously written by InjectHeaders
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
