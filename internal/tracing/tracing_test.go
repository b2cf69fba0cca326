package tracing

import (
	"context"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func setupTestProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return exporter
}

func TestServiceVersion(t *testing.T) {
	t.Setenv("SERVICE_VERSION", "v1.2.3")
	if got := serviceVersion(); got != "v1.2.3" {
		t.Errorf("serviceVersion() = %q, want v1.2.3", got)
	}
	t.Setenv("SERVICE_VERSION", "")
	if got := serviceVersion(); got == "" {
		t.Error("serviceVersion() is empty without SERVICE_VERSION")
	}
}

func TestInstanceID(t *testing.T) {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	tests := []struct {
		name        string
		hostnameEnv string
		podNameEnv  string
		expected    string
	}{
		{name: "with HOSTNAME set", hostnameEnv: "worker-01", expected: "worker-01"},
		{name: "with POD_NAME set (no HOSTNAME)", podNameEnv: "hookloop-worker-abc123", expected: "hookloop-worker-abc123"},
		{name: "HOSTNAME takes precedence", hostnameEnv: "worker-01", podNameEnv: "hookloop-worker-abc123", expected: "worker-01"},
		{name: "falls back to the OS hostname", expected: host},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostnameEnv)
			t.Setenv("POD_NAME", tt.podNameEnv)
			if got := instanceID(); got != tt.expected {
				t.Errorf("instanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSettingsFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		ratio    string
		disabled string
		want     exportSettings
	}{
		{name: "defaults", want: exportSettings{endpoint: "localhost:4318", insecure: true, ratio: 1}},
		{name: "http endpoint", endpoint: "http://otel:4318", want: exportSettings{endpoint: "otel:4318", insecure: true, ratio: 1}},
		{name: "https endpoint keeps tls", endpoint: "https://otel.example.com/", want: exportSettings{endpoint: "otel.example.com", ratio: 1}},
		{name: "bare host", endpoint: "otel:4318", want: exportSettings{endpoint: "otel:4318", insecure: true, ratio: 1}},
		{name: "sample ratio", ratio: "0.25", want: exportSettings{endpoint: "localhost:4318", insecure: true, ratio: 0.25}},
		{name: "out of range ratio", ratio: "3", want: exportSettings{endpoint: "localhost:4318", insecure: true, ratio: 1}},
		{name: "disabled", disabled: "true", want: exportSettings{endpoint: "localhost:4318", insecure: true, ratio: 1, disabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.endpoint)
			t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.ratio)
			t.Setenv("OTEL_SDK_DISABLED", tt.disabled)
			if got := settingsFromEnv(); got != tt.want {
				t.Errorf("settingsFromEnv() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestInitTracingDisabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	shutdown, err := InitTracing(context.Background(), "hookloop-test")
	if err != nil {
		t.Fatal(err)
	}
	shutdown()

	// propagation still works so task trace headers survive
	ctx := ExtractHeaders(context.Background(), map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})
	if !oteltrace.SpanContextFromContext(ctx).IsValid() {
		t.Error("propagator not installed when export is disabled")
	}
}

func TestStartTaskSpan(t *testing.T) {
	exporter := setupTestProvider(t)

	parentCtx, parent := StartDeliverySpan(context.Background(), "ingest.Ingest", "acme", "pull_request", "d-1")
	headers := InjectHeaders(parentCtx)
	parent.End()

	ctx, span := StartTaskSpan(context.Background(), "dispatch.RunOnce", headers, Task{
		TenantID: "t1", TaskID: "task-1", WorkType: "pr-maintenance", Priority: 0, Attempt: 2,
	})
	SetOutcome(ctx, "retried")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("exported spans = %d, want 2", len(spans))
	}
	task := spans[1]
	if task.Parent.TraceID() != spans[0].SpanContext.TraceID() {
		t.Error("task span did not continue the delivery trace")
	}
	if task.SpanKind != oteltrace.SpanKindConsumer {
		t.Errorf("span kind = %v, want consumer", task.SpanKind)
	}
	got := make(map[attribute.Key]attribute.Value)
	for _, kv := range task.Attributes {
		got[kv.Key] = kv.Value
	}
	if got[KeyTask].AsString() != "task-1" || got[KeyAttempt].AsInt64() != 2 || got[KeyOutcome].AsString() != "retried" {
		t.Errorf("attributes = %v", task.Attributes)
	}
	if _, ok := got[KeyDelivery]; ok {
		t.Error("empty delivery id should not be tagged")
	}
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestProvider(t)

	ctx, span := StartSpan(context.Background(), "dispatch.run_once",
		attribute.String("task.id", "task-123"),
		attribute.Int("attempt.number", 2),
	)
	if !oteltrace.SpanFromContext(ctx).SpanContext().IsValid() {
		t.Fatal("StartSpan() span not found in returned context")
	}
	AddSpanEvent(ctx, "executor.invoked")
	SetSpanError(ctx, context.DeadlineExceeded)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "dispatch.run_once" {
		t.Errorf("span name = %q, want dispatch.run_once", spans[0].Name)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected span events to be recorded")
	}
}

func TestSpanHelpersWithoutSpan(t *testing.T) {
	ctx := context.Background()
	AddSpanEvent(ctx, "no-span")
	SetSpanError(ctx, context.Canceled)
	SetSpanError(ctx, nil)
	if id := GetTraceID(ctx); id != "" {
		t.Errorf("GetTraceID() = %q for context without span, want empty", id)
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestProvider(t)

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()

	if id := GetTraceID(ctx); len(id) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex characters", id)
	}
}

func TestExtractHeaders(t *testing.T) {
	setupTestProvider(t)

	tests := []struct {
		name      string
		headers   map[string]string
		wantValid bool
	}{
		{name: "nil headers", headers: nil},
		{name: "empty headers", headers: map[string]string{}},
		{name: "invalid traceparent", headers: map[string]string{"traceparent": "invalid"}},
		{
			name:      "valid traceparent",
			headers:   map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ExtractHeaders(context.Background(), tt.headers)
			valid := oteltrace.SpanContextFromContext(ctx).IsValid()
			if valid != tt.wantValid {
				t.Errorf("extracted span context valid = %v, want %v", valid, tt.wantValid)
			}
		})
	}
}

func TestTraceRoundTrip(t *testing.T) {
	setupTestProvider(t)

	ctx, span := StartSpan(context.Background(), "ingest.webhook")
	defer span.End()

	originalTraceID := GetTraceID(ctx)
	headers := InjectHeaders(ctx)
	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("InjectHeaders() = %v, want traceparent", headers)
	}

	newCtx, child := StartSpan(ExtractHeaders(context.Background(), headers), "dispatch.run_once")
	defer child.End()

	if got := GetTraceID(newCtx); got != originalTraceID {
		t.Errorf("Trace ID changed during round-trip: original=%s, extracted=%s", originalTraceID, got)
	}
}

func TestTracerNameConstant(t *testing.T) {
	if TracerName != "github.com/austindbirch/hookloop" {
		t.Errorf("TracerName constant = %q", TracerName)
	}
}
