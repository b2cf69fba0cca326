package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/hookloop/internal/auth"
	"github.com/austindbirch/hookloop/internal/classify"
	"github.com/austindbirch/hookloop/internal/config"
	"github.com/austindbirch/hookloop/internal/dispatch"
	"github.com/austindbirch/hookloop/internal/executor"
	"github.com/austindbirch/hookloop/internal/ingest"
	"github.com/austindbirch/hookloop/internal/ledger"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/queue"
	"github.com/austindbirch/hookloop/internal/status"
	"github.com/austindbirch/hookloop/internal/tenant"
)

func TestCheckJQAvailable(t *testing.T) {
	_, err := exec.LookPath("jq")
	if got := checkJQAvailable(); got != (err == nil) {
		t.Errorf("checkJQAvailable() = %v, want %v", got, err == nil)
	}
}

func TestFormatWithJQ(t *testing.T) {
	if !checkJQAvailable() {
		t.Skip("jq not available, skipping test")
	}
	tests := []struct {
		name     string
		jsonData []byte
		wantErr  bool
	}{
		{name: "valid json", jsonData: []byte(`{"key":"value","number":42}`)},
		{name: "invalid json", jsonData: []byte(`{"key":"value",}`), wantErr: true},
		{name: "json array", jsonData: []byte(`[1,2,3]`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatWithJQ(tt.jsonData)
			if (err != nil) != tt.wantErr {
				t.Fatalf("formatWithJQ() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == "" {
				t.Error("formatWithJQ() returned empty string for valid JSON")
			}
		})
	}
}

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantLen int
		wantErr bool
	}{
		{name: "empty", in: "", wantLen: 0},
		{name: "object", in: `{"pr_number":42,"branch":"main"}`, wantLen: 2},
		{name: "nested", in: `{"quality_failures":{"output":"boom"}}`, wantLen: 1},
		{name: "null", in: `null`, wantErr: true},
		{name: "array", in: `[1,2]`, wantErr: true},
		{name: "malformed", in: `{"pr_number":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := parseMetadata(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseMetadata() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(md) != tt.wantLen {
				t.Errorf("parseMetadata() = %v, want %d keys", md, tt.wantLen)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "25", want: 25},
		{in: "-1", wantErr: true},
		{in: "ten", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLimit(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLimit(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestBaseURL(t *testing.T) {
	orig := serverAddr
	defer func() { serverAddr = orig }()

	tests := map[string]string{
		"localhost:8080":         "http://localhost:8080",
		"http://localhost:8080/": "http://localhost:8080",
		"https://hooks.internal": "https://hooks.internal",
	}
	for in, want := range tests {
		serverAddr = in
		if got := baseURL(); got != want {
			t.Errorf("baseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{key: "server", value: "http://localhost:9000"},
		{key: "timeout", value: "45s"},
		{key: "timeout", value: "soon", wantErr: true},
		{key: "json", value: "yes"},
		{key: "pretty", value: "maybe", wantErr: true},
		{key: "color", value: "true", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			if err := setConfigValue(tt.key, tt.value); (err != nil) != tt.wantErr {
				t.Errorf("setConfigValue() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDoRequest(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"status":"accepted"}`))
		case "/conflict":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"delivery is not in failed state"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	origServer, origToken, origTimeout := serverAddr, jwtToken, timeout
	defer func() { serverAddr, jwtToken, timeout = origServer, origToken, origTimeout }()
	serverAddr, jwtToken, timeout = srv.URL, "tok", 5*time.Second

	var out struct {
		Status string `json:"status"`
	}
	if err := doRequest(http.MethodGet, "/ok", nil, nil, &out); err != nil || out.Status != "accepted" {
		t.Errorf("doRequest(/ok) = %+v, %v", out, err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	err := doRequest(http.MethodPost, "/conflict", nil, nil, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict || apiErr.Message != "delivery is not in failed state" {
		t.Errorf("doRequest(/conflict) error = %v", err)
	}

	err = doRequest(http.MethodGet, "/boom", nil, nil, nil)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError || apiErr.Message != "" {
		t.Errorf("doRequest(/boom) error = %v", err)
	}
}

// scriptedExecutor returns results in order and records the metadata each
// attempt saw
type scriptedExecutor struct {
	results []executor.Result
	errs    []error
	seen    []queue.Metadata
}

func (s *scriptedExecutor) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	i := len(s.seen)
	s.seen = append(s.seen, req.Unit.Metadata())
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], err
	}
	return executor.Success(), err
}

func TestRunLocal(t *testing.T) {
	tc := tenant.Context{Tenant: tenant.Tenant{ID: "t1", Repository: "acme/app", Active: true}}
	noWait := func(context.Context, time.Duration) error { return nil }
	policy := dispatch.Policy{Strategy: dispatch.StrategyPolynomial, MaxAttempts: 3}

	tests := []struct {
		name       string
		exec       *scriptedExecutor
		wantErr    bool
		wantState  queue.State
		wantRuns   int
		wantResume bool
	}{
		{
			name: "retries then succeeds with resume metadata",
			exec: &scriptedExecutor{results: []executor.Result{
				executor.Failure("lint failed", queue.Metadata{"quality_failures": "lint"}),
				executor.Success(),
			}},
			wantState:  queue.StateCompleted,
			wantRuns:   2,
			wantResume: true,
		},
		{
			name: "exhausts attempts",
			exec: &scriptedExecutor{results: []executor.Result{
				executor.Failure("a", nil), executor.Failure("b", nil), executor.Failure("c", nil),
			}},
			wantErr:   true,
			wantState: queue.StateFailed,
			wantRuns:  3,
		},
		{
			name:      "permanent error stops at once",
			exec:      &scriptedExecutor{errs: []error{executor.Permanent(errors.New("repo archived"))}},
			wantErr:   true,
			wantState: queue.StateFailed,
			wantRuns:  1,
		},
		{
			name:      "plain error is retried",
			exec:      &scriptedExecutor{errs: []error{errors.New("network down")}},
			wantState: queue.StateCompleted,
			wantRuns:  2,
		},
		{
			name:      "no work completes",
			exec:      &scriptedExecutor{results: []executor.Result{executor.NoWork()}},
			wantState: queue.StateCompleted,
			wantRuns:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, err := queue.NewEphemeral("t1", queue.WorkPRMaintenance, queue.Metadata{"pr_number": 42})
			if err != nil {
				t.Fatal(err)
			}
			var out bytes.Buffer
			_, err = runLocal(context.Background(), tt.exec, tc, unit, policy, noWait, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("runLocal() error = %v, wantErr %v\n%s", err, tt.wantErr, out.String())
			}
			if unit.State() != tt.wantState {
				t.Errorf("state = %s, want %s", unit.State(), tt.wantState)
			}
			if len(tt.exec.seen) != tt.wantRuns {
				t.Errorf("runs = %d, want %d", len(tt.exec.seen), tt.wantRuns)
			}
			if tt.wantResume {
				last := tt.exec.seen[len(tt.exec.seen)-1]
				if last["quality_failures"] != "lint" || last["pr_number"] == nil {
					t.Errorf("second attempt metadata = %v", last)
				}
			}
		})
	}
}

// run executes the root command against srv and returns stdout
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestCommandsAgainstIngest(t *testing.T) {
	log := logging.New("hookctl-test")
	log.SetOutput(io.Discard)

	tenants := tenant.NewMemory(tenant.Tenant{ID: "t1", Slug: "acme", Repository: "acme/app", WebhookSecret: "s", Active: true})
	q := queue.NewMemory()
	l := ledger.NewMemory()
	svc := ingest.NewService(tenants, l, q, classify.New(log), nil, log)

	privPEM, pubPEM, err := auth.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := auth.NewSigner(string(privPEM), "hookloop", "hookloop-status")
	if err != nil {
		t.Fatal(err)
	}
	validator, err := auth.NewJWTValidator(string(pubPEM), "hookloop", "hookloop-status")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := signer.Mint("t1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	ingest.NewHandler(svc, config.Webhook{}, log).Routes(r)
	status.New(q, l, svc, log).Mount(r, validator.HTTPMiddleware)
	srv := httptest.NewServer(r)
	defer srv.Close()

	out, err := run(t, "webhook", "send", "acme",
		"--server", srv.URL, "--json=false",
		"--event", "pull_request", "--delivery-id", "d-cli", "--secret", "s",
		"--data", `{"action":"synchronize","pull_request":{"number":42,"mergeable":false}}`)
	if err != nil {
		t.Fatalf("webhook send: %v", err)
	}
	if !strings.Contains(out, "Delivery d-cli: accepted") {
		t.Errorf("webhook send output = %q", out)
	}

	if _, err := run(t, "webhook", "send", "acme", "--server", srv.URL, "--json=false",
		"--event", "pull_request", "--delivery-id", "d-bad", "--secret", "wrong", "--data", `{}`); err == nil {
		t.Error("badly signed webhook should fail")
	}

	out, err = run(t, "tasks", "list", "--server", srv.URL, "--token", tok, "--json=true")
	if err != nil {
		t.Fatalf("tasks list: %v", err)
	}
	var list struct {
		Tasks []queue.Task `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("tasks list output is not JSON: %v\n%s", err, out)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].DeliveryID != "d-cli" {
		t.Fatalf("tasks = %+v", list.Tasks)
	}

	out, err = run(t, "tasks", "get", list.Tasks[0].ID, "--server", srv.URL, "--token", tok, "--json=false")
	if err != nil || !strings.Contains(out, "Work type: "+string(queue.WorkPRMaintenance)) {
		t.Errorf("tasks get = %q, %v", out, err)
	}

	out, err = run(t, "deliveries", "get", "d-cli", "--server", srv.URL, "--token", tok, "--json=false")
	if err != nil || !strings.Contains(out, "Status: "+string(ledger.StatusProcessed)) {
		t.Errorf("deliveries get = %q, %v", out, err)
	}

	if _, err := run(t, "replay", "d-cli", "--server", srv.URL, "--token", tok, "--json=false"); err == nil ||
		!strings.Contains(err.Error(), "not in failed status") {
		t.Errorf("replay of processed delivery error = %v", err)
	}

	if _, err := run(t, "tasks", "list", "--server", srv.URL, "--token", "", "--json=false"); err == nil {
		t.Error("tasks list without a token should fail")
	}
}
