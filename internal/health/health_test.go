package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		db                 Pinger
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy without database",
			db:                 nil,
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true},
		},
		{
			name:               "healthy with working database",
			db:                 fakePinger{},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true},
		},
		{
			name:               "unhealthy with database ping failure",
			db:                 fakePinger{err: context.DeadlineExceeded},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed", Database: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rr := httptest.NewRecorder()

			HTTPHandler(tt.db).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatusCode {
				t.Errorf("status code = %d, want %d", rr.Code, tt.expectedStatusCode)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			var got Status
			if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if got != tt.expectedStatus {
				t.Errorf("status = %+v, want %+v", got, tt.expectedStatus)
			}
		})
	}
}

func TestWatch(t *testing.T) {
	tests := []struct {
		name string
		db   Pinger
		want healthpb.HealthCheckResponse_ServingStatus
	}{
		{name: "serving when database answers", db: fakePinger{}, want: healthpb.HealthCheckResponse_SERVING},
		{name: "not serving when ping fails", db: fakePinger{err: errors.New("down")}, want: healthpb.HealthCheckResponse_NOT_SERVING},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := grpc_health.NewServer()
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				Watch(ctx, hs, tt.db, time.Hour)
				close(done)
			}()

			deadline := time.Now().Add(2 * time.Second)
			for {
				resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
				if err == nil && resp.GetStatus() == tt.want {
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("serving status never reached %v (last %v, err %v)", tt.want, resp.GetStatus(), err)
				}
				time.Sleep(5 * time.Millisecond)
			}

			cancel()
			<-done
		})
	}
}
