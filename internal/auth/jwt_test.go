package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestKeys(t *testing.T) (*Signer, *JWTValidator) {
	t.Helper()
	privPEM, pubPEM, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	signer, err := NewSigner(string(privPEM), "hookloop", "hookloop-status")
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}
	validator, err := NewJWTValidator(string(pubPEM), "hookloop", "hookloop-status")
	if err != nil {
		t.Fatalf("NewJWTValidator() error: %v", err)
	}
	return signer, validator
}

func TestNewJWTValidator(t *testing.T) {
	tests := []struct {
		name         string
		publicKeyPEM string
	}{
		{name: "invalid PEM format", publicKeyPEM: "invalid-pem"},
		{name: "empty public key", publicKeyPEM: ""},
		{name: "invalid RSA key format", publicKeyPEM: "-----BEGIN PUBLIC KEY-----\ninvalid-key-data\n-----END PUBLIC KEY-----"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(tt.publicKeyPEM, "iss", "aud")
			if err == nil {
				t.Error("NewJWTValidator() expected error but got none")
			}
			if validator != nil {
				t.Error("NewJWTValidator() should return nil validator on error")
			}
		})
	}
}

func TestMintAndValidate(t *testing.T) {
	signer, validator := newTestKeys(t)

	token, err := signer.Mint("tenant-a", time.Minute)
	if err != nil {
		t.Fatalf("Mint() error: %v", err)
	}

	tenantID, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error: %v", err)
	}
	if tenantID != "tenant-a" {
		t.Errorf("ValidateToken() tenant = %q, want tenant-a", tenantID)
	}
}

func TestValidateTokenRejections(t *testing.T) {
	signer, validator := newTestKeys(t)
	otherSigner, _ := newTestKeys(t)

	privPEM, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	wrongAudience, err := NewSigner(string(privPEM), "hookloop", "someone-else")
	if err != nil {
		t.Fatal(err)
	}

	expired, _ := signer.Mint("tenant-a", time.Nanosecond)
	foreign, _ := otherSigner.Mint("tenant-a", time.Minute)
	audience, _ := wrongAudience.Mint("tenant-a", time.Minute)

	time.Sleep(1100 * time.Millisecond) // exp has second granularity

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "invalid-token"},
		{name: "empty", token: ""},
		{name: "expired", token: expired},
		{name: "signed by another key", token: foreign},
		{name: "wrong audience", token: audience},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(tt.token); err == nil {
				t.Error("ValidateToken() expected error but got none")
			}
		})
	}
}

func TestMintRequiresTenant(t *testing.T) {
	signer, _ := newTestKeys(t)
	if _, err := signer.Mint("", time.Minute); err != ErrMissingTenant {
		t.Errorf("Mint(\"\") error = %v, want ErrMissingTenant", err)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	signer, validator := newTestKeys(t)
	good, _ := signer.Mint("tenant-b", time.Minute)

	var seenTenant string
	handler := validator.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTenant, _ = GetTenantIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		expectedBody   string
		expectedTenant string
	}{
		{name: "missing authorization header", expectedStatus: http.StatusUnauthorized, expectedBody: "Missing Authorization header"},
		{name: "invalid authorization header format", authHeader: "Basic dXNlcjpwYXNz", expectedStatus: http.StatusUnauthorized, expectedBody: "Invalid Authorization header format"},
		{name: "invalid bearer token", authHeader: "Bearer invalid-token", expectedStatus: http.StatusUnauthorized, expectedBody: "Invalid token"},
		{name: "valid token", authHeader: "Bearer " + good, expectedStatus: http.StatusOK, expectedTenant: "tenant-b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenTenant = ""
			req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.expectedStatus)
			}
			if tt.expectedBody != "" && !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("body = %q, want substring %q", rr.Body.String(), tt.expectedBody)
			}
			if seenTenant != tt.expectedTenant {
				t.Errorf("tenant in context = %q, want %q", seenTenant, tt.expectedTenant)
			}
		})
	}
}

func TestGetTenantIDFromContext(t *testing.T) {
	if _, ok := GetTenantIDFromContext(context.Background()); ok {
		t.Error("empty context should not carry a tenant")
	}
	if id, ok := GetTenantIDFromContext(WithTenantID(context.Background(), "t1")); !ok || id != "t1" {
		t.Errorf("GetTenantIDFromContext() = %q, %v", id, ok)
	}
}
