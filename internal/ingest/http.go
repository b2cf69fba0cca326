package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/hookloop/internal/config"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/metrics"
)

// ProviderGitHub is the only provider segment the webhook route accepts
const ProviderGitHub = "github"

// Handler serves POST /webhooks/{provider}/{tenant}
type Handler struct {
	svc *Service
	cfg config.Webhook
	log *logging.Logger
}

func NewHandler(svc *Service, cfg config.Webhook, log *logging.Logger) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 25 << 20
	}
	if cfg.EventHeader == "" {
		cfg.EventHeader = "X-GitHub-Event"
	}
	if cfg.DeliveryHeader == "" {
		cfg.DeliveryHeader = "X-GitHub-Delivery"
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Hub-Signature-256"
	}
	if log == nil {
		log = logging.Default()
	}
	return &Handler{svc: svc, cfg: cfg, log: log}
}

// Routes mounts the webhook endpoint on r
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{provider}/{tenant}", h.receive)
}

type webhookResponse struct {
	Status     string   `json:"status"`
	DeliveryID string   `json:"delivery_id,omitempty"`
	Tasks      []string `json:"tasks,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "provider") != ProviderGitHub {
		writeJSON(w, http.StatusNotFound, webhookResponse{Status: "rejected", Error: "unknown provider"})
		return
	}

	ctx := r.Context()
	if h.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.RecordWebhook(metrics.OutcomeMalformed)
			writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Status: "rejected", Error: "payload too large"})
			return
		}
		metrics.RecordWebhook(metrics.OutcomeMalformed)
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "rejected", Error: "read body failed"})
		return
	}

	d := Delivery{
		Slug:       chi.URLParam(r, "tenant"),
		EventType:  r.Header.Get(h.cfg.EventHeader),
		DeliveryID: r.Header.Get(h.cfg.DeliveryHeader),
		Signature:  r.Header.Get(h.cfg.SignatureHeader),
		Body:       body,
	}
	res, err := h.svc.Ingest(ctx, d)
	if err != nil {
		status, outcome := statusFor(err)
		metrics.RecordWebhook(outcome)
		entry := h.log.WithContext(ctx).WithTenant(res.TenantID).WithDelivery(d.DeliveryID).WithFields(map[string]any{
			"slug":       d.Slug,
			"event_type": d.EventType,
			"status":     status,
		}).WithError(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			entry.Error("webhook failed")
			msg = "internal error"
		} else {
			entry.Warn("webhook rejected")
		}
		writeJSON(w, status, webhookResponse{Status: "rejected", DeliveryID: d.DeliveryID, Error: msg})
		return
	}

	metrics.RecordWebhook(string(res.Outcome))
	writeJSON(w, http.StatusOK, webhookResponse{
		Status:     string(res.Outcome),
		DeliveryID: res.DeliveryID,
		Tasks:      res.TaskIDs(),
	})
}

// statusFor maps an Ingest error to an HTTP status and metric outcome
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnknownTenant):
		return http.StatusNotFound, metrics.OutcomeUnknownTenant
	case errors.Is(err, ErrInactive):
		return http.StatusForbidden, metrics.OutcomeInactive
	case errors.Is(err, ErrBadSignature):
		return http.StatusUnauthorized, metrics.OutcomeBadSignature
	case errors.Is(err, ErrMissingHeader), errors.Is(err, ErrMalformed):
		return http.StatusBadRequest, metrics.OutcomeMalformed
	}
	return http.StatusInternalServerError, metrics.OutcomeError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
