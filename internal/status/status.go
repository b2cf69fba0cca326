// Package status serves the read-only task and delivery API. Every route is
// scoped to the tenant carried by the caller's token.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/hookloop/internal/auth"
	"github.com/austindbirch/hookloop/internal/ingest"
	"github.com/austindbirch/hookloop/internal/ledger"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/queue"
)

// Replayer re-runs a failed delivery
type Replayer interface {
	Replay(ctx context.Context, tenantID, deliveryID string) (ingest.Result, error)
}

type API struct {
	queue    queue.Queue
	ledger   ledger.Ledger
	replayer Replayer
	log      *logging.Logger
}

func New(q queue.Queue, l ledger.Ledger, r Replayer, log *logging.Logger) *API {
	if log == nil {
		log = logging.Default()
	}
	return &API{queue: q, ledger: l, replayer: r, log: log}
}

// Mount registers the /v1 routes on r behind authn, which must put a tenant
// id on the request context
func (a *API) Mount(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(authn)
		r.Get("/tasks", a.listTasks)
		r.Get("/tasks/{id}", a.getTask)
		r.Get("/tasks/{id}/attempts", a.listAttempts)
		r.Get("/tasks/{id}/tree", a.taskTree)
		r.Get("/deliveries", a.listDeliveries)
		r.Get("/deliveries/{id}", a.getDelivery)
		r.Post("/deliveries/{id}/replay", a.replay)
		r.Get("/queue/stats", a.stats)
	})
}

// Handler returns a standalone router guarded by the JWT validator
func (a *API) Handler(v *auth.JWTValidator) http.Handler {
	r := chi.NewRouter()
	a.Mount(r, v.HTTPMiddleware)
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

type treeResponse struct {
	Root        queue.Task   `json:"root"`
	Descendants []queue.Task `json:"descendants"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrNotReplayable):
		status = http.StatusConflict
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.log.WithContext(r.Context()).WithField("path", r.URL.Path).WithError(err).Error("status request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

var errBadRequest = errors.New("bad request")

func tenantID(r *http.Request) (string, bool) {
	return auth.GetTenantIDFromContext(r.Context())
}

// scoped pulls the tenant off the request or writes 401
func scoped(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := tenantID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: auth.ErrMissingTenant.Error()})
	}
	return id, ok
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
	}
	return n, nil
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	tid, ok := scoped(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var f queue.Filter
	if s := q.Get("state"); s != "" {
		f.State = queue.State(s)
		if !f.State.Valid() {
			a.fail(w, r, fmt.Errorf("%w: unknown state %q", errBadRequest, s))
			return
		}
	}
	if s := q.Get("work_type"); s != "" {
		wt, err := queue.ParseWorkType(s)
		if err != nil {
			a.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		f.WorkType = wt
	}
	limit, err := parseLimit(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	f.Limit = limit

	tasks, err := a.queue.List(r.Context(), tid, f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	tid, ok := scoped(w, r)
	if !ok {
		return
	}
	task, err := a.queue.Get(r.Context(), tid, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) listAttempts(w http.ResponseWriter, r *http.Request) {
	tid, ok := scoped(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.queue.Get(r.Context(), tid, id); err != nil {
		a.fail(w, r, err)
		return
	}
	attempts, err := a.queue.Attempts(r.Context(), tid, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []queue.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (a *API) taskTree(w http.ResponseWriter, r *http.Request) {
	tid, ok := scoped(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	root, err := a.queue.Get(r.Context(), tid, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	desc, err := a.queue.Descendants(r.Context(), tid, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if desc == nil {
		desc = []queue.Task{}
	}
	writeJSON(w, http.StatusOK, treeResponse{Root: root, Descendants: desc})
}

func (a *API) listDeliveries(w http.ResponseWriter, r *http.Request) {
	tid, ok := scoped(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := ledger.Filter{EventType: q.Get("event_type")}
	if s := q.Get("status"); s != "" {
		f.Status = ledger.Status(s)
		if !f.Status.Valid() {
			a.fail(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, s))
			return
		}
	}
	limit, err := parseLimit(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	f.Limit = limit

	recs, err := a.ledger.List(r.Context(), tid, f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": recs})
}

func (a *API) getDelivery(w http.ResponseWriter, r *http.Request) {
	tid, ok := scoped(w, r)
	if !ok {
		return
	}
	rec, err := a.ledger.Get(r.Context(), tid, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) replay(w http.ResponseWriter, r *http.Request) {
	tid, ok := scoped(w, r)
	if !ok {
		return
	}
	if a.replayer == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "replay is not enabled"})
		return
	}
	res, err := a.replayer.Replay(r.Context(), tid, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      res.Outcome,
		"delivery_id": res.DeliveryID,
		"tasks":       res.TaskIDs(),
	})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	tid, ok := scoped(w, r)
	if !ok {
		return
	}
	stats, err := a.queue.Stats(r.Context(), tid)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if stats == nil {
		stats = []queue.Stat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}
