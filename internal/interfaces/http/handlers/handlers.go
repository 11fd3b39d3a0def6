package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/polyrisk/internal/metrics"
	"github.com/sawpanic/polyrisk/internal/persistence"
	"github.com/sawpanic/polyrisk/internal/pipeline"
	"github.com/sawpanic/polyrisk/internal/risk"
	"github.com/sawpanic/polyrisk/internal/scheduler"
)

// maxBodyBytes caps request bodies on ingest endpoints.
const maxBodyBytes = 1 << 20

type ctxKey struct{}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID extracts the request id set by WithRequestID.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return "unknown"
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// StatusProvider reports scheduler status.
type StatusProvider interface {
	GetStatus() scheduler.Status
}

// Deps are the collaborators served by the handlers. Only Pipeline is
// required.
type Deps struct {
	Pipeline  *pipeline.Pipeline
	Sizer     *risk.Sizer
	Anomalies persistence.AnomalyRepo
	Scheduler StatusProvider
	Metrics   *metrics.Registry
	Checks    map[string]HealthCheck
	Version   string
	Clock     func() time.Time
}

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	deps      Deps
	startTime time.Time
	now       func() time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Deps) *Handlers {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Handlers{deps: deps, startTime: now(), now: now}
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: h.now().UTC(),
	})
}

// decode reads a JSON body into dst.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// timeRange parses optional RFC3339 from/to query parameters. The window
// defaults to the last 24 hours.
func (h *Handlers) timeRange(r *http.Request) (persistence.TimeRange, error) {
	now := h.now()
	tr := persistence.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, fmt.Errorf("invalid from: %w", err)
		}
		tr.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return tr, fmt.Errorf("invalid to: %w", err)
		}
		tr.To = t
	}
	if !tr.Valid() {
		return tr, errors.New("to is before from")
	}
	return tr, nil
}

func queryInt(r *http.Request, key string, def, upper int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	if n > upper {
		n = upper
	}
	return n, nil
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// MethodNotAllowed handles 405 responses
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
		fmt.Sprintf("%s is not supported on %s", r.Method, r.URL.Path))
}

// Metrics serves the Prometheus exposition.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "metrics_disabled", "metrics are not enabled")
		return
	}
	h.deps.Metrics.Handler().ServeHTTP(w, r)
}

// SchedulerStatus handles GET /scheduler
func (h *Handlers) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "scheduler_disabled", "scheduler is not running")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Scheduler.GetStatus())
}
