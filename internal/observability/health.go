package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker is satisfied by *pgxpool.Pool and the processed-event cache.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type namedCheck struct {
	name     string
	checker  HealthChecker
	optional bool
}

type HealthHandler struct {
	checks []namedCheck
	ready  atomic.Bool
}

// NewHealthHandler reports the database under the "database" check.
func NewHealthHandler(db HealthChecker) *HealthHandler {
	h := &HealthHandler{}
	if db != nil {
		h.checks = append(h.checks, namedCheck{name: "database", checker: db})
	}
	return h
}

// WithOptionalCheck adds a dependency whose failure is reported but does not
// make the service unready. The processed-event cache fails open, so it is one.
func (h *HealthHandler) WithOptionalCheck(name string, c HealthChecker) *HealthHandler {
	h.checks = append(h.checks, namedCheck{name: name, checker: c, optional: true})
	return h
}

func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks)+1)
	healthy := true

	if h.ready.Load() {
		checks["app"] = "ok"
	} else {
		checks["app"] = "not ready"
		healthy = false
	}

	for _, c := range h.checks {
		if err := c.checker.Ping(ctx); err != nil {
			checks[c.name] = err.Error()
			if !c.optional {
				healthy = false
			}
			continue
		}
		checks[c.name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{Status: status, Checks: checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
