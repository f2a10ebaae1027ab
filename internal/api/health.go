package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openbem/bem-engine/internal/acquire"
	"github.com/openbem/bem-engine/internal/store"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	st        *store.Store
	svc       *acquire.Service
	version   string
	startTime time.Time
}

func NewHealthHandler(st *store.Store, svc *acquire.Service, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		st:        st,
		svc:       svc,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Database check
	if err := h.st.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// Acquisition check. A stopped service is degraded, not unhealthy:
	// the HTTP surface still works and the operator may have stopped it.
	if h.svc != nil {
		if h.svc.Running() {
			checks["acquisition"] = "ok"
		} else {
			checks["acquisition"] = "stopped"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["acquisition"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
