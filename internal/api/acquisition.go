package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openbem/bem-engine/internal/acquire"
)

type AcquisitionHandler struct {
	svc *acquire.Service
}

func NewAcquisitionHandler(svc *acquire.Service) *AcquisitionHandler {
	return &AcquisitionHandler{svc: svc}
}

// Status reports the running flag and per-session connection state.
func (h *AcquisitionHandler) Status(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.svc.Status())
}

// Start connects one session per enabled subscriber. Starting an already
// running service is a conflict; a bad configuration is unprocessable.
func (h *AcquisitionHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Run(r.Context()); err != nil {
		var serr *acquire.ServiceError
		if errors.As(err, &serr) {
			status := http.StatusUnprocessableEntity
			if serr.Reason == "already running" {
				status = http.StatusConflict
			}
			WriteError(w, status, serr.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to start acquisition")
		return
	}
	WriteJSON(w, http.StatusOK, h.svc.Status())
}

// Stop disconnects every session. Stopping a stopped service succeeds.
func (h *AcquisitionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Stop(r.Context()); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to stop acquisition")
		return
	}
	WriteJSON(w, http.StatusOK, h.svc.Status())
}

// Routes registers acquisition control routes on the given router.
func (h *AcquisitionHandler) Routes(r chi.Router) {
	r.Get("/acquisition/status", h.Status)
	r.Post("/acquisition/start", h.Start)
	r.Post("/acquisition/stop", h.Stop)
}
