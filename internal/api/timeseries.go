package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/openbem/bem-engine/internal/store"
)

type TimeseriesHandler struct {
	st *store.Store
}

func NewTimeseriesHandler(st *store.Store) *TimeseriesHandler {
	return &TimeseriesHandler{st: st}
}

// ListTimeseries returns timeseries matching an optional name search.
func (h *TimeseriesHandler) ListTimeseries(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.TimeseriesFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "search"); ok {
		filter.Search = v
	}

	items, total, err := h.st.ListTimeseries(r.Context(), filter)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list timeseries")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"timeseries": items,
		"total":      total,
		"limit":      p.Limit,
		"offset":     p.Offset,
	})
}

// CreateTimeseries creates a timeseries. Duplicate names conflict.
func (h *TimeseriesHandler) CreateTimeseries(w http.ResponseWriter, r *http.Request) {
	var ts store.Timeseries
	if err := DecodeJSON(r, &ts); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(ts.Name) == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}
	ts.ID = 0

	created, err := h.st.CreateTimeseries(r.Context(), ts)
	if err != nil {
		writeStoreError(w, err, "timeseries")
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

// GetTimeseries returns a single timeseries by id.
func (h *TimeseriesHandler) GetTimeseries(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid timeseries id")
		return
	}
	ts, err := h.st.GetTimeseries(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "timeseries")
		return
	}
	WriteJSON(w, http.StatusOK, ts)
}

// UpdateTimeseries replaces the mutable fields of a timeseries.
func (h *TimeseriesHandler) UpdateTimeseries(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid timeseries id")
		return
	}

	var ts store.Timeseries
	if err := DecodeJSON(r, &ts); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(ts.Name) == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}
	ts.ID = id

	updated, err := h.st.UpdateTimeseries(r.Context(), ts)
	if err != nil {
		writeStoreError(w, err, "timeseries")
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

// DeleteTimeseries removes a timeseries and its points. Topic links block
// the delete with a conflict.
func (h *TimeseriesHandler) DeleteTimeseries(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid timeseries id")
		return
	}
	if err := h.st.DeleteTimeseries(r.Context(), id); err != nil {
		writeStoreError(w, err, "timeseries")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes registers timeseries routes on the given router.
func (h *TimeseriesHandler) Routes(r chi.Router) {
	r.Get("/timeseries", h.ListTimeseries)
	r.Post("/timeseries", h.CreateTimeseries)
	r.Get("/timeseries/{id}", h.GetTimeseries)
	r.Put("/timeseries/{id}", h.UpdateTimeseries)
	r.Delete("/timeseries/{id}", h.DeleteTimeseries)
}
