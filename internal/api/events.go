package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openbem/bem-engine/internal/events"
	"github.com/openbem/bem-engine/internal/store"
)

type EventsHandler struct {
	st *store.Store
}

func NewEventsHandler(st *store.Store) *EventsHandler {
	return &EventsHandler{st: st}
}

// eventJSON is the wire shape of an event.
type eventJSON struct {
	ID                  int64      `json:"id"`
	Category            string     `json:"category"`
	Level               string     `json:"level"`
	State               string     `json:"state"`
	Source              string     `json:"source"`
	TargetType          string     `json:"target_type"`
	TargetID            int64      `json:"target_id"`
	TimestampStart      time.Time  `json:"timestamp_start"`
	TimestampEnd        *time.Time `json:"timestamp_end,omitempty"`
	TimestampLastUpdate time.Time  `json:"timestamp_last_update"`
	Description         string     `json:"description,omitempty"`
	DurationSeconds     float64    `json:"duration_seconds"`
}

func toEventJSON(e *events.Event) eventJSON {
	return eventJSON{
		ID:                  e.ID,
		Category:            e.Category,
		Level:               string(e.Level),
		State:               string(e.State),
		Source:              e.Source,
		TargetType:          string(e.TargetType),
		TargetID:            e.TargetID,
		TimestampStart:      e.TimestampStart,
		TimestampEnd:        e.TimestampEnd,
		TimestampLastUpdate: e.TimestampLastUpdate,
		Description:         e.Description,
		DurationSeconds:     e.Duration().Seconds(),
	}
}

// ListEvents returns events matching the query filters. Without state
// params only open events (NEW, ONGOING) are returned.
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var f events.Filter
	for _, s := range QueryStrings(r, "state") {
		st, err := events.ParseState(s)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.States = append(f.States, st)
	}
	if v, ok := QueryString(r, "category"); ok {
		f.Category = &v
	}
	if v, ok := QueryString(r, "source"); ok {
		f.Source = &v
	}
	if v, ok := QueryString(r, "level"); ok {
		l := events.Level(v)
		f.Level = &l
	}
	if v, ok := QueryString(r, "target_type"); ok {
		t := events.TargetType(v)
		f.TargetType = &t
	}
	if v, ok := QueryInt64(r, "target_id"); ok {
		f.TargetID = &v
	}

	list, err := h.st.ListEvents(r.Context(), f)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	out := make([]eventJSON, 0, len(list))
	for _, e := range list {
		out = append(out, toEventJSON(e))
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"total":  len(out),
	})
}

// GetEvent returns a single event by ID.
func (h *EventsHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	e, err := h.st.GetEvent(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}
	WriteJSON(w, http.StatusOK, toEventJSON(e))
}

// CloseEvent closes the event as of now. Closing an already closed event
// leaves it unchanged.
func (h *EventsHandler) CloseEvent(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	e, err := h.st.GetEvent(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "event")
		return
	}

	e.Close(time.Time{})
	if err := h.st.SaveEvent(r.Context(), e); err != nil {
		writeStoreError(w, err, "event")
		return
	}
	WriteJSON(w, http.StatusOK, toEventJSON(e))
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events", h.ListEvents)
	r.Get("/events/{id}", h.GetEvent)
	r.Post("/events/{id}/close", h.CloseEvent)
}
