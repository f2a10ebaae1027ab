package acquire

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/events"
	"github.com/openbem/bem-engine/internal/metrics"
	"github.com/openbem/bem-engine/internal/store"
)

// tracker maintains at most one open event per (category, source, target).
// Repeated observations extend the open event instead of piling up new
// ones; clear closes it. Failures here are logged and swallowed so the
// write path never stalls on event bookkeeping.
type tracker struct {
	st  *store.Store
	log zerolog.Logger
}

func newTracker(st *store.Store, log zerolog.Logger) *tracker {
	return &tracker{st: st, log: log}
}

// flag records one more observation of the anomaly.
func (t *tracker) flag(ctx context.Context, category, source string, target events.TargetType, targetID int64, desc string) {
	open, err := t.find(ctx, category, source, target, targetID)
	if err != nil {
		t.log.Error().Err(err).Str("category", category).Msg("event lookup failed")
		return
	}

	if open == nil {
		e := events.Open(category, source, target, targetID, events.WithDescription(desc))
		if err := t.st.SaveEvent(ctx, e); err != nil {
			t.log.Error().Err(err).Str("category", category).Msg("event open failed")
			return
		}
		metrics.EventsOpenedTotal.WithLabelValues(category).Inc()
		t.log.Info().
			Str("category", category).
			Str("source", source).
			Int64("target_id", targetID).
			Msg("event opened")
		return
	}

	if err := open.Extend(); err != nil {
		return
	}
	if err := t.st.SaveEvent(ctx, open); err != nil {
		t.log.Error().Err(err).Int64("event_id", open.ID).Msg("event extend failed")
	}
}

// clear closes the open event for the key, if one exists.
func (t *tracker) clear(ctx context.Context, category, source string, target events.TargetType, targetID int64) {
	open, err := t.find(ctx, category, source, target, targetID)
	if err != nil {
		t.log.Error().Err(err).Str("category", category).Msg("event lookup failed")
		return
	}
	if open == nil {
		return
	}
	open.Close(time.Time{})
	if err := t.st.SaveEvent(ctx, open); err != nil {
		t.log.Error().Err(err).Int64("event_id", open.ID).Msg("event close failed")
	}
}

func (t *tracker) find(ctx context.Context, category, source string, target events.TargetType, targetID int64) (*events.Event, error) {
	rows, err := t.st.ListEvents(ctx, events.Filter{
		Category:   &category,
		Source:     &source,
		TargetType: &target,
		TargetID:   &targetID,
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}
