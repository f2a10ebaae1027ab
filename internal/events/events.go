// Package events implements the lifecycle of operational anomaly records.
// An event is opened NEW, moves to ONGOING as the anomaly is observed again,
// and is CLOSED once. Persistence lives in the store package; this package
// owns the state machine itself.
package events

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned when a closed event is extended.
var ErrClosed = errors.New("event is closed")

// State is an event lifecycle state.
type State string

const (
	StateNew     State = "NEW"
	StateOngoing State = "ONGOING"
	StateClosed  State = "CLOSED"
)

// Level is an event severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// TargetType names the kind of entity an event is about.
type TargetType string

const (
	TargetTimeseries TargetType = "TIMESERIES"
	TargetSite       TargetType = "SITE"
	TargetBuilding   TargetType = "BUILDING"
	TargetFloor      TargetType = "FLOOR"
	TargetSpace      TargetType = "SPACE"
	TargetSensor     TargetType = "SENSOR"
)

// Seed categories. The category table is extensible at runtime; the engine
// itself only ever opens events in these.
const (
	CategoryAbnormalTimestamps          = "ABNORMAL_TIMESTAMPS"
	CategoryObservationMissing          = "observation_missing"
	CategoryObservationIntervalTooLarge = "observation_interval_too_large"
	CategoryObservationIntervalTooShort = "observation_interval_too_short"
	CategoryReceptionIntervalTooLarge   = "reception_interval_too_large"
	CategoryReceptionIntervalTooShort   = "reception_interval_too_short"
	CategoryAbnormalMeasureValues       = "ABNORMAL_MEASURE_VALUES"
	CategoryOutOfRange                  = "out_of_range"
)

// Event is a time-bounded anomaly record. ID is zero until first saved.
type Event struct {
	ID                  int64
	Category            string
	Level               Level
	State               State
	Source              string
	TargetType          TargetType
	TargetID            int64
	TimestampStart      time.Time
	TimestampEnd        *time.Time
	TimestampLastUpdate time.Time
	Description         string
}

// Option customizes Open.
type Option func(*Event)

// WithLevel overrides the default ERROR level.
func WithLevel(l Level) Option {
	return func(e *Event) { e.Level = l }
}

// WithStart backdates the event start.
func WithStart(ts time.Time) Option {
	return func(e *Event) { e.TimestampStart = ts.UTC() }
}

// WithDescription attaches a free-text description.
func WithDescription(d string) Option {
	return func(e *Event) { e.Description = d }
}

// Open creates a NEW event. The start timestamp defaults to now; with a
// default start, duration is exactly zero until the first Extend.
func Open(category, source string, target TargetType, targetID int64, opts ...Option) *Event {
	now := time.Now().UTC()
	e := &Event{
		Category:            category,
		Level:               LevelError,
		State:               StateNew,
		Source:              source,
		TargetType:          target,
		TargetID:            targetID,
		TimestampStart:      now,
		TimestampLastUpdate: now,
	}
	for _, opt := range opts {
		opt(e)
	}
	// A backdated start must not yield a negative duration.
	if e.TimestampLastUpdate.Before(e.TimestampStart) {
		e.TimestampLastUpdate = e.TimestampStart
	}
	return e
}

// Extend marks the anomaly as still observed: NEW becomes ONGOING, ONGOING
// stays ONGOING, and the last-update timestamp advances. Extending a CLOSED
// event fails with ErrClosed.
func (e *Event) Extend() error {
	if e.State == StateClosed {
		return fmt.Errorf("extend event %d: %w", e.ID, ErrClosed)
	}
	e.State = StateOngoing
	e.TimestampLastUpdate = time.Now().UTC()
	return nil
}

// Close ends the event. A zero end timestamp means now. Closing an already
// closed event is a no-op.
func (e *Event) Close(end time.Time) {
	if e.State == StateClosed {
		return
	}
	if end.IsZero() {
		end = time.Now().UTC()
	} else {
		end = end.UTC()
	}
	e.State = StateClosed
	e.TimestampEnd = &end
	e.TimestampLastUpdate = end
}

// Duration is timestamp_end - timestamp_start once closed, otherwise
// timestamp_last_update - timestamp_start.
func (e *Event) Duration() time.Duration {
	if e.State == StateClosed && e.TimestampEnd != nil {
		return e.TimestampEnd.Sub(e.TimestampStart)
	}
	return e.TimestampLastUpdate.Sub(e.TimestampStart)
}

// Filter selects events for listing: any of States (empty means NEW and
// ONGOING), and all of the non-nil field filters.
type Filter struct {
	States     []State
	Category   *string
	Source     *string
	Level      *Level
	TargetType *TargetType
	TargetID   *int64
}

// ParseState validates a state string from the wire.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateNew, StateOngoing, StateClosed:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown event state %q", s)
}
