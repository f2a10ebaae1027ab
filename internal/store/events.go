package store

import (
	"context"

	"github.com/openbem/bem-engine/internal/events"
)

const eventColumns = `id, category, level, state, source, target_type, target_id, timestamp_start, timestamp_end, timestamp_last_update, description`

// SaveEvent inserts the event on first save and updates the mutable
// fields afterwards. The ID is assigned on insert.
func (s *Store) SaveEvent(ctx context.Context, e *events.Event) error {
	if e.ID == 0 {
		err := s.Pool.QueryRow(ctx, `
			INSERT INTO events (category, level, state, source, target_type, target_id, timestamp_start, timestamp_end, timestamp_last_update, description)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`, e.Category, string(e.Level), string(e.State), e.Source, string(e.TargetType),
			e.TargetID, e.TimestampStart, e.TimestampEnd, e.TimestampLastUpdate, e.Description).Scan(&e.ID)
		return mapError(err)
	}

	tag, err := s.Pool.Exec(ctx, `
		UPDATE events
		SET state = $2, timestamp_end = $3, timestamp_last_update = $4, description = $5
		WHERE id = $1
	`, e.ID, string(e.State), e.TimestampEnd, e.TimestampLastUpdate, e.Description)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEvent(row interface{ Scan(...any) error }) (*events.Event, error) {
	var e events.Event
	var level, state, target string
	err := row.Scan(&e.ID, &e.Category, &level, &state, &e.Source, &target,
		&e.TargetID, &e.TimestampStart, &e.TimestampEnd, &e.TimestampLastUpdate, &e.Description)
	if err != nil {
		return nil, err
	}
	e.Level = events.Level(level)
	e.State = events.State(state)
	e.TargetType = events.TargetType(target)
	e.TimestampStart = e.TimestampStart.UTC()
	e.TimestampLastUpdate = e.TimestampLastUpdate.UTC()
	if e.TimestampEnd != nil {
		utc := e.TimestampEnd.UTC()
		e.TimestampEnd = &utc
	}
	return &e, nil
}

func (s *Store) GetEvent(ctx context.Context, id int64) (*events.Event, error) {
	e, err := scanEvent(s.Pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return e, nil
}

// ListEvents returns events matching the OR of the filter states and the
// AND of the remaining non-nil filters. An empty state list means open
// events (NEW and ONGOING).
func (s *Store) ListEvents(ctx context.Context, f events.Filter) ([]*events.Event, error) {
	states := f.States
	if len(states) == 0 {
		states = []events.State{events.StateNew, events.StateOngoing}
	}
	stateStrs := make([]string, len(states))
	for i, st := range states {
		stateStrs[i] = string(st)
	}

	qb := newQueryBuilder()
	qb.Add("state = ANY(%s)", stateStrs)
	if f.Category != nil {
		qb.Add("category = %s", *f.Category)
	}
	if f.Source != nil {
		qb.Add("source = %s", *f.Source)
	}
	if f.Level != nil {
		qb.Add("level = %s", string(*f.Level))
	}
	if f.TargetType != nil {
		qb.Add("target_type = %s", string(*f.TargetType))
	}
	if f.TargetID != nil {
		qb.Add("target_id = %s", *f.TargetID)
	}

	rows, err := s.Pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events`+qb.WhereClause()+` ORDER BY id`, qb.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
