package store

import (
	"context"
	"fmt"
)

// Timeseries is a named measurement channel. Min and Max, when set, bound
// the plausible value range; points outside are stored but flagged.
type Timeseries struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
}

func (s *Store) CreateTimeseries(ctx context.Context, ts Timeseries) (Timeseries, error) {
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO timeseries (name, description, unit, min, max)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, ts.Name, ts.Description, ts.Unit, ts.Min, ts.Max).Scan(&ts.ID)
	if err != nil {
		return Timeseries{}, mapError(err)
	}
	return ts, nil
}

func (s *Store) GetTimeseries(ctx context.Context, id int64) (Timeseries, error) {
	var ts Timeseries
	err := s.Pool.QueryRow(ctx, `
		SELECT id, name, description, unit, min, max
		FROM timeseries
		WHERE id = $1
	`, id).Scan(&ts.ID, &ts.Name, &ts.Description, &ts.Unit, &ts.Min, &ts.Max)
	if err != nil {
		return Timeseries{}, mapError(err)
	}
	return ts, nil
}

func (s *Store) GetTimeseriesByName(ctx context.Context, name string) (Timeseries, error) {
	var ts Timeseries
	err := s.Pool.QueryRow(ctx, `
		SELECT id, name, description, unit, min, max
		FROM timeseries
		WHERE name = $1
	`, name).Scan(&ts.ID, &ts.Name, &ts.Description, &ts.Unit, &ts.Min, &ts.Max)
	if err != nil {
		return Timeseries{}, mapError(err)
	}
	return ts, nil
}

// TimeseriesFilter narrows ListTimeseries. Search matches the name,
// case-insensitive. Limit <= 0 disables paging.
type TimeseriesFilter struct {
	Search string
	Limit  int
	Offset int
}

// ListTimeseries returns matching timeseries ordered by name, with the total
// match count before paging.
func (s *Store) ListTimeseries(ctx context.Context, f TimeseriesFilter) ([]Timeseries, int, error) {
	qb := newQueryBuilder()
	if f.Search != "" {
		qb.Add("name ILIKE %s", "%"+f.Search+"%")
	}
	where := qb.WhereClause()

	var total int
	if err := s.Pool.QueryRow(ctx, "SELECT count(*) FROM timeseries"+where, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT id, name, description, unit, min, max FROM timeseries" + where + " ORDER BY name"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}
	rows, err := s.Pool.Query(ctx, query, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Timeseries
	for rows.Next() {
		var ts Timeseries
		if err := rows.Scan(&ts.ID, &ts.Name, &ts.Description, &ts.Unit, &ts.Min, &ts.Max); err != nil {
			return nil, 0, err
		}
		out = append(out, ts)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateTimeseries(ctx context.Context, ts Timeseries) (Timeseries, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE timeseries
		SET name = $2, description = $3, unit = $4, min = $5, max = $6
		WHERE id = $1
	`, ts.ID, ts.Name, ts.Description, ts.Unit, ts.Min, ts.Max)
	if err != nil {
		return Timeseries{}, mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return Timeseries{}, ErrNotFound
	}
	return ts, nil
}

// DeleteTimeseries removes a timeseries together with its stored points.
// Topic links keep it alive: deleting a linked timeseries fails with
// ErrReferenced.
func (s *Store) DeleteTimeseries(ctx context.Context, id int64) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM timeseries_data WHERE timeseries_id = $1`, id); err != nil {
		return mapError(err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM timeseries WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}
