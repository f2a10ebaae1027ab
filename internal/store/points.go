package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PointRow is one stored observation.
type PointRow struct {
	Timestamp    time.Time
	TimeseriesID int64
	Value        float64
}

// InsertPoint stores one observation. The (timeseries_id, timestamp) key
// is first-write-wins: a duplicate insert succeeds without changing the
// stored value.
func (s *Store) InsertPoint(ctx context.Context, timeseriesID int64, ts time.Time, value float64) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO timeseries_data (timeseries_id, timestamp, value)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, timeseriesID, ts.UTC(), value)
	return mapError(err)
}

// insertChunk keeps each multi-row statement well under the 65535
// parameter limit (3 params per row).
const insertChunk = 5000

// InsertPoints bulk-inserts rows as multi-row statements with
// on-conflict-ignore. The batch is atomic: any failure rolls back every
// chunk. Returns the number of rows actually stored (duplicates excluded).
func (s *Store) InsertPoints(ctx context.Context, rows []PointRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, mapError(err)
	}
	defer tx.Rollback(ctx)

	var stored int64
	for off := 0; off < len(rows); off += insertChunk {
		chunk := rows[off:min(off+insertChunk, len(rows))]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO timeseries_data (timeseries_id, timestamp, value) VALUES `)
		args := make([]any, 0, len(chunk)*3)
		for i, r := range chunk {
			if i > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "($%d,$%d,$%d)", i*3+1, i*3+2, i*3+3)
			args = append(args, r.TimeseriesID, r.Timestamp.UTC(), r.Value)
		}
		sb.WriteString(` ON CONFLICT DO NOTHING`)

		tag, err := tx.Exec(ctx, sb.String(), args...)
		if err != nil {
			return 0, mapError(err)
		}
		stored += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, mapError(err)
	}
	return stored, nil
}

// QueryRange returns all points for the given timeseries with
// start <= timestamp < end, ordered by timestamp then timeseries id.
// Timestamps come back in UTC.
func (s *Store) QueryRange(ctx context.Context, timeseriesIDs []int64, start, end time.Time) ([]PointRow, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT timestamp, timeseries_id, value
		FROM timeseries_data
		WHERE timeseries_id = ANY($1)
		  AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp, timeseries_id
	`, timeseriesIDs, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PointRow
	for rows.Next() {
		var r PointRow
		if err := rows.Scan(&r.Timestamp, &r.TimeseriesID, &r.Value); err != nil {
			return nil, err
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
