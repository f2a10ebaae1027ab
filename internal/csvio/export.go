package csvio

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/openbem/bem-engine/internal/store"
)

// Export writes the raw points of ids with start <= timestamp < end, one
// column per requested id in input order. Ids without data still get
// their (empty) column.
func Export(ctx context.Context, st *store.Store, w io.Writer, ids []int64, start, end time.Time) error {
	rows, err := st.QueryRange(ctx, ids, start, end)
	if err != nil {
		return &IOError{Cause: CauseStorage, Err: err}
	}
	return writeRows(w, ids, rows)
}

// ExportBucket writes per-bucket aggregates in the same wire format, the
// bucket start standing in for the timestamp.
func ExportBucket(ctx context.Context, st *store.Store, w io.Writer, ids []int64, start, end time.Time, width store.Width, tz *time.Location, agg string) error {
	rows, err := st.QueryBucket(ctx, ids, start, end, width, tz, agg)
	if err != nil {
		return &IOError{Cause: CauseStorage, Err: err}
	}
	return writeRows(w, ids, rows)
}

// writeRows pivots (timestamp, id, value) rows, already ordered by
// timestamp, into one CSV line per instant.
func writeRows(w io.Writer, ids []int64, rows []store.PointRow) error {
	cw := csv.NewWriter(w)

	header := make([]string, 0, len(ids)+1)
	header = append(header, "Datetime")
	for _, id := range ids {
		header = append(header, strconv.FormatInt(id, 10))
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	col := make(map[int64]int, len(ids))
	for i, id := range ids {
		col[id] = i + 1
	}

	var cur []string
	var curStamp int64
	for _, r := range rows {
		us := r.Timestamp.UnixMicro()
		if cur == nil || us != curStamp {
			if cur != nil {
				if err := cw.Write(cur); err != nil {
					return err
				}
			}
			cur = make([]string, len(ids)+1)
			cur[0] = formatStamp(r.Timestamp)
			curStamp = us
		}
		if i, ok := col[r.TimeseriesID]; ok {
			cur[i] = formatValue(r.Value)
		}
	}
	if cur != nil {
		if err := cw.Write(cur); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
