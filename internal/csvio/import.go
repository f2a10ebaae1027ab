package csvio

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/openbem/bem-engine/internal/store"
)

// Import reads a timeseries CSV from r and stores every cell. The header
// must be "Datetime,<id>,<id>,…" with all ids resolving to existing
// timeseries; each record needs one ISO-8601 instant plus one float cell
// per id. Empty cells are gaps and store nothing. The whole file is
// committed as one batch: any failure stores nothing.
func Import(ctx context.Context, st *store.Store, r io.Reader) error {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return &IOError{Cause: CauseMissingHeader, Err: fmt.Errorf("empty input")}
	}
	first := strings.TrimSpace(strings.TrimPrefix(header[0], "\ufeff"))
	if first != "Datetime" {
		return &IOError{Cause: CauseMissingHeader, Err: fmt.Errorf("first column is %q, want Datetime", header[0])}
	}

	ids := make([]int64, 0, len(header)-1)
	for _, cell := range header[1:] {
		id, err := strconv.ParseInt(strings.TrimSpace(cell), 10, 64)
		if err != nil {
			return &IOError{Cause: CauseBadHeader, Err: fmt.Errorf("column %q is not a timeseries id", cell)}
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if _, err := st.GetTimeseries(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &IOError{Cause: CauseUnknownID, Err: fmt.Errorf("timeseries %d does not exist", id)}
			}
			return &IOError{Cause: CauseStorage, Err: err}
		}
	}

	var rows []store.PointRow
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return &IOError{Cause: CauseShortRow, Line: line, Err: err}
		}

		ts, err := parseStamp(strings.TrimSpace(record[0]))
		if err != nil {
			return &IOError{Cause: CauseBadValue, Line: line, Err: err}
		}
		for i, cell := range record[1:] {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return &IOError{Cause: CauseBadValue, Line: line, Err: fmt.Errorf("timeseries %d: %w", ids[i], err)}
			}
			rows = append(rows, store.PointRow{Timestamp: ts, TimeseriesID: ids[i], Value: v})
		}
	}

	if _, err := st.InsertPoints(ctx, rows); err != nil {
		return &IOError{Cause: CauseStorage, Err: err}
	}
	return nil
}
