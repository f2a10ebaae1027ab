// Package csvio implements the timeseries CSV wire format: multi-column
// import with first-write-wins storage, and raw or bucket-aggregated
// export with gap filling. Column 0 is always "Datetime"; the remaining
// header cells are numeric timeseries ids.
package csvio

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Cause tags why a CSV operation failed.
type Cause string

const (
	CauseMissingHeader Cause = "missing_header"
	CauseBadHeader     Cause = "bad_header"
	CauseUnknownID     Cause = "unknown_id"
	CauseShortRow      Cause = "short_row"
	CauseBadValue      Cause = "bad_value"
	CauseStorage       Cause = "storage"
)

// IOError is any violation of the CSV contract. Line is the 1-based
// record number when the failure is row-specific, 0 otherwise.
type IOError struct {
	Cause Cause
	Line  int
	Err   error
}

func (e *IOError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("csv %s (line %d): %v", e.Cause, e.Line, e.Err)
	}
	return fmt.Sprintf("csv %s: %v", e.Cause, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// stampLayout is the exported timestamp format: UTC with a numeric
// +0000 offset.
const stampLayout = "2006-01-02T15:04:05-0700"

func formatStamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// parseStamp accepts the formats seen in the wild: RFC 3339 (with or
// without fractional seconds), the export layout, and naive instants
// which are read as UTC.
func parseStamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		stampLayout,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// formatValue renders a float cell. Integral values keep a trailing ".0"
// so 0 round-trips as "0.0".
func formatValue(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !math.IsInf(v, 0) && !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
