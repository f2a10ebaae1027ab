package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Width is a bucket width: a calendar span (months or days) or a clock
// duration. Calendar spans follow the local calendar of the query
// timezone, so a 1-day bucket stays aligned to local midnight across DST.
// Exactly one of the three parts is set.
type Width struct {
	Months   int
	Days     int
	Duration time.Duration
}

func (w Width) IsZero() bool {
	return w.Months == 0 && w.Days == 0 && w.Duration == 0
}

// interval renders the width as a PostgreSQL interval literal.
func (w Width) interval() string {
	switch {
	case w.Months > 0:
		return fmt.Sprintf("%d months", w.Months)
	case w.Days > 0:
		return fmt.Sprintf("%d days", w.Days)
	default:
		return fmt.Sprintf("%d microseconds", w.Duration.Microseconds())
	}
}

func (w Width) String() string {
	if w.Duration > 0 {
		return w.Duration.String()
	}
	return w.interval()
}

// ParseWidth accepts PostgreSQL interval expressions ("1 day", "2 hours"),
// ISO-8601 durations ("P1D", "PT30M") and Go durations ("1h30m").
// Widths mixing calendar and clock units are rejected.
func ParseWidth(expr string) (Width, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return Width{}, fmt.Errorf("empty bucket width")
	}

	var w Width
	var err error
	switch {
	case trimmed[0] == 'P' || trimmed[0] == 'p':
		w, err = parseISOWidth(trimmed)
	case strings.ContainsRune(trimmed, ' '):
		w, err = parsePostgresWidth(trimmed)
	default:
		var d time.Duration
		d, err = time.ParseDuration(trimmed)
		w = Width{Duration: d}
	}
	if err != nil {
		return Width{}, fmt.Errorf("bucket width %q: %w", expr, err)
	}

	set := 0
	for _, v := range []bool{w.Months > 0, w.Days > 0, w.Duration > 0} {
		if v {
			set++
		}
	}
	if set == 0 {
		return Width{}, fmt.Errorf("bucket width %q: zero width", expr)
	}
	if set > 1 {
		return Width{}, fmt.Errorf("bucket width %q: mixes calendar and clock units", expr)
	}
	if w.Months < 0 || w.Days < 0 || w.Duration < 0 {
		return Width{}, fmt.Errorf("bucket width %q: negative width", expr)
	}
	return w, nil
}

func parsePostgresWidth(expr string) (Width, error) {
	fields := strings.Fields(expr)
	if len(fields)%2 != 0 {
		return Width{}, fmt.Errorf("want \"<n> <unit>\" pairs")
	}

	var w Width
	for i := 0; i < len(fields); i += 2 {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return Width{}, fmt.Errorf("bad count %q", fields[i])
		}
		unit := strings.ToLower(fields[i+1])
		if unit != "ms" && unit != "s" {
			unit = strings.TrimSuffix(unit, "s")
		}
		switch unit {
		case "year", "yr", "y":
			w.Months += 12 * n
		case "month", "mon":
			w.Months += n
		case "week", "w":
			w.Days += 7 * n
		case "day", "d":
			w.Days += n
		case "hour", "hr", "h":
			w.Duration += time.Duration(n) * time.Hour
		case "minute", "min", "m":
			w.Duration += time.Duration(n) * time.Minute
		case "second", "sec", "s":
			w.Duration += time.Duration(n) * time.Second
		case "millisecond", "ms":
			w.Duration += time.Duration(n) * time.Millisecond
		default:
			return Width{}, fmt.Errorf("unknown unit %q", fields[i+1])
		}
	}
	return w, nil
}

func parseISOWidth(expr string) (Width, error) {
	var w Width
	inTime := false
	num := 0
	haveNum := false

	for _, r := range expr[1:] {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			haveNum = true
		case r == 'T' || r == 't':
			if inTime {
				return Width{}, fmt.Errorf("duplicate T designator")
			}
			inTime = true
		default:
			if !haveNum {
				return Width{}, fmt.Errorf("designator %q without count", string(r))
			}
			switch {
			case (r == 'Y' || r == 'y') && !inTime:
				w.Months += 12 * num
			case (r == 'M' || r == 'm') && !inTime:
				w.Months += num
			case (r == 'W' || r == 'w') && !inTime:
				w.Days += 7 * num
			case (r == 'D' || r == 'd') && !inTime:
				w.Days += num
			case (r == 'H' || r == 'h') && inTime:
				w.Duration += time.Duration(num) * time.Hour
			case (r == 'M' || r == 'm') && inTime:
				w.Duration += time.Duration(num) * time.Minute
			case (r == 'S' || r == 's') && inTime:
				w.Duration += time.Duration(num) * time.Second
			default:
				return Width{}, fmt.Errorf("unknown designator %q", string(r))
			}
			num = 0
			haveNum = false
		}
	}
	if haveNum {
		return Width{}, fmt.Errorf("trailing count without designator")
	}
	return w, nil
}

// aggregations allowlists the SQL aggregate functions QueryBucket accepts.
var aggregations = map[string]bool{
	"avg":   true,
	"min":   true,
	"max":   true,
	"sum":   true,
	"count": true,
}

// ValidAggregation reports whether QueryBucket accepts agg.
func ValidAggregation(agg string) bool {
	return aggregations[agg]
}

// QueryBucket groups points into [bucket, bucket+width) intervals computed
// in tz and aggregates values per (bucket, timeseries). Bucket starts come
// back in UTC, ordered by bucket then timeseries id. With TimescaleDB the
// grouping runs in SQL; otherwise the engine aggregates a streamed scan
// with the same output contract.
func (s *Store) QueryBucket(ctx context.Context, timeseriesIDs []int64, start, end time.Time, width Width, tz *time.Location, agg string) ([]PointRow, error) {
	if width.IsZero() {
		return nil, fmt.Errorf("zero bucket width")
	}
	if !aggregations[agg] {
		return nil, fmt.Errorf("unknown aggregation %q", agg)
	}
	if tz == nil {
		tz = time.UTC
	}

	if !s.hypertable {
		return s.queryBucketEngine(ctx, timeseriesIDs, start, end, width, tz, agg)
	}

	query := fmt.Sprintf(`
		SELECT time_bucket($1::interval, timestamp, $2::text) AS bucket, timeseries_id, %s(value)::double precision
		FROM timeseries_data
		WHERE timeseries_id = ANY($3)
		  AND timestamp >= $4 AND timestamp < $5
		GROUP BY bucket, timeseries_id
		ORDER BY bucket, timeseries_id
	`, agg)

	rows, err := s.Pool.Query(ctx, query, width.interval(), tz.String(), timeseriesIDs, start.UTC(), end.UTC())
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

type bucketKey struct {
	bucket int64
	id     int64
}

type bucketAcc struct {
	sum, min, max float64
	count         int64
}

func (s *Store) queryBucketEngine(ctx context.Context, timeseriesIDs []int64, start, end time.Time, width Width, tz *time.Location, agg string) ([]PointRow, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT timestamp, timeseries_id, value
		FROM timeseries_data
		WHERE timeseries_id = ANY($1)
		  AND timestamp >= $2 AND timestamp < $3
	`, timeseriesIDs, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accs := make(map[bucketKey]*bucketAcc)
	for rows.Next() {
		var ts time.Time
		var id int64
		var v float64
		if err := rows.Scan(&ts, &id, &v); err != nil {
			return nil, err
		}

		k := bucketKey{bucket: bucketStart(ts, width, tz).UnixMicro(), id: id}
		a, ok := accs[k]
		if !ok {
			a = &bucketAcc{min: v, max: v}
			accs[k] = a
		} else {
			if v < a.min {
				a.min = v
			}
			if v > a.max {
				a.max = v
			}
		}
		a.sum += v
		a.count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keys := make([]bucketKey, 0, len(accs))
	for k := range accs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].bucket != keys[j].bucket {
			return keys[i].bucket < keys[j].bucket
		}
		return keys[i].id < keys[j].id
	})

	out := make([]PointRow, 0, len(keys))
	for _, k := range keys {
		a := accs[k]
		var v float64
		switch agg {
		case "avg":
			v = a.sum / float64(a.count)
		case "min":
			v = a.min
		case "max":
			v = a.max
		case "sum":
			v = a.sum
		case "count":
			v = float64(a.count)
		}
		out = append(out, PointRow{
			Timestamp:    time.UnixMicro(k.bucket).UTC(),
			TimeseriesID: k.id,
			Value:        v,
		})
	}
	return out, nil
}

// bucketStart floors ts onto the bucket grid in tz and returns the bucket
// start in UTC. Grids align with time_bucket: month widths from 2000-01-01,
// day widths from 2000-01-03, clock widths on the local wall clock.
func bucketStart(ts time.Time, width Width, tz *time.Location) time.Time {
	lt := ts.In(tz)

	switch {
	case width.Months > 0:
		m := (lt.Year()-2000)*12 + int(lt.Month()) - 1
		m = floorDiv(m, width.Months) * width.Months
		return time.Date(2000+floorDiv(m, 12), time.Month(floorMod(m, 12)+1), 1, 0, 0, 0, 0, tz).UTC()

	case width.Days > 0:
		d := civilDays(lt) - civilDays(time.Date(2000, 1, 3, 0, 0, 0, 0, tz))
		d = floorDiv(d, width.Days) * width.Days
		return time.Date(2000, 1, 3, 0, 0, 0, 0, tz).AddDate(0, 0, d).UTC()

	default:
		wall := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), lt.Minute(), lt.Second(), lt.Nanosecond(), time.UTC)
		floored := wall.Truncate(width.Duration)
		return time.Date(floored.Year(), floored.Month(), floored.Day(), floored.Hour(), floored.Minute(), floored.Second(), floored.Nanosecond(), tz).UTC()
	}
}

// civilDays counts calendar days since the Unix epoch in the date's own
// calendar, ignoring the clock.
func civilDays(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}
