package store

import (
	"testing"
	"time"
)

func TestParseWidth(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want Width
	}{
		{"postgres_day", "1 day", Width{Days: 1}},
		{"postgres_days", "2 days", Width{Days: 2}},
		{"postgres_hours", "2 hours", Width{Duration: 2 * time.Hour}},
		{"postgres_minutes", "30 minutes", Width{Duration: 30 * time.Minute}},
		{"postgres_week", "1 week", Width{Days: 7}},
		{"postgres_month", "1 month", Width{Months: 1}},
		{"postgres_year", "1 year", Width{Months: 12}},
		{"iso_day", "P1D", Width{Days: 1}},
		{"iso_half_hour", "PT30M", Width{Duration: 30 * time.Minute}},
		{"iso_month", "P1M", Width{Months: 1}},
		{"iso_week", "P2W", Width{Days: 14}},
		{"go_duration", "1h30m", Width{Duration: 90 * time.Minute}},
		{"go_seconds", "15s", Width{Duration: 15 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWidth(tt.expr)
			if err != nil {
				t.Fatalf("ParseWidth(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("ParseWidth(%q) = %+v, want %+v", tt.expr, got, tt.want)
			}
		})
	}

	t.Run("rejects", func(t *testing.T) {
		for _, expr := range []string{
			"",
			"  ",
			"0 days",
			"1 day 2 hours", // calendar and clock mixed
			"P1DT2H",
			"five days",
			"1 fortnight",
			"P",
			"PT",
			"-1h",
		} {
			if _, err := ParseWidth(expr); err == nil {
				t.Errorf("ParseWidth(%q) succeeded, want error", expr)
			}
		}
	})
}

func TestBucketStart(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}

	tests := []struct {
		name  string
		ts    time.Time
		width Width
		tz    *time.Location
		want  time.Time
	}{
		{
			"hour_utc",
			time.Date(2020, 1, 1, 10, 30, 0, 0, time.UTC),
			Width{Duration: time.Hour}, time.UTC,
			time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			"day_utc",
			time.Date(2020, 1, 2, 23, 59, 59, 0, time.UTC),
			Width{Days: 1}, time.UTC,
			time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			"two_day_grid_anchored_monday",
			time.Date(2020, 1, 1, 5, 0, 0, 0, time.UTC),
			Width{Days: 2}, time.UTC,
			time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			"month_utc",
			time.Date(2020, 5, 15, 12, 0, 0, 0, time.UTC),
			Width{Months: 1}, time.UTC,
			time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			"quarter_utc",
			time.Date(2020, 5, 15, 12, 0, 0, 0, time.UTC),
			Width{Months: 3}, time.UTC,
			time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			"day_in_paris_is_local_midnight",
			time.Date(2020, 1, 1, 22, 0, 0, 0, time.UTC),
			Width{Days: 1}, paris,
			time.Date(2019, 12, 31, 23, 0, 0, 0, time.UTC),
		},
		{
			"day_in_paris_before_dst_switch",
			time.Date(2020, 3, 29, 12, 0, 0, 0, time.UTC),
			Width{Days: 1}, paris,
			time.Date(2020, 3, 28, 23, 0, 0, 0, time.UTC),
		},
		{
			"day_in_paris_after_dst_switch",
			time.Date(2020, 3, 30, 12, 0, 0, 0, time.UTC),
			Width{Days: 1}, paris,
			time.Date(2020, 3, 29, 22, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bucketStart(tt.ts, tt.width, tt.tz)
			if !got.Equal(tt.want) {
				t.Errorf("bucketStart = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("point_lands_in_its_bucket", func(t *testing.T) {
		w := Width{Duration: 45 * time.Minute}
		ts := time.Date(2021, 7, 14, 9, 50, 0, 0, time.UTC)
		b := bucketStart(ts, w, time.UTC)
		if ts.Before(b) || !ts.Before(b.Add(w.Duration)) {
			t.Errorf("ts %v outside bucket [%v, %v)", ts, b, b.Add(w.Duration))
		}
	})
}
