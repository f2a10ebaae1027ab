package events

import (
	"errors"
	"testing"
	"time"
)

func TestEventLifecycle(t *testing.T) {
	t.Run("open_is_new_with_zero_duration", func(t *testing.T) {
		e := Open(CategoryObservationMissing, "src", TargetTimeseries, 42)

		if e.State != StateNew {
			t.Fatalf("state = %s, want NEW", e.State)
		}
		if e.Level != LevelError {
			t.Errorf("level = %s, want ERROR", e.Level)
		}
		if e.Duration() != 0 {
			t.Errorf("duration = %v, want 0", e.Duration())
		}
		if e.TimestampEnd != nil {
			t.Error("timestamp_end set on open")
		}
	})

	t.Run("extend_moves_to_ongoing", func(t *testing.T) {
		e := Open(CategoryObservationMissing, "src", TargetTimeseries, 42)
		time.Sleep(time.Millisecond)

		if err := e.Extend(); err != nil {
			t.Fatalf("extend: %v", err)
		}
		if e.State != StateOngoing {
			t.Fatalf("state = %s, want ONGOING", e.State)
		}
		if e.Duration() <= 0 {
			t.Errorf("duration = %v, want > 0", e.Duration())
		}

		// Extending again stays ONGOING and keeps advancing.
		first := e.TimestampLastUpdate
		time.Sleep(time.Millisecond)
		if err := e.Extend(); err != nil {
			t.Fatalf("second extend: %v", err)
		}
		if e.State != StateOngoing {
			t.Fatalf("state = %s, want ONGOING", e.State)
		}
		if !e.TimestampLastUpdate.After(first) {
			t.Error("timestamp_last_update did not advance")
		}
	})

	t.Run("close_sets_end_and_last_update", func(t *testing.T) {
		e := Open(CategoryObservationMissing, "src", TargetTimeseries, 42)
		if err := e.Extend(); err != nil {
			t.Fatalf("extend: %v", err)
		}

		e.Close(time.Time{})
		if e.State != StateClosed {
			t.Fatalf("state = %s, want CLOSED", e.State)
		}
		if e.TimestampEnd == nil {
			t.Fatal("timestamp_end not set")
		}
		if !e.TimestampLastUpdate.Equal(*e.TimestampEnd) {
			t.Errorf("timestamp_last_update = %v, want %v", e.TimestampLastUpdate, *e.TimestampEnd)
		}
		if e.Duration() < 0 {
			t.Errorf("duration = %v, want >= 0", e.Duration())
		}
	})

	t.Run("extend_after_close_fails", func(t *testing.T) {
		e := Open(CategoryObservationMissing, "src", TargetTimeseries, 42)
		e.Close(time.Time{})

		err := e.Extend()
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("extend on closed = %v, want ErrClosed", err)
		}
	})

	t.Run("close_is_idempotent", func(t *testing.T) {
		e := Open(CategoryObservationMissing, "src", TargetTimeseries, 42)
		end := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
		e.Close(end)

		// A later close with a different timestamp changes nothing.
		e.Close(end.Add(time.Hour))
		if !e.TimestampEnd.Equal(end) {
			t.Errorf("timestamp_end = %v, want %v", e.TimestampEnd, end)
		}
		if !e.TimestampLastUpdate.Equal(end) {
			t.Errorf("timestamp_last_update = %v, want %v", e.TimestampLastUpdate, end)
		}
	})

	t.Run("close_with_explicit_end", func(t *testing.T) {
		start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		end := start.Add(2 * time.Hour)

		e := Open(CategoryOutOfRange, "src", TargetSensor, 7, WithStart(start))
		e.Close(end)

		if got := e.Duration(); got != 2*time.Hour {
			t.Errorf("duration = %v, want 2h", got)
		}
	})

	t.Run("open_options", func(t *testing.T) {
		start := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
		e := Open(CategoryOutOfRange, "acq", TargetSensor, 9,
			WithLevel(LevelWarning), WithStart(start), WithDescription("probe"))

		if e.Level != LevelWarning {
			t.Errorf("level = %s, want WARNING", e.Level)
		}
		if !e.TimestampStart.Equal(start) {
			t.Errorf("timestamp_start = %v, want %v", e.TimestampStart, start)
		}
		if e.Description != "probe" {
			t.Errorf("description = %q", e.Description)
		}
		if e.Duration() < 0 {
			t.Errorf("duration = %v, want >= 0 with backdated start", e.Duration())
		}
	})
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in      string
		want    State
		wantErr bool
	}{
		{"NEW", StateNew, false},
		{"ONGOING", StateOngoing, false},
		{"CLOSED", StateClosed, false},
		{"new", "", true},
		{"", "", true},
		{"DONE", "", true},
	}

	for _, tt := range tests {
		got, err := ParseState(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseState(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseState(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
