package csvio

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/openbem/bem-engine/internal/store"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0"},
		{10, "10.0"},
		{-3, "-3.0"},
		{0.5, "0.5"},
		{11.5, "11.5"},
		{27581, "27581.0"},
		{234.61, "234.61"},
		{math.NaN(), ""},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseStamp(t *testing.T) {
	want := time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC)

	for _, in := range []string{
		"2020-01-01T01:00:00+00:00",
		"2020-01-01T01:00:00Z",
		"2020-01-01T01:00:00+0000",
		"2020-01-01T02:00:00+01:00",
		"2020-01-01T01:00:00",
		"2020-01-01 01:00:00",
	} {
		got, err := parseStamp(in)
		if err != nil {
			t.Errorf("parseStamp(%q): %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("parseStamp(%q) = %v, want %v", in, got, want)
		}
	}

	for _, in := range []string{"", "yesterday", "01/02/2020 10:00", "2020-13-40T00:00:00Z"} {
		if _, err := parseStamp(in); err == nil {
			t.Errorf("parseStamp(%q) succeeded, want error", in)
		}
	}
}

func TestWriteRows(t *testing.T) {
	t.Run("gap_fills_columns_in_input_order", func(t *testing.T) {
		at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		rows := []store.PointRow{
			{Timestamp: at, TimeseriesID: 7, Value: 1},
			{Timestamp: at, TimeseriesID: 9, Value: 3},
			{Timestamp: at.Add(time.Hour), TimeseriesID: 9, Value: 4},
		}

		var sb strings.Builder
		if err := writeRows(&sb, []int64{7, 8, 9}, rows); err != nil {
			t.Fatalf("writeRows: %v", err)
		}

		want := "Datetime,7,8,9\n" +
			"2020-01-01T00:00:00+0000,1.0,,3.0\n" +
			"2020-01-01T01:00:00+0000,,,4.0\n"
		if sb.String() != want {
			t.Errorf("output:\n%s\nwant:\n%s", sb.String(), want)
		}
	})

	t.Run("no_rows_emits_header_only", func(t *testing.T) {
		var sb strings.Builder
		if err := writeRows(&sb, []int64{1}, nil); err != nil {
			t.Fatalf("writeRows: %v", err)
		}
		if sb.String() != "Datetime,1\n" {
			t.Errorf("output = %q", sb.String())
		}
	})
}
