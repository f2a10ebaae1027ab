package archive_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/archive"
	"github.com/openbem/bem-engine/internal/config"
	"github.com/openbem/bem-engine/internal/store"
	"github.com/openbem/bem-engine/internal/testdb"
)

func TestExporter(t *testing.T) {
	s := testdb.New(t)
	ctx := context.Background()

	meter, err := s.CreateTimeseries(ctx, store.Timeseries{Name: "meter"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	idle, err := s.CreateTimeseries(ctx, store.Timeseries{Name: "idle"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := make([]store.PointRow, 24)
	for i := range batch {
		batch[i] = store.PointRow{
			Timestamp:    day.Add(time.Duration(i) * time.Hour),
			TimeseriesID: meter.ID,
			Value:        float64(i),
		}
	}
	if _, err := s.InsertPoints(ctx, batch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dir := t.TempDir()
	cfg := config.Archive{
		Backend:     "local",
		Dirpath:     dir,
		BucketWidth: "1 hour",
		Aggregation: "avg",
		Timezone:    "UTC",
	}
	dst, err := archive.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	exp, err := archive.NewExporter(s, dst, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}

	meterPath := filepath.Join(dir, "timeseries", fmt.Sprint(meter.ID), "2020-01-01.csv")

	t.Run("archives_each_series_with_data", func(t *testing.T) {
		// A mid-day instant selects the whole calendar day.
		n, err := exp.ExportDay(ctx, day.Add(13*time.Hour))
		if err != nil {
			t.Fatalf("export day: %v", err)
		}
		if n != 1 {
			t.Errorf("archived = %d, want 1", n)
		}

		data, err := os.ReadFile(meterPath)
		if err != nil {
			t.Fatalf("read archive: %v", err)
		}
		var want strings.Builder
		fmt.Fprintf(&want, "Datetime,%d\n", meter.ID)
		for i := 0; i < 24; i++ {
			fmt.Fprintf(&want, "2020-01-01T%02d:00:00+0000,%d.0\n", i, i)
		}
		if string(data) != want.String() {
			t.Errorf("archive:\n%s\nwant:\n%s", data, want.String())
		}
	})

	t.Run("series_without_points_are_skipped", func(t *testing.T) {
		idlePath := filepath.Join(dir, "timeseries", fmt.Sprint(idle.ID), "2020-01-01.csv")
		if _, err := os.Stat(idlePath); !os.IsNotExist(err) {
			t.Errorf("empty series archived at %s", idlePath)
		}
	})

	t.Run("rerun_skips_archived_days", func(t *testing.T) {
		if err := os.WriteFile(meterPath, []byte("sentinel"), 0o644); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		n, err := exp.ExportDay(ctx, day)
		if err != nil {
			t.Fatalf("export day: %v", err)
		}
		if n != 0 {
			t.Errorf("archived = %d, want 0", n)
		}
		data, _ := os.ReadFile(meterPath)
		if string(data) != "sentinel" {
			t.Error("re-run overwrote an archived day")
		}
	})

	t.Run("bad_config_fails_at_construction", func(t *testing.T) {
		tests := []struct {
			name string
			cfg  config.Archive
		}{
			{"bad_width", config.Archive{BucketWidth: "fortnight", Aggregation: "avg", Timezone: "UTC"}},
			{"bad_aggregation", config.Archive{BucketWidth: "1 hour", Aggregation: "median", Timezone: "UTC"}},
			{"bad_timezone", config.Archive{BucketWidth: "1 hour", Aggregation: "avg", Timezone: "Mars/Olympus"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := archive.NewExporter(s, dst, tt.cfg, zerolog.Nop()); err == nil {
					t.Error("err = nil, want config error")
				}
			})
		}
	})

	t.Run("start_stop_cleanly", func(t *testing.T) {
		exp.Start()
		exp.Stop()
	})
}
