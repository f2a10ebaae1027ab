package archive_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/archive"
	"github.com/openbem/bem-engine/internal/store"
	"github.com/openbem/bem-engine/internal/testdb"
)

func TestWatcher(t *testing.T) {
	s := testdb.New(t)
	ctx := context.Background()

	meter, err := s.CreateTimeseries(ctx, store.Timeseries{Name: "meter"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	dir := t.TempDir()

	// Dropped before the watcher starts: only backfill can pick it up.
	backfill := fmt.Sprintf("Datetime,%d\n2022-03-01T00:00:00+00:00,1\n", meter.ID)
	if err := os.WriteFile(filepath.Join(dir, "backfill.csv"), []byte(backfill), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := archive.NewWatcher(s, dir, zerolog.Nop())
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	day := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	points := func() []store.PointRow {
		t.Helper()
		rows, err := s.QueryRange(ctx, []int64{meter.ID}, day, day.AddDate(0, 0, 1))
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		return rows
	}

	t.Run("backfills_files_present_at_startup", func(t *testing.T) {
		waitFor(t, 5*time.Second, func() bool {
			_, err := os.Stat(filepath.Join(dir, "processed", "backfill.csv"))
			return err == nil
		})
		if rows := points(); len(rows) != 1 || rows[0].Value != 1 {
			t.Errorf("rows = %+v, want the backfilled point", rows)
		}
	})

	t.Run("imports_dropped_files", func(t *testing.T) {
		drop := fmt.Sprintf("Datetime,%d\n2022-03-01T01:00:00+00:00,2\n", meter.ID)
		if err := os.WriteFile(filepath.Join(dir, "drop.csv"), []byte(drop), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		waitFor(t, 5*time.Second, func() bool {
			_, err := os.Stat(filepath.Join(dir, "processed", "drop.csv"))
			return err == nil
		})
		if rows := points(); len(rows) != 2 {
			t.Errorf("rows = %+v, want 2 points", rows)
		}
	})

	t.Run("rejected_files_move_to_failed", func(t *testing.T) {
		bad := "Datetime,9999\n2022-03-01T02:00:00+00:00,3\n"
		if err := os.WriteFile(filepath.Join(dir, "bad.csv"), []byte(bad), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		waitFor(t, 5*time.Second, func() bool {
			_, err := os.Stat(filepath.Join(dir, "failed", "bad.csv"))
			return err == nil
		})
		if rows := points(); len(rows) != 2 {
			t.Errorf("rows = %+v, want the rejected file stored nothing", rows)
		}
	})

	t.Run("non_csv_files_stay_put", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("scratch"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		sentinel := fmt.Sprintf("Datetime,%d\n2022-03-01T03:00:00+00:00,4\n", meter.ID)
		if err := os.WriteFile(filepath.Join(dir, "sentinel.csv"), []byte(sentinel), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		waitFor(t, 5*time.Second, func() bool {
			_, err := os.Stat(filepath.Join(dir, "processed", "sentinel.csv"))
			return err == nil
		})
		if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
			t.Errorf("notes.txt was touched: %v", err)
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
