package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/csvio"
	"github.com/openbem/bem-engine/internal/metrics"
	"github.com/openbem/bem-engine/internal/store"
)

// Watcher imports timeseries CSV files dropped into a directory. Imported
// files move to the processed/ subdirectory, rejected ones to failed/.
// Point storage is first-write-wins, so re-processing a file after a crash
// or restart is harmless.
type Watcher struct {
	st  *store.Store
	dir string
	log zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	imported atomic.Int64
	failed   atomic.Int64
}

// NewWatcher creates a drop-directory watcher. Call Start to begin.
func NewWatcher(st *store.Store, dir string, log zerolog.Logger) *Watcher {
	return &Watcher{
		st:             st,
		dir:            dir,
		log:            log.With().Str("component", "csv-watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start initializes the fsnotify watcher on the drop directory and imports
// any CSV files already sitting there, oldest first.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.watchLoop()

	w.wg.Add(1)
	go w.backfill()

	w.log.Info().Str("watch_dir", w.dir).Msg("csv watcher started")
	return nil
}

// Stop closes the fsnotify watcher and waits for in-flight imports. Files
// still pending stay in the drop directory for the next startup backfill.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()

	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()

	w.watcher.Close()
	w.wg.Wait()

	w.log.Info().
		Int64("files_imported", w.imported.Load()).
		Int64("files_failed", w.failed.Load()).
		Msg("csv watcher stopped")
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// Skip directories, including our own processed/ and failed/.
			if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".csv") {
				continue
			}
			w.scheduleProcess(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces file processing by 500ms. This coalesces rapid
// Create+Write events and ensures the file is fully written before reading.
func (w *Watcher) scheduleProcess(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(500 * time.Millisecond)
		return
	}

	w.debounceTimers[path] = time.AfterFunc(500*time.Millisecond, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.process(path)
	})
}

func (w *Watcher) process(path string) {
	if w.ctx.Err() != nil {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("cannot open dropped file")
		return
	}
	err = csvio.Import(w.ctx, w.st, f)
	f.Close()

	if err != nil {
		if w.ctx.Err() != nil {
			// Shutting down: leave the file for the next startup backfill.
			return
		}
		w.failed.Add(1)
		metrics.CSVImportsTotal.WithLabelValues("error").Inc()
		w.log.Error().Err(err).Str("path", path).Msg("csv import failed")
		w.moveTo(path, "failed")
		return
	}

	w.imported.Add(1)
	metrics.CSVImportsTotal.WithLabelValues("ok").Inc()
	w.log.Info().Str("path", path).Msg("csv imported")
	w.moveTo(path, "processed")
}

func (w *Watcher) moveTo(path, sub string) {
	dir := filepath.Join(w.dir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Warn().Err(err).Str("dir", dir).Msg("cannot create sort directory")
		return
	}
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("cannot move dropped file")
	}
}

// backfill imports CSV files already present in the drop directory, oldest
// first, so files dropped while the service was down are not lost.
func (w *Watcher) backfill() {
	defer w.wg.Done()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn().Err(err).Msg("backfill scan failed")
		return
	}

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{
			path:    filepath.Join(w.dir, e.Name()),
			modTime: info.ModTime(),
		})
	}
	if len(files) == 0 {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	w.log.Info().Int("files", len(files)).Msg("backfill starting")
	for _, f := range files {
		if w.ctx.Err() != nil {
			return
		}
		// Cancel any debounce scheduled for the same file by the watch loop.
		w.debounceMu.Lock()
		if t, ok := w.debounceTimers[f.path]; ok {
			t.Stop()
			delete(w.debounceTimers, f.path)
		}
		w.debounceMu.Unlock()

		w.process(f.path)
	}
}
