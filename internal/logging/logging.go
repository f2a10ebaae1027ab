// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// filePrefix names the daily log files: <prefix>-YYYY-MM-DD.log.
	filePrefix = "bem-engine"

	dayFormat = "2006-01-02"
)

// Config controls the process logger.
type Config struct {
	// Enabled=false routes all output to io.Discard.
	Enabled bool
	// Level is a zerolog level name; empty or unknown falls back to info.
	Level string
	// Format selects "console" for human-readable output, anything else is JSON.
	Format string
	// Dirpath, when set, adds a daily-rotated log file next to stderr output.
	Dirpath string
	// History is the number of days of rotated files to keep. Zero keeps all.
	History int
}

// New builds the process logger. The returned closer owns the rotated log
// file when one is configured and is always safe to call.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	if !cfg.Enabled {
		return zerolog.New(io.Discard), nopCloser{}, nil
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	closer := io.Closer(nopCloser{})
	if cfg.Dirpath != "" {
		daily, err := newDailyWriter(cfg.Dirpath, filePrefix, cfg.History)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		out = zerolog.MultiLevelWriter(out, daily)
		closer = daily
	}

	log := zerolog.New(out).With().Timestamp().Logger().Level(level)
	return log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// dailyWriter appends to <dir>/<prefix>-YYYY-MM-DD.log, switching files when
// the UTC day changes and pruning files older than the history window.
type dailyWriter struct {
	dir     string
	prefix  string
	history int

	mu   sync.Mutex
	day  string
	file *os.File
}

func newDailyWriter(dir, prefix string, history int) (*dailyWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &dailyWriter{dir: dir, prefix: prefix, history: history}
	if err := w.rotate(time.Now().UTC()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now().UTC()
	if now.Format(dayFormat) != w.day {
		if err := w.rotate(now); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotate opens the file for the given UTC day and prunes expired ones.
// Callers hold w.mu.
func (w *dailyWriter) rotate(now time.Time) error {
	day := now.Format(dayFormat)
	name := filepath.Join(w.dir, w.prefix+"-"+day+".log")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if w.file != nil {
		w.file.Close()
	}
	w.file = f
	w.day = day
	w.prune(now)
	return nil
}

// prune removes log files older than the history window. Failures are left
// for the next rotation to retry.
func (w *dailyWriter) prune(now time.Time) {
	if w.history <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -w.history)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		day, ok := w.fileDay(e.Name())
		if !ok {
			continue
		}
		t, err := time.Parse(dayFormat, day)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			os.Remove(filepath.Join(w.dir, e.Name()))
		}
	}
}

// fileDay extracts the date part of a rotated file name, reporting whether
// the name belongs to this writer.
func (w *dailyWriter) fileDay(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, w.prefix+"-")
	if !ok {
		return "", false
	}
	day, ok := strings.CutSuffix(rest, ".log")
	if !ok {
		return "", false
	}
	return day, true
}
