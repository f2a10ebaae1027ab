package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/config"
	"github.com/openbem/bem-engine/internal/csvio"
	"github.com/openbem/bem-engine/internal/metrics"
	"github.com/openbem/bem-engine/internal/store"
)

// exportWorkers uploads a day's files concurrently.
const exportWorkers = 4

// Exporter writes one bucketed CSV per timeseries per day to the archive
// store. It runs shortly after midnight and re-runs at startup, skipping
// keys that were already archived, so restarts and downtime never leave
// duplicates or holes shorter than the retention of the source data.
type Exporter struct {
	st    *store.Store
	dst   Store
	width store.Width
	agg   string
	tz    *time.Location
	log   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewExporter creates an exporter from the archive config. The bucket
// width, aggregation, and timezone are validated here so a bad config
// fails at startup rather than at the first midnight.
func NewExporter(st *store.Store, dst Store, cfg config.Archive, log zerolog.Logger) (*Exporter, error) {
	width, err := store.ParseWidth(cfg.BucketWidth)
	if err != nil {
		return nil, fmt.Errorf("archive bucket width: %w", err)
	}
	if !store.ValidAggregation(cfg.Aggregation) {
		return nil, fmt.Errorf("archive aggregation %q: unknown aggregation", cfg.Aggregation)
	}
	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("archive timezone: %w", err)
	}

	return &Exporter{
		st:    st,
		dst:   dst,
		width: width,
		agg:   cfg.Aggregation,
		tz:    tz,
		log:   log.With().Str("component", "archive-exporter").Logger(),
	}, nil
}

// Start launches the daily export loop.
func (e *Exporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx)
	e.log.Info().
		Str("backend", e.dst.Type()).
		Str("width", e.width.String()).
		Str("aggregation", e.agg).
		Msg("archive exporter started")
}

// Stop cancels the loop and waits for an in-flight export to unwind.
func (e *Exporter) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.log.Info().Msg("archive exporter stopped")
}

func (e *Exporter) loop(ctx context.Context) {
	defer close(e.done)

	// Run once on startup to cover any days missed during downtime
	e.run(ctx)

	for {
		timer := time.NewTimer(e.untilNextRun(time.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.run(ctx)
		}
	}
}

func (e *Exporter) run(ctx context.Context) {
	day := time.Now().In(e.tz).AddDate(0, 0, -1)
	archived, err := e.ExportDay(ctx, day)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.log.Error().Err(err).Str("day", day.Format("2006-01-02")).Msg("archive export failed")
		return
	}
	e.log.Info().Str("day", day.Format("2006-01-02")).Int("archived", archived).Msg("archive export complete")
}

// untilNextRun returns the wait until one minute past the next midnight in
// the archive timezone.
func (e *Exporter) untilNextRun(now time.Time) time.Duration {
	now = now.In(e.tz)
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 1, 0, 0, e.tz)
	return next.Sub(now)
}

// ExportDay archives every timeseries for the calendar day containing
// day, in the archive timezone. Already-archived and empty series are
// skipped. Returns the number of files written.
func (e *Exporter) ExportDay(ctx context.Context, day time.Time) (int, error) {
	day = day.In(e.tz)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, e.tz)
	end := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, e.tz)

	series, _, err := e.st.ListTimeseries(ctx, store.TimeseriesFilter{})
	if err != nil {
		return 0, fmt.Errorf("list timeseries: %w", err)
	}

	work := make(chan store.Timeseries, exportWorkers*2)
	var wg sync.WaitGroup
	var archived, failed atomic.Int64

	for i := 0; i < exportWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ts := range work {
				stored, err := e.exportOne(ctx, ts.ID, start, end)
				if err != nil {
					failed.Add(1)
					metrics.ArchiveUploadsTotal.WithLabelValues("error").Inc()
					e.log.Error().Err(err).
						Int64("timeseries_id", ts.ID).
						Str("day", start.Format("2006-01-02")).
						Msg("timeseries archive failed")
					continue
				}
				if stored {
					archived.Add(1)
					metrics.ArchiveUploadsTotal.WithLabelValues("ok").Inc()
				}
			}
		}()
	}

	for _, ts := range series {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return int(archived.Load()), ctx.Err()
		case work <- ts:
		}
	}
	close(work)
	wg.Wait()

	if n := failed.Load(); n > 0 {
		return int(archived.Load()), fmt.Errorf("%d of %d timeseries failed to archive", n, len(series))
	}
	return int(archived.Load()), nil
}

func (e *Exporter) exportOne(ctx context.Context, id int64, start, end time.Time) (bool, error) {
	key := fmt.Sprintf("timeseries/%d/%s.csv", id, start.Format("2006-01-02"))
	if e.dst.Exists(ctx, key) {
		return false, nil
	}

	var buf bytes.Buffer
	if err := csvio.ExportBucket(ctx, e.st, &buf, []int64{id}, start, end, e.width, e.tz, e.agg); err != nil {
		return false, err
	}

	// Header-only output means the series had no points that day.
	if idx := bytes.IndexByte(buf.Bytes(), '\n'); idx < 0 || idx == len(buf.Bytes())-1 {
		return false, nil
	}

	if err := e.dst.Save(ctx, key, buf.Bytes(), "text/csv"); err != nil {
		return false, err
	}
	return true, nil
}
