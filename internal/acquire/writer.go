package acquire

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/decode"
	"github.com/openbem/bem-engine/internal/events"
	"github.com/openbem/bem-engine/internal/metrics"
	"github.com/openbem/bem-engine/internal/store"
)

const queueSize = 256

// boundTopic is a topic with its decoder and links resolved, ready for
// dispatch.
type boundTopic struct {
	topic   store.Topic
	decoder decode.Decoder
	links   []store.TopicLink
}

type job struct {
	bt      *boundTopic
	payload []byte
}

// writer consumes one subscriber's messages off a bounded queue and owns
// all storage writes for that subscriber. The network loop blocks on a
// full queue, which preserves per-topic delivery order end to end.
type writer struct {
	st    *store.Store
	track *tracker
	log   zerolog.Logger
	jobs  chan job
	done  chan struct{}

	received atomic.Int64
	stored   atomic.Int64
	dropped  atomic.Int64
}

func newWriter(st *store.Store, track *tracker, log zerolog.Logger) *writer {
	w := &writer{
		st:    st,
		track: track,
		log:   log,
		jobs:  make(chan job, queueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) enqueue(bt *boundTopic, payload []byte) {
	w.received.Add(1)
	metrics.MQTTMessagesTotal.Inc()
	w.jobs <- job{bt: bt, payload: payload}
}

// close drains the queue and stops the goroutine.
func (w *writer) close() {
	close(w.jobs)
	<-w.done
}

func (w *writer) queued() int {
	return len(w.jobs)
}

func (w *writer) run() {
	defer close(w.done)
	ctx := context.Background()
	for j := range w.jobs {
		w.process(ctx, j)
	}
}

func (w *writer) process(ctx context.Context, j job) {
	if err := w.st.TouchTopicReception(ctx, j.bt.topic.ID); err != nil {
		w.log.Error().Err(err).Str("topic", j.bt.topic.Name).Msg("record reception failed")
	}

	ts, values, err := j.bt.decoder.Decode(j.payload)
	if err != nil {
		w.dropped.Add(1)
		metrics.DecodeFailuresTotal.WithLabelValues(j.bt.decoder.Name()).Inc()
		w.log.Warn().Err(err).Str("topic", j.bt.topic.Name).Msg("payload dropped")
		if len(j.bt.links) > 0 {
			w.track.flag(ctx, events.CategoryAbnormalMeasureValues, j.bt.topic.Name,
				events.TargetTimeseries, j.bt.links[0].TimeseriesID, "payload decode failed")
		}
		return
	}

	for _, link := range j.bt.links {
		value, ok := values[link.FieldName]
		if !ok {
			continue
		}
		if outOfRange(link, value) {
			// The point is stored regardless; the event records the
			// excursion.
			w.track.flag(ctx, events.CategoryOutOfRange, j.bt.topic.Name,
				events.TargetTimeseries, link.TimeseriesID, "value outside timeseries bounds")
		}
		if err := w.st.InsertPoint(ctx, link.TimeseriesID, ts, value); err != nil {
			w.log.Error().Err(err).
				Str("topic", j.bt.topic.Name).
				Int64("timeseries_id", link.TimeseriesID).
				Msg("point insert failed")
			w.track.flag(ctx, events.CategoryObservationMissing, j.bt.topic.Name,
				events.TargetTimeseries, link.TimeseriesID, "point insert failed")
			continue
		}
		w.stored.Add(1)
		metrics.PointsWrittenTotal.Inc()
	}
}

func outOfRange(link store.TopicLink, v float64) bool {
	return (link.Min != nil && v < *link.Min) || (link.Max != nil && v > *link.Max)
}
