// Package stats is the fire-and-forget statistics sink. Callers log
// requests, views and downloads without blocking: events land in a
// bounded channel and a background goroutine aggregates them per image
// and flushes batches to the datastore. When the channel is full the
// event is dropped; losing counters is acceptable, slowing the hot
// path is not.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	metrics "github.com/docker/go-metrics"

	"github.com/imgd/imgd/daemon/datastore"
)

const (
	defaultBuffer = 4096
	flushInterval = 5 * time.Second
	flushBatch    = 256
)

var (
	registerOnce sync.Once

	requestCounter metrics.Counter
	viewCounter    metrics.LabeledCounter
	downloadCount  metrics.Counter
	bytesCounter   metrics.Counter
	requestTimer   metrics.Timer
	droppedCounter metrics.Counter
)

func registerMetrics() {
	registerOnce.Do(func() {
		ns := metrics.NewNamespace("imgd", "image", nil)
		requestCounter = ns.NewCounter("requests", "Number of image requests handled")
		viewCounter = ns.NewLabeledCounter("views", "Number of image views served", "from_cache")
		downloadCount = ns.NewCounter("downloads", "Number of original downloads served")
		bytesCounter = ns.NewCounter("bytes", "Image bytes served")
		requestTimer = ns.NewTimer("request_duration", "Time taken to serve an image request")
		droppedCounter = ns.NewCounter("stats_dropped", "Statistics events dropped because the sink was full")
		metrics.Register(ns)
	})
}

type eventKind int

const (
	evRequest eventKind = iota
	evView
	evDownload
)

type event struct {
	kind      eventKind
	sourceID  int64
	bytes     int64
	seconds   float64
	fromCache bool
}

// Sink aggregates and persists statistics events.
type Sink struct {
	store datastore.StatsStore
	ch    chan event

	startOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSink builds a sink writing to store. Call Run to start draining.
func NewSink(store datastore.StatsStore) *Sink {
	registerMetrics()
	return &Sink{
		store: store,
		ch:    make(chan event, defaultBuffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// LogRequest records that a request for sourceID was handled.
func (s *Sink) LogRequest(sourceID int64, seconds float64) {
	requestCounter.Inc()
	requestTimer.Update(time.Duration(seconds * float64(time.Second)))
	s.offer(event{kind: evRequest, sourceID: sourceID, seconds: seconds})
}

// LogView records a served derivative.
func (s *Sink) LogView(sourceID int64, bytes int64, fromCache bool, seconds float64) {
	if fromCache {
		viewCounter.WithValues("true").Inc()
	} else {
		viewCounter.WithValues("false").Inc()
	}
	bytesCounter.Inc(float64(bytes))
	s.offer(event{kind: evView, sourceID: sourceID, bytes: bytes, seconds: seconds, fromCache: fromCache})
}

// LogDownload records a served original.
func (s *Sink) LogDownload(sourceID int64, bytes int64, seconds float64) {
	downloadCount.Inc()
	bytesCounter.Inc(float64(bytes))
	s.offer(event{kind: evDownload, sourceID: sourceID, bytes: bytes, seconds: seconds})
}

func (s *Sink) offer(ev event) {
	select {
	case s.ch <- ev:
	default:
		droppedCounter.Inc()
		log.L.WithField("source_id", ev.sourceID).Debug("stats sink full, event dropped")
	}
}

// Run drains the sink until ctx is cancelled or Close is called,
// flushing aggregates every flushInterval or every flushBatch events,
// whichever comes first.
func (s *Sink) Run(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
}

// Close stops the drain loop after a final flush. Events logged after
// Close are dropped.
func (s *Sink) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Sink) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	agg := map[int64]*datastore.ImageStats{}
	pending := 0

	ingest := func(ev event) {
		r := agg[ev.sourceID]
		if r == nil {
			r = &datastore.ImageStats{ImageID: ev.sourceID}
			agg[ev.sourceID] = r
		}
		switch ev.kind {
		case evRequest:
			r.Requests++
		case evView:
			r.Views++
			r.Bytes += ev.bytes
			if ev.fromCache {
				r.FromCache++
			}
		case evDownload:
			r.Downloads++
			r.Bytes += ev.bytes
		}
		r.Seconds += ev.seconds
		pending++
	}

	flush := func() {
		if pending == 0 {
			return
		}
		rows := make([]datastore.ImageStats, 0, len(agg))
		for _, r := range agg {
			rows = append(rows, *r)
		}
		if err := s.store.AppendImageStats(ctx, rows); err != nil {
			log.G(ctx).WithError(err).WithField("rows", len(rows)).Warn("statistics flush failed, rows lost")
		}
		agg = map[int64]*datastore.ImageStats{}
		pending = 0
	}

	for {
		select {
		case ev := <-s.ch:
			ingest(ev)
			if pending >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		case <-s.stop:
			// drain whatever is already queued, then flush once
			for {
				select {
				case ev := <-s.ch:
					ingest(ev)
				default:
					flush()
					return
				}
			}
		}
	}
}
