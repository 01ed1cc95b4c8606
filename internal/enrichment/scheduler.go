// Package enrichment implements the EnrichmentScheduler: a set of
// independent periodic workers, each fetching external data on its own
// interval and injecting EnrichmentEvents into the pipeline.
package enrichment

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ha-telemetry/ingestor/internal/logx"
	"github.com/ha-telemetry/ingestor/internal/model"
)

// Sink is implemented by EventRouter.
type Sink interface {
	EnqueueFromEnrichment(model.EnrichmentEvent)
}

// Fetcher produces zero or more EnrichmentEvents for one tick of a worker.
// ctx carries the per-tick fetch timeout.
type Fetcher func(ctx context.Context) ([]model.EnrichmentEvent, error)

// WorkerConfig configures a single enrichment worker.
type WorkerConfig struct {
	Kind         string
	Interval     time.Duration
	FetchTimeout time.Duration
	CacheTTL     time.Duration
	Fetch        Fetcher
}

func (c *WorkerConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = c.Interval
	}
}

// WorkerCounters are a single worker's exported observability counters.
type WorkerCounters struct {
	Ticks          atomic.Int64
	FetchFailures  atomic.Int64
	CacheHits      atomic.Int64
	EventsEmitted  atomic.Int64
	SkippedOverlap atomic.Int64
}

// worker runs one enrichment kind's ticker loop. Each worker has its own
// goroutine and its own overlap-prevention lock, so a stuck fetch never
// blocks any other worker.
type worker struct {
	cfg  WorkerConfig
	sink Sink
	log  *logx.Logger

	runningLock sync.Mutex

	cacheMu      sync.Mutex
	cachedAt     time.Time
	cachedEvents []model.EnrichmentEvent

	counters WorkerCounters
}

func newWorker(cfg WorkerConfig, sink Sink) *worker {
	cfg.setDefaults()
	return &worker{
		cfg:  cfg,
		sink: sink,
		log:  logx.ForService("enrichment:" + cfg.Kind),
	}
}

func (w *worker) run(ctx context.Context) {
	// Jitter the first tick so many workers started together don't all fire
	// at once (spec §4.5 step 1: "interval-aligned, with jitter").
	initialJitter := time.Duration(rand.Int63n(int64(w.cfg.Interval) + 1))
	timer := time.NewTimer(initialJitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.tick(ctx)
			timer.Reset(w.cfg.Interval)
		}
	}
}

func (w *worker) tick(ctx context.Context) {
	w.counters.Ticks.Add(1)

	if !w.runningLock.TryLock() {
		w.counters.SkippedOverlap.Add(1)
		w.log.Warnf("previous fetch still running, skipping tick")
		return
	}
	defer w.runningLock.Unlock()

	if events, ok := w.cacheLookup(); ok {
		w.counters.CacheHits.Add(1)
		w.emit(events)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	events, err := w.cfg.Fetch(fetchCtx)
	if err != nil {
		w.counters.FetchFailures.Add(1)
		w.log.Warnf("fetch failed: %v", err)
		return
	}

	w.cacheStore(events)
	w.emit(events)
}

func (w *worker) cacheLookup() ([]model.EnrichmentEvent, bool) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	if w.cachedAt.IsZero() || time.Since(w.cachedAt) >= w.cfg.CacheTTL {
		return nil, false
	}
	return w.cachedEvents, true
}

func (w *worker) cacheStore(events []model.EnrichmentEvent) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	w.cachedAt = time.Now()
	w.cachedEvents = events
}

func (w *worker) emit(events []model.EnrichmentEvent) {
	for _, ev := range events {
		w.sink.EnqueueFromEnrichment(ev)
		w.counters.EventsEmitted.Add(1)
	}
}

// Scheduler owns a set of independent workers, one per enrichment kind.
type Scheduler struct {
	workers []*worker
	wg      sync.WaitGroup
}

// NewScheduler constructs a Scheduler with one worker per cfg entry.
func NewScheduler(sink Sink, cfgs ...WorkerConfig) *Scheduler {
	s := &Scheduler{}
	for _, cfg := range cfgs {
		s.workers = append(s.workers, newWorker(cfg, sink))
	}
	return s
}

// Run starts every worker and blocks until ctx is cancelled and all workers
// have returned.
func (s *Scheduler) Run(ctx context.Context) {
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.run(ctx)
		}(w)
	}
	<-ctx.Done()
	s.wg.Wait()
}

// CountersFor returns the counters for kind, or nil if no such worker exists.
func (s *Scheduler) CountersFor(kind string) *WorkerCounters {
	for _, w := range s.workers {
		if w.cfg.Kind == kind {
			return &w.counters
		}
	}
	return nil
}
