// Package tsdb implements the BatchWriter role: it accumulates Points,
// flushes them to a TimeSeriesStore over HTTP in the line-protocol wire
// format, and handles retries and dead-lettering of failed batches.
package tsdb

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ha-telemetry/ingestor/internal/logx"
	"github.com/ha-telemetry/ingestor/internal/model"
	"github.com/ha-telemetry/ingestor/internal/perr"
)

// DeadLetterSink is implemented by the dead-letter store.
type DeadLetterSink interface {
	DeadLetter(reason string, payload any)
}

// Config configures flush triggers, retry schedule, and buffer sizing.
type Config struct {
	MaxBatchSize        int           // default 1000
	MaxBatchAge         time.Duration // default 5s
	FlushDeadline       time.Duration // default 5s
	RetryBaseDelay      time.Duration // default 250ms
	RetryMaxDelay       time.Duration // default 30s
	RetryBufferCapacity int           // default 100 batches
}

func (c *Config) setDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1000
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = 5 * time.Second
	}
	if c.FlushDeadline <= 0 {
		c.FlushDeadline = 5 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryBufferCapacity <= 0 {
		c.RetryBufferCapacity = 100
	}
}

// Counters are the BatchWriter's exported observability counters.
type Counters struct {
	PointsWritten      atomic.Int64
	PointsDeadLettered atomic.Int64
	BatchesFlushed     atomic.Int64
	BatchesRetried     atomic.Int64
	LastFlushAt        atomic.Int64 // unix nanos, last successful flush

	flushLatencyMu  sync.Mutex
	flushLatencySum time.Duration
	flushLatencyN   int64
}

func (c *Counters) observeFlushLatency(d time.Duration) {
	c.flushLatencyMu.Lock()
	defer c.flushLatencyMu.Unlock()
	c.flushLatencySum += d
	c.flushLatencyN++
}

// MeanFlushLatency returns the running mean flush latency. A full histogram
// would need a metrics library the teacher's go.mod does not carry; a mean
// plus the counters above is enough to drive the /metrics endpoint.
func (c *Counters) MeanFlushLatency() time.Duration {
	c.flushLatencyMu.Lock()
	defer c.flushLatencyMu.Unlock()
	if c.flushLatencyN == 0 {
		return 0
	}
	return c.flushLatencySum / time.Duration(c.flushLatencyN)
}

type pendingBatch struct {
	points      []model.Point
	attempt     int
	nextRetryAt time.Time
}

// Writer is the BatchWriter.
type Writer struct {
	cfg    Config
	client *Client
	dl     DeadLetterSink
	log    *logx.Logger

	mu       sync.Mutex
	current  []model.Point
	openedAt time.Time

	retryMu  sync.Mutex
	retryBuf []pendingBatch

	counters Counters
}

// Counters returns the Writer's live counters for the health/metrics surface.
func (w *Writer) Counters() *Counters { return &w.counters }

// NewWriter constructs a Writer.
func NewWriter(cfg Config, client *Client, dl DeadLetterSink) *Writer {
	cfg.setDefaults()
	return &Writer{
		cfg:    cfg,
		client: client,
		dl:     dl,
		log:    logx.ForService("batchwriter"),
	}
}

// Enqueue appends p to the current batch, flushing immediately if the
// batch has reached MaxBatchSize. Enqueue never blocks on network I/O;
// flush and retry happen on background goroutines (spec §4.3).
func (w *Writer) Enqueue(p model.Point) {
	w.mu.Lock()
	if len(w.current) == 0 {
		w.openedAt = time.Now()
	}
	w.current = append(w.current, p)
	full := len(w.current) >= w.cfg.MaxBatchSize
	var batch []model.Point
	if full {
		batch = w.current
		w.current = nil
	}
	w.mu.Unlock()

	if full {
		w.flushAsync(batch)
	}
}

// Run drives the time-based flush trigger and the retry-buffer scanner
// until ctx is cancelled, then performs the unconditional shutdown flush.
func (w *Writer) Run(ctx context.Context) {
	ageTicker := time.NewTicker(w.cfg.MaxBatchAge / 2)
	defer ageTicker.Stop()
	retryTicker := time.NewTicker(100 * time.Millisecond)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.FlushNow()
			return
		case <-ageTicker.C:
			w.flushIfStale()
		case <-retryTicker.C:
			w.scanRetryBuffer()
		}
	}
}

func (w *Writer) flushIfStale() {
	w.mu.Lock()
	if len(w.current) == 0 || time.Since(w.openedAt) < w.cfg.MaxBatchAge {
		w.mu.Unlock()
		return
	}
	batch := w.current
	w.current = nil
	w.mu.Unlock()

	w.flushAsync(batch)
}

// FlushNow performs the unconditional shutdown flush of any partial batch.
func (w *Writer) FlushNow() {
	w.mu.Lock()
	batch := w.current
	w.current = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	w.attemptWrite(batch, 0)
}

func (w *Writer) flushAsync(batch []model.Point) {
	if len(batch) == 0 {
		return
	}
	go w.attemptWrite(batch, 0)
}

func (w *Writer) attemptWrite(batch []model.Point, attempt int) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushDeadline)
	defer cancel()

	err := w.client.Write(ctx, lineProtocolBytes(batch))
	w.counters.observeFlushLatency(time.Since(start))

	if err == nil {
		w.counters.BatchesFlushed.Add(1)
		w.counters.PointsWritten.Add(int64(len(batch)))
		w.counters.LastFlushAt.Store(time.Now().UnixNano())
		return
	}

	var persistErr *perr.PersistenceError
	if pe, ok := err.(*perr.PersistenceError); ok {
		persistErr = pe
	}

	if persistErr != nil && persistErr.Permanent {
		w.log.Errorf("permanent write failure, dead-lettering %d points: %v", len(batch), err)
		w.deadLetterBatch(batch, persistErr.DeadLetterReason())
		return
	}

	w.log.Warnf("transient write failure (attempt %d), queuing retry: %v", attempt, err)
	w.counters.BatchesRetried.Add(1)
	w.pushRetry(pendingBatch{
		points:      batch,
		attempt:     attempt + 1,
		nextRetryAt: time.Now().Add(w.backoffDelay(attempt)),
	})
}

func (w *Writer) backoffDelay(attempt int) time.Duration {
	delay := w.cfg.RetryBaseDelay * time.Duration(1<<uint(minInt(attempt, 16)))
	if delay > w.cfg.RetryMaxDelay || delay <= 0 {
		delay = w.cfg.RetryMaxDelay
	}
	return time.Duration(rand.Int63n(int64(delay) + 1))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (w *Writer) pushRetry(pb pendingBatch) {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()

	if len(w.retryBuf) >= w.cfg.RetryBufferCapacity {
		oldest := w.retryBuf[0]
		w.retryBuf = w.retryBuf[1:]
		w.log.Warnf("retry buffer overflow, dead-lettering oldest batch of %d points", len(oldest.points))
		w.deadLetterBatch(oldest.points, "tsdb:retry_buffer_overflow")
	}
	w.retryBuf = append(w.retryBuf, pb)
}

func (w *Writer) scanRetryBuffer() {
	now := time.Now()

	w.retryMu.Lock()
	due := w.retryBuf[:0:0]
	remaining := w.retryBuf[:0]
	for _, pb := range w.retryBuf {
		if !pb.nextRetryAt.After(now) {
			due = append(due, pb)
		} else {
			remaining = append(remaining, pb)
		}
	}
	w.retryBuf = remaining
	w.retryMu.Unlock()

	for _, pb := range due {
		go w.attemptWrite(pb.points, pb.attempt)
	}
}

func (w *Writer) deadLetterBatch(batch []model.Point, reason string) {
	w.counters.PointsDeadLettered.Add(int64(len(batch)))
	if w.dl == nil {
		return
	}
	w.dl.DeadLetter(reason, batch)
}

func lineProtocolBytes(batch []model.Point) []byte {
	var b strings.Builder
	for i, p := range batch {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.String())
	}
	return []byte(b.String())
}
