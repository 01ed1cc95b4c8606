// Package deadletter implements an append-only NDJSON sink for events and
// batches the pipeline could not process or persist. It is a debugging aid,
// not a queryable store; the counters exposed by each producing component
// remain the primary observable (spec §9).
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ha-telemetry/ingestor/internal/logx"
)

// Config configures the sink's flush cadence and rotation.
type Config struct {
	Dir           string        // directory to write NDJSON files into
	FlushInterval time.Duration // default 1s
	FlushCount    int           // default 256 records
}

func (c *Config) setDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.FlushCount <= 0 {
		c.FlushCount = 256
	}
}

type record struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Payload   any       `json:"payload"`
}

// Sink is the NDJSON dead-letter sink. DeadLetter is safe to call
// concurrently and buffers in memory; the buffer is flushed on a size/time
// trigger mirroring BatchWriter's own flush triggers. The time trigger runs
// on Run's goroutine; the size trigger runs inside the DeadLetter call that
// reaches FlushCount, so that call does the file write itself.
type Sink struct {
	cfg Config
	log *logx.Logger

	mu      sync.Mutex
	buf     []record
	curFile *os.File
	curDay  string
}

// New constructs a Sink writing into cfg.Dir, creating it if needed.
func New(cfg Config) (*Sink, error) {
	cfg.setDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dead-letter dir: %w", err)
	}
	return &Sink{cfg: cfg, log: logx.ForService("deadletter")}, nil
}

// DeadLetter queues reason/payload for the next flush.
func (s *Sink) DeadLetter(reason string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, record{Timestamp: time.Now(), Reason: reason, Payload: payload})
	if len(s.buf) >= s.cfg.FlushCount {
		s.flushLocked()
	}
}

// Run flushes on FlushInterval until ctx is cancelled, then flushes once
// more and closes the current file.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.flushLocked()
			if s.curFile != nil {
				_ = s.curFile.Close()
				s.curFile = nil
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.mu.Lock()
			s.flushLocked()
			s.mu.Unlock()
		}
	}
}

// flushLocked must be called with s.mu held.
func (s *Sink) flushLocked() {
	if len(s.buf) == 0 {
		return
	}

	day := time.Now().UTC().Format("2006-01-02")
	if day != s.curDay {
		if s.curFile != nil {
			_ = s.curFile.Close()
		}
		path := filepath.Join(s.cfg.Dir, fmt.Sprintf("deadletter-%s.ndjson", day))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			s.log.Errorf("opening dead-letter file: %v", err)
			return
		}
		s.curFile = f
		s.curDay = day
	}

	enc := json.NewEncoder(s.curFile)
	for _, rec := range s.buf {
		if err := enc.Encode(rec); err != nil {
			s.log.Errorf("encoding dead-letter record: %v", err)
		}
	}
	s.buf = s.buf[:0]
}
