package tsdb

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ha-telemetry/ingestor/internal/model"
)

type fakeDeadLetter struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeDeadLetter) DeadLetter(reason string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeDeadLetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

func testPoint(entityID string) model.Point {
	return model.Point{
		Measurement: "sensor",
		Tags:        map[string]string{"entity_id": entityID},
		Fields:      map[string]any{"state": 1.0},
		Timestamp:   time.Now(),
	}
}

func TestBatchWriterFlushesOnSize(t *testing.T) {
	var writes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writes.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"}, srv.Client())
	writer := NewWriter(Config{MaxBatchSize: 3}, client, nil)

	writer.Enqueue(testPoint("a"))
	writer.Enqueue(testPoint("b"))
	writer.Enqueue(testPoint("c")) // should trigger an async flush

	deadline := time.After(time.Second)
	for writes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for flush")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if writer.counters.PointsWritten.Load() != 3 {
		t.Fatalf("points written = %d, want 3", writer.counters.PointsWritten.Load())
	}
}

func TestBatchWriterDeadLettersOnPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{URL: srv.URL, Token: "bad", Org: "o", Bucket: "b"}, srv.Client())
	dl := &fakeDeadLetter{}
	writer := NewWriter(Config{MaxBatchSize: 1}, client, dl)

	writer.Enqueue(testPoint("a"))

	deadline := time.After(time.Second)
	for dl.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dead letter")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if writer.counters.PointsDeadLettered.Load() != 1 {
		t.Fatalf("points dead lettered = %d, want 1", writer.counters.PointsDeadLettered.Load())
	}
}

func TestBatchWriterRetriesOnTransientFailureThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"}, srv.Client())
	writer := NewWriter(Config{MaxBatchSize: 1, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, client, nil)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				writer.scanRetryBuffer()
			}
		}
	}()
	defer close(stop)

	writer.Enqueue(testPoint("a"))

	deadline := time.After(2 * time.Second)
	for writer.counters.BatchesFlushed.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for eventual success")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if attempts.Load() < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts.Load())
	}
}

func TestBatchWriterRetryBufferOverflowDeadLettersOldest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"}, srv.Client())
	dl := &fakeDeadLetter{}
	writer := NewWriter(Config{RetryBufferCapacity: 2, RetryBaseDelay: time.Hour, RetryMaxDelay: time.Hour}, client, dl)

	writer.pushRetry(pendingBatch{points: []model.Point{testPoint("a")}, nextRetryAt: time.Now().Add(time.Hour)})
	writer.pushRetry(pendingBatch{points: []model.Point{testPoint("b")}, nextRetryAt: time.Now().Add(time.Hour)})
	writer.pushRetry(pendingBatch{points: []model.Point{testPoint("c")}, nextRetryAt: time.Now().Add(time.Hour)})

	if dl.count() != 1 {
		t.Fatalf("dead letter count = %d, want 1", dl.count())
	}
	if len(writer.retryBuf) != 2 {
		t.Fatalf("retry buffer len = %d, want 2", len(writer.retryBuf))
	}
}

func TestBatchWriterFlushNowFlushesPartialBatch(t *testing.T) {
	var writes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writes.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"}, srv.Client())
	writer := NewWriter(Config{MaxBatchSize: 1000}, client, nil)

	writer.Enqueue(testPoint("a"))
	writer.Enqueue(testPoint("b"))
	writer.FlushNow()

	if writes.Load() != 1 {
		t.Fatalf("writes = %d, want 1", writes.Load())
	}
	if writer.counters.PointsWritten.Load() != 2 {
		t.Fatalf("points written = %d, want 2", writer.counters.PointsWritten.Load())
	}
}
