package metadata

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ha-telemetry/ingestor/internal/logx"
	"github.com/ha-telemetry/ingestor/internal/model"
)

// SyncConfig configures the coalescing window and retry schedule.
type SyncConfig struct {
	CoalesceWindow time.Duration // default 1s
	RetryBaseDelay time.Duration // default 250ms
	RetryMaxDelay  time.Duration // default 30s
}

func (c *SyncConfig) setDefaults() {
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
}

// SyncCounters are the MetadataSynchronizer's exported observability counters.
type SyncCounters struct {
	DevicesUpserted  atomic.Int64
	EntitiesUpserted atomic.Int64
	UpsertFailures   atomic.Int64
}

// Synchronizer is the MetadataSynchronizer. UpsertDevice/UpsertEntity are
// non-blocking: they coalesce into a pending map keyed by id, deduplicating
// repeated upserts of the same id within the window to just the latest.
type Synchronizer struct {
	cfg   SyncConfig
	store *Store
	log   *logx.Logger

	mu              sync.Mutex
	pendingDevices  map[string]model.Device
	pendingEntities map[string]model.Entity

	retryAttempt int
	nextRetryAt  time.Time

	counters SyncCounters
}

// NewSynchronizer constructs a Synchronizer writing through store.
func NewSynchronizer(cfg SyncConfig, store *Store) *Synchronizer {
	cfg.setDefaults()
	return &Synchronizer{
		cfg:             cfg,
		store:           store,
		log:             logx.ForService("metadata_sync"),
		pendingDevices:  make(map[string]model.Device),
		pendingEntities: make(map[string]model.Entity),
	}
}

// UpsertDevice queues dev for the next coalesced flush.
func (s *Synchronizer) UpsertDevice(dev model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingDevices[dev.DeviceID] = dev
}

// UpsertEntity queues ent for the next coalesced flush.
func (s *Synchronizer) UpsertEntity(ent model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingEntities[ent.EntityID] = ent
}

// Run flushes the coalescing window on a ticker until ctx is cancelled,
// then performs one final flush of anything still pending.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CoalesceWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.FlushNow()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// FlushNow performs an unconditional flush, used at shutdown.
func (s *Synchronizer) FlushNow() {
	s.nextRetryAt = time.Time{}
	s.flush()
}

func (s *Synchronizer) flush() {
	if time.Now().Before(s.nextRetryAt) {
		return
	}

	s.mu.Lock()
	devices := make([]model.Device, 0, len(s.pendingDevices))
	for _, d := range s.pendingDevices {
		devices = append(devices, d)
	}
	entities := make([]model.Entity, 0, len(s.pendingEntities))
	for _, e := range s.pendingEntities {
		entities = append(entities, e)
	}
	s.mu.Unlock()

	if len(devices) == 0 && len(entities) == 0 {
		return
	}

	var firstErr error
	if err := s.store.UpsertDevices(devices); err != nil {
		firstErr = err
	} else {
		s.clearDevices(devices)
		s.counters.DevicesUpserted.Add(int64(len(devices)))
	}

	if err := s.store.UpsertEntities(entities); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else {
		s.clearEntities(entities)
		s.counters.EntitiesUpserted.Add(int64(len(entities)))
	}

	if firstErr != nil {
		s.counters.UpsertFailures.Add(1)
		s.log.Warnf("upsert failed, will retry: %v", firstErr)
		s.scheduleRetry()
		return
	}
	s.retryAttempt = 0
}

// clearDevices removes only the entries that were actually flushed, so any
// newer upsert queued concurrently during the flush survives to the next window.
func (s *Synchronizer) clearDevices(flushed []model.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range flushed {
		if cur, ok := s.pendingDevices[d.DeviceID]; ok && cur == d {
			delete(s.pendingDevices, d.DeviceID)
		}
	}
}

func (s *Synchronizer) clearEntities(flushed []model.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range flushed {
		if cur, ok := s.pendingEntities[e.EntityID]; ok && cur == e {
			delete(s.pendingEntities, e.EntityID)
		}
	}
}

func (s *Synchronizer) scheduleRetry() {
	delay := s.cfg.RetryBaseDelay * time.Duration(1<<uint(minInt(s.retryAttempt, 16)))
	if delay > s.cfg.RetryMaxDelay || delay <= 0 {
		delay = s.cfg.RetryMaxDelay
	}
	jittered := time.Duration(rand.Int63n(int64(delay) + 1))
	s.nextRetryAt = time.Now().Add(jittered)
	s.retryAttempt++
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
