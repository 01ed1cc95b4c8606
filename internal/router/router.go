// Package router implements the EventRouter: the single-writer owner of the
// bounded intake queue, the filter/transform chain, and dispatch to the
// BatchWriter and MetadataSynchronizer sinks.
package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ha-telemetry/ingestor/internal/logx"
	"github.com/ha-telemetry/ingestor/internal/model"
	"github.com/ha-telemetry/ingestor/internal/perr"
)

// PointSink is implemented by BatchWriter.
type PointSink interface {
	Enqueue(model.Point)
}

// MetadataSink is implemented by MetadataSynchronizer.
type MetadataSink interface {
	UpsertDevice(model.Device)
	UpsertEntity(model.Entity)
}

// DeadLetterSink is implemented by the dead-letter store.
type DeadLetterSink interface {
	DeadLetter(reason string, payload any)
}

// PowerObserver receives observed power-sensor readings so the
// power-correlation enrichment worker can correlate them against an
// external tariff/grid-load feed. Implemented by
// internal/enrichment/powercorrelation.Cache.
type PowerObserver interface {
	Observe(entityID string, watts float64, ts time.Time)
}

// Filter is one predicate in the ordered filter chain. A rejecting filter
// short-circuits the chain; the event is counted against Name and dropped.
type Filter struct {
	Name      string
	Predicate func(model.NormalizedEvent) bool
}

// Transform produces zero or more Points from one NormalizedEvent. A
// transform that returns an error dead-letters the event with reason
// "transform:<name>"; the remaining transforms still run on the event.
type Transform struct {
	Name string
	Fn   func(model.NormalizedEvent) ([]model.Point, error)
}

// Config configures the router's queue sizing and worker pool.
type Config struct {
	QueueCapacity int // total intake capacity across all worker slots, default 10000
	Workers       int // default 4
}

func (c *Config) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Counters are the router's exported observability counters.
type Counters struct {
	Accepted           atomic.Int64
	FilteredByName     sync.Map // map[string]*atomic.Int64
	TransformFailures  atomic.Int64
	EnrichmentDropped  atomic.Int64
	PointsDispatched   atomic.Int64
	DevicesDispatched  atomic.Int64
	EntitiesDispatched atomic.Int64
}

func (c *Counters) incFiltered(name string) {
	v, _ := c.FilteredByName.LoadOrStore(name, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

// Router is the EventRouter.
type Router struct {
	cfg Config
	log *logx.Logger

	slots []chan model.NormalizedEvent

	filters    []Filter
	transforms []Transform

	points   PointSink
	meta     MetadataSink
	deadLtr  DeadLetterSink
	powerObs PowerObserver

	counters Counters

	wg sync.WaitGroup
}

// New constructs a Router. Filters and transforms run in the order given.
func New(cfg Config, filters []Filter, transforms []Transform, points PointSink, meta MetadataSink, deadLtr DeadLetterSink) *Router {
	cfg.setDefaults()
	perSlot := cfg.QueueCapacity / cfg.Workers
	if perSlot < 1 {
		perSlot = 1
	}
	slots := make([]chan model.NormalizedEvent, cfg.Workers)
	for i := range slots {
		slots[i] = make(chan model.NormalizedEvent, perSlot)
	}
	return &Router{
		cfg:        cfg,
		log:        logx.ForService("router"),
		slots:      slots,
		filters:    filters,
		transforms: transforms,
		points:     points,
		meta:       meta,
		deadLtr:    deadLtr,
	}
}

// Counters returns the Router's live counters for the health/metrics surface.
func (r *Router) Counters() *Counters { return &r.counters }

// SetPowerObserver wires obs to receive every observed power-sensor reading
// (sensor domain, device_class "power") so the power-correlation enrichment
// worker has a live window to correlate against. Optional: nil means no
// observer is fed, and process() skips the observation step entirely.
func (r *Router) SetPowerObserver(obs PowerObserver) { r.powerObs = obs }

func (r *Router) slotFor(entityID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(len(r.slots)))
}

// Run starts the worker pool; it blocks until ctx is cancelled and every
// worker has drained its slot.
func (r *Router) Run(ctx context.Context) {
	for i := range r.slots {
		r.wg.Add(1)
		go r.runWorker(ctx, i)
	}
	<-ctx.Done()
	r.wg.Wait()
}

func (r *Router) runWorker(ctx context.Context, slotIdx int) {
	defer r.wg.Done()
	slot := r.slots[slotIdx]
	for {
		select {
		case ne, ok := <-slot:
			if !ok {
				return
			}
			r.process(ne)
		case <-ctx.Done():
			// Drain remaining buffered events before exiting so a shutdown
			// does not silently lose events already accepted into the queue.
			for {
				select {
				case ne := <-slot:
					r.process(ne)
				default:
					return
				}
			}
		}
	}
}

// EnqueueFromConnector accepts a RawEvent from HAConnector, normalizes it,
// and blocks the caller if the target slot is full. This is the
// block-the-producer backpressure the spec requires for HA-sourced events.
func (r *Router) EnqueueFromConnector(ctx context.Context, raw model.RawEvent) error {
	ne, err := normalize(raw)
	if err != nil {
		r.deadLetter("protocol:normalize", raw)
		return &perr.ProtocolError{Component: "router", Detail: err.Error()}
	}
	slot := r.slots[r.slotFor(ne.EntityID)]
	select {
	case slot <- ne:
		r.counters.Accepted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueFromEnrichment accepts an EnrichmentEvent from an EnrichmentScheduler
// worker. If the target slot is full, it evicts the oldest *enrichment-
// sourced* queued event in that slot (incrementing EnrichmentDropped) rather
// than blocking, since enrichment data is periodic and will be regenerated.
// Spec §4.2 scopes drop-oldest to EnrichmentEvents, so an HA-sourced entry
// already queued in the slot is never evicted by this path.
func (r *Router) EnqueueFromEnrichment(ev model.EnrichmentEvent) {
	ne := ev.ToNormalized()
	slot := r.slots[r.slotFor(ne.EntityID)]

	select {
	case slot <- ne:
		r.counters.Accepted.Add(1)
		return
	default:
	}

	// Slot full: drain it, drop the first enrichment-sourced entry found
	// (preserving the order of everything else), and restore the rest.
	buf := make([]model.NormalizedEvent, 0, cap(slot))
drain:
	for {
		select {
		case e := <-slot:
			buf = append(buf, e)
		default:
			break drain
		}
	}

	dropped := false
	for i, e := range buf {
		if e.Source != "homeassistant" {
			buf = append(buf[:i], buf[i+1:]...)
			dropped = true
			break
		}
	}

	for _, e := range buf {
		select {
		case slot <- e:
		default:
			// Slot refilled concurrently past capacity; best-effort restore.
		}
	}

	if !dropped {
		// Nothing enrichment-sourced to evict; drop this new event instead
		// of displacing an HA-sourced one.
		r.counters.EnrichmentDropped.Add(1)
		return
	}
	r.counters.EnrichmentDropped.Add(1)

	select {
	case slot <- ne:
		r.counters.Accepted.Add(1)
	default:
		// Another producer refilled the slot during our restore; count this
		// one as dropped too rather than blocking.
		r.counters.EnrichmentDropped.Add(1)
	}
}

func (r *Router) process(ne model.NormalizedEvent) {
	for _, f := range r.filters {
		if !f.Predicate(ne) {
			r.counters.incFiltered(f.Name)
			return
		}
	}

	r.observePower(ne)

	for _, tf := range r.transforms {
		points, err := tf.Fn(ne)
		if err != nil {
			r.counters.TransformFailures.Add(1)
			r.deadLetter((&perr.TransformError{TransformName: tf.Name, Cause: err}).Reason(), ne)
			continue
		}
		for _, p := range points {
			r.points.Enqueue(p)
			r.counters.PointsDispatched.Add(1)
		}
	}

	if dev, ok := deriveDevice(ne); ok {
		r.meta.UpsertDevice(dev)
		r.counters.DevicesDispatched.Add(1)
	}
	if ent, ok := deriveEntity(ne); ok {
		r.meta.UpsertEntity(ent)
		r.counters.EntitiesDispatched.Add(1)
	}
}

// observePower feeds the power-correlation worker's cache from the live
// event stream: any sensor-domain, device_class "power" reading with a
// numeric state is watts, observed at its source timestamp.
func (r *Router) observePower(ne model.NormalizedEvent) {
	if r.powerObs == nil || ne.Domain != "sensor" {
		return
	}
	deviceClass, _ := stringAttr(ne.Attributes, "device_class")
	if deviceClass != "power" {
		return
	}
	watts, err := strconv.ParseFloat(ne.NewState, 64)
	if err != nil {
		return
	}
	r.powerObs.Observe(ne.EntityID, watts, ne.SourceTimestamp)
}

func (r *Router) deadLetter(reason string, payload any) {
	if r.deadLtr == nil {
		return
	}
	r.deadLtr.DeadLetter(reason, payload)
}

// normalize converts a RawEvent emitted by HAConnector into a NormalizedEvent.
// The event kind is not checked: any payload whose data carries an entity_id
// is normalized the same way (states read from data.old_state/new_state,
// empty when absent), and a payload without an entity_id is an error.
func normalize(raw model.RawEvent) (model.NormalizedEvent, error) {
	data, _ := raw.Payload["data"].(map[string]any)
	entityID, _ := data["entity_id"].(string)
	if entityID == "" {
		return model.NormalizedEvent{}, fmt.Errorf("raw event %q missing entity_id", raw.Kind)
	}

	var prevState, newState string
	var attrs map[string]any
	if oldState, ok := data["old_state"].(map[string]any); ok && oldState != nil {
		prevState, _ = oldState["state"].(string)
	}
	if ns, ok := data["new_state"].(map[string]any); ok && ns != nil {
		newState, _ = ns["state"].(string)
		attrs, _ = ns["attributes"].(map[string]any)
	}

	sourceTime := raw.ReceiptAt
	if tf, ok := raw.Payload["time_fired"].(string); ok && tf != "" {
		if t, err := time.Parse(time.RFC3339, tf); err == nil {
			sourceTime = t
		}
	}

	ne := model.NormalizedEvent{
		EventType:       raw.Kind,
		EntityID:        entityID,
		Domain:          model.DomainOf(entityID),
		PreviousState:   prevState,
		NewState:        newState,
		Attributes:      attrs,
		SourceTimestamp: sourceTime,
		ReceiptTime:     raw.ReceiptAt,
		Source:          "homeassistant",
	}
	ne.CorrelationID = model.CorrelationID(ne.EntityID, ne.SourceTimestamp)
	return ne, nil
}

func deriveEntity(ne model.NormalizedEvent) (model.Entity, bool) {
	if ne.EntityID == "" {
		return model.Entity{}, false
	}
	platform, _ := stringAttr(ne.Attributes, "platform")
	return model.Entity{
		EntityID: ne.EntityID,
		Domain:   ne.Domain,
		Platform: platform,
	}, true
}

func deriveDevice(ne model.NormalizedEvent) (model.Device, bool) {
	deviceID, ok := stringAttr(ne.Attributes, "device_id")
	if !ok || deviceID == "" {
		return model.Device{}, false
	}
	name, _ := stringAttr(ne.Attributes, "friendly_name")
	manufacturer, _ := stringAttr(ne.Attributes, "manufacturer")
	model_, _ := stringAttr(ne.Attributes, "model")
	swVersion, _ := stringAttr(ne.Attributes, "sw_version")
	areaID, _ := stringAttr(ne.Attributes, "area_id")
	return model.Device{
		DeviceID:     deviceID,
		Name:         name,
		Manufacturer: manufacturer,
		Model:        model_,
		SoftwareVer:  swVersion,
		AreaID:       areaID,
	}, true
}

func stringAttr(attrs map[string]any, key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	v, ok := attrs[key].(string)
	return v, ok
}
