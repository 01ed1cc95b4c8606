// Package model defines the data types that flow through the ingestion
// pipeline: RawEvent from the Home Assistant connector, NormalizedEvent and
// EnrichmentEvent after normalization, Point as the time-series write unit,
// and Device/Entity as the relational metadata records.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// RawEvent is an opaque frame received from Home Assistant. It is never
// persisted directly; EventRouter converts it into a NormalizedEvent (or
// discards it as a ProtocolError) before anything downstream sees it.
type RawEvent struct {
	Kind      string // "state_changed", "subscription_ack", "error", ...
	Payload   map[string]any
	ReceiptAt time.Time // monotonic-ish receipt timestamp (time.Now() at receipt)
}

// NormalizedEvent is the canonical internal record produced from a RawEvent.
type NormalizedEvent struct {
	EventType       string
	EntityID        string
	Domain          string // derived from EntityID's "<domain>.<object>" prefix
	PreviousState   string
	NewState        string
	Attributes      map[string]any // ordered at the JSON layer; stored as a map here
	SourceTimestamp time.Time      // wall-clock time reported by Home Assistant
	ReceiptTime     time.Time
	CorrelationID   string // stable hash of EntityID + SourceTimestamp

	// Source distinguishes events produced by the HA connector ("homeassistant")
	// from those produced by an enrichment worker (its Kind, e.g. "weather").
	Source string
}

// EnrichmentEvent is the EnrichmentScheduler analog of NormalizedEvent. It
// shares the same shape; SourceKind identifies which worker produced it and
// FetchedAt is the worker's own fetch timestamp, not the pipeline receipt time.
type EnrichmentEvent struct {
	SourceKind string // "weather", "power_correlation"
	EntityID   string // synthetic entity id, e.g. "weather.madrid"
	Domain     string
	NewState   string
	Attributes map[string]any
	FetchedAt  time.Time
}

// ToNormalized converts an EnrichmentEvent into the common NormalizedEvent
// shape so it can flow through the same filter/transform/dispatch chain as
// HA-sourced events.
func (e EnrichmentEvent) ToNormalized() NormalizedEvent {
	ne := NormalizedEvent{
		EventType:       "enrichment",
		EntityID:        e.EntityID,
		Domain:          e.Domain,
		NewState:        e.NewState,
		Attributes:      e.Attributes,
		SourceTimestamp: e.FetchedAt,
		ReceiptTime:     e.FetchedAt,
		Source:          e.SourceKind,
	}
	ne.CorrelationID = CorrelationID(ne.EntityID, ne.SourceTimestamp)
	return ne
}

// CorrelationID computes the stable dedup hash of entity_id + source_timestamp
// used by downstream consumers to collapse at-least-once duplicates.
func CorrelationID(entityID string, sourceTimestamp time.Time) string {
	h := sha256.New()
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(sourceTimestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// DomainOf derives the low-cardinality domain tag from an entity_id of the
// form "<domain>.<object>". Returns "" if entityID has no dot.
func DomainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}

// Point is a single time-series write record derived from a NormalizedEvent
// by the transform stage.
type Point struct {
	Measurement string
	Tags        map[string]string // low-cardinality, used for filtering
	Fields      map[string]any    // arbitrary scalars
	Timestamp   time.Time
}

// String renders the point using the TSDB's line-protocol wire format:
// <measurement>,<tag>=<v>,... <field>=<v>,... <nanos>
func (p Point) String() string {
	var b strings.Builder
	b.WriteString(escapeLP(p.Measurement))

	tagKeys := sortedKeys(p.Tags)
	for _, k := range tagKeys {
		b.WriteByte(',')
		b.WriteString(escapeLP(k))
		b.WriteByte('=')
		b.WriteString(escapeLP(p.Tags[k]))
	}

	b.WriteByte(' ')
	fieldKeys := sortedKeys(p.Fields)
	for i, k := range fieldKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(escapeLP(k))
		b.WriteByte('=')
		b.WriteString(formatFieldValue(p.Fields[k]))
	}

	b.WriteByte(' ')
	b.WriteString(fmt.Sprintf("%d", p.Timestamp.UnixNano()))
	return b.String()
}

func formatFieldValue(v any) string {
	switch n := v.(type) {
	case float64:
		return fmt.Sprintf("%g", n)
	case float32:
		return fmt.Sprintf("%g", n)
	case int, int32, int64:
		return fmt.Sprintf("%di", n)
	case bool:
		if n {
			return "true"
		}
		return "false"
	case string:
		return "\"" + strings.ReplaceAll(n, "\"", "\\\"") + "\""
	default:
		return "\"" + strings.ReplaceAll(fmt.Sprintf("%v", n), "\"", "\\\"") + "\""
	}
}

func escapeLP(s string) string {
	r := strings.NewReplacer(",", "\\,", "=", "\\=", " ", "\\ ")
	return r.Replace(s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// Device is a relational metadata record upserted by MetadataSynchronizer.
type Device struct {
	DeviceID     string
	Name         string
	Manufacturer string
	Model        string
	SoftwareVer  string
	AreaID       string // empty means NULL
	EntityCount  int
}

// Entity is a relational metadata record upserted by MetadataSynchronizer.
type Entity struct {
	EntityID string
	DeviceID string // empty means NULL (no owning device)
	Domain   string
	Platform string
	Disabled bool
}
