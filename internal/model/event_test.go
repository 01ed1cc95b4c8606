package model

import (
	"testing"
	"time"
)

func TestDomainOfExtractsPrefix(t *testing.T) {
	cases := map[string]string{
		"sensor.living_room_temp": "sensor",
		"binary_sensor.front_door": "binary_sensor",
		"noprefix":                 "",
		".leadingdot":              "",
	}
	for entityID, want := range cases {
		if got := DomainOf(entityID); got != want {
			t.Errorf("DomainOf(%q) = %q, want %q", entityID, got, want)
		}
	}
}

func TestCorrelationIDStableForSameInputs(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := CorrelationID("sensor.x", ts)
	b := CorrelationID("sensor.x", ts)
	if a != b {
		t.Fatalf("CorrelationID not stable: %q != %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("CorrelationID length = %d, want 32", len(a))
	}
}

func TestCorrelationIDDiffersByEntityOrTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	base := CorrelationID("sensor.x", ts)
	if base == CorrelationID("sensor.y", ts) {
		t.Fatal("different entity ids produced the same correlation id")
	}
	if base == CorrelationID("sensor.x", ts.Add(time.Second)) {
		t.Fatal("different timestamps produced the same correlation id")
	}
}

func TestEnrichmentEventToNormalized(t *testing.T) {
	fetched := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ee := EnrichmentEvent{
		SourceKind: "weather",
		EntityID:   "weather.madrid",
		Domain:     "weather",
		NewState:   "sunny",
		Attributes: map[string]any{"temp_c": 21.5},
		FetchedAt:  fetched,
	}
	ne := ee.ToNormalized()

	if ne.EventType != "enrichment" {
		t.Errorf("EventType = %q, want enrichment", ne.EventType)
	}
	if ne.Source != "weather" {
		t.Errorf("Source = %q, want weather", ne.Source)
	}
	if !ne.SourceTimestamp.Equal(fetched) || !ne.ReceiptTime.Equal(fetched) {
		t.Error("SourceTimestamp/ReceiptTime should both equal FetchedAt")
	}
	if want := CorrelationID(ne.EntityID, ne.SourceTimestamp); ne.CorrelationID != want {
		t.Errorf("CorrelationID = %q, want %q", ne.CorrelationID, want)
	}
}

func TestPointStringRendersLineProtocol(t *testing.T) {
	ts := time.Unix(0, 1700000000123456789)
	p := Point{
		Measurement: "sensor_state",
		Tags:        map[string]string{"entity_id": "sensor.temp", "domain": "sensor"},
		Fields:      map[string]any{"value": 21.5, "active": true, "label": "ok"},
		Timestamp:   ts,
	}
	got := p.String()
	want := `sensor_state,domain=sensor,entity_id=sensor.temp active=true,label="ok",value=21.5 1700000000123456789`
	if got != want {
		t.Errorf("String() =\n%q\nwant\n%q", got, want)
	}
}

func TestPointStringEscapesSpecialCharacters(t *testing.T) {
	p := Point{
		Measurement: "m",
		Tags:        map[string]string{"k,ey": "v=al ue"},
		Fields:      map[string]any{"f": "has \"quotes\""},
		Timestamp:   time.Unix(0, 0),
	}
	got := p.String()
	if want := `m,k\,ey=v\=al\ ue f="has \"quotes\"" 0`; got != want {
		t.Errorf("String() =\n%q\nwant\n%q", got, want)
	}
}
