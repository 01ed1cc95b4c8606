package pipeline

import (
	"testing"
	"time"

	"github.com/ha-telemetry/ingestor/internal/model"
)

func TestDropUnavailableFilter(t *testing.T) {
	filters := DefaultFilters()
	f := filters[0]
	if f.Predicate(model.NormalizedEvent{NewState: "unavailable"}) {
		t.Fatal("expected unavailable state to be filtered")
	}
	if !f.Predicate(model.NormalizedEvent{NewState: "on"}) {
		t.Fatal("expected known state to pass")
	}
}

func TestKnownDomainFilter(t *testing.T) {
	filters := DefaultFilters()
	f := filters[1]
	if !f.Predicate(model.NormalizedEvent{Source: "weather", Domain: "nonsense"}) {
		t.Fatal("expected non-homeassistant source to bypass domain filter")
	}
	if !f.Predicate(model.NormalizedEvent{Source: "homeassistant", Domain: "sensor"}) {
		t.Fatal("expected known domain to pass")
	}
	if f.Predicate(model.NormalizedEvent{Source: "homeassistant", Domain: "automation"}) {
		t.Fatal("expected unknown domain to be filtered")
	}
}

func TestStateToPointParsesNumericState(t *testing.T) {
	ne := model.NormalizedEvent{
		EntityID:        "sensor.temp",
		Domain:          "sensor",
		Source:          "homeassistant",
		NewState:        "21.5",
		SourceTimestamp: time.Now(),
	}
	points, err := stateToPoint(ne)
	if err != nil {
		t.Fatalf("stateToPoint: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("len(points) = %d, want 1", len(points))
	}
	if points[0].Fields["value"] != 21.5 {
		t.Errorf("value = %v, want 21.5", points[0].Fields["value"])
	}
}

func TestStateToPointKeepsNonNumericStateAsString(t *testing.T) {
	ne := model.NormalizedEvent{EntityID: "light.kitchen", NewState: "on"}
	points, err := stateToPoint(ne)
	if err != nil {
		t.Fatalf("stateToPoint: %v", err)
	}
	if points[0].Fields["state"] != "on" {
		t.Errorf("state = %v, want on", points[0].Fields["state"])
	}
}

func TestNumericAttributesToPointsSkipsNonNumeric(t *testing.T) {
	ne := model.NormalizedEvent{
		EntityID: "sensor.temp",
		Attributes: map[string]any{
			"battery_level": 87.0,
			"friendly_name": "Kitchen Temp",
		},
	}
	points, err := numericAttributesToPoints(ne)
	if err != nil {
		t.Fatalf("numericAttributesToPoints: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("len(points) = %d, want 1", len(points))
	}
	if points[0].Tags["name"] != "battery_level" {
		t.Errorf("name tag = %q, want battery_level", points[0].Tags["name"])
	}
}
