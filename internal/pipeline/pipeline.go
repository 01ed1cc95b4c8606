// Package pipeline builds the EventRouter's default filter and transform
// chains. The spec calls for explicit enumerated configuration rather than
// a dynamically-dispatched plug-in system, so both chains are fixed Go
// slices assembled here instead of loaded from a rules file; extending
// either chain means adding a variant to this file.
package pipeline

import (
	"fmt"
	"strconv"

	"github.com/ha-telemetry/ingestor/internal/model"
	"github.com/ha-telemetry/ingestor/internal/router"
)

// unavailableStates are Home Assistant's well-known non-values; points
// derived from them would pollute the time series with string sentinels.
var unavailableStates = map[string]bool{
	"unavailable": true,
	"unknown":     true,
	"":            true,
}

// DefaultFilters returns the router's default filter chain:
//  1. drop events in a sentinel state ("unavailable"/"unknown"/empty)
//  2. drop events whose domain the pipeline does not understand a point
//     shape for
func DefaultFilters() []router.Filter {
	return []router.Filter{
		{
			Name: "drop_unavailable",
			Predicate: func(ne model.NormalizedEvent) bool {
				return !unavailableStates[ne.NewState]
			},
		},
		{
			Name: "known_domain",
			Predicate: func(ne model.NormalizedEvent) bool {
				if ne.Source != "homeassistant" {
					return true
				}
				return knownDomains[ne.Domain]
			},
		},
	}
}

var knownDomains = map[string]bool{
	"sensor":        true,
	"binary_sensor": true,
	"switch":        true,
	"light":         true,
	"climate":       true,
	"weather":       true,
}

// DefaultTransforms returns the router's default transform chain:
//  1. state_point: always emits one Point per NormalizedEvent carrying the
//     entity's state (as a numeric "value" field when parseable, else a
//     string "state" field)
//  2. numeric_attributes: emits one additional Point per numeric attribute
//     (e.g. a sensor's "battery_level") so dashboards can query it directly
func DefaultTransforms() []router.Transform {
	return []router.Transform{
		{Name: "state_point", Fn: stateToPoint},
		{Name: "numeric_attributes", Fn: numericAttributesToPoints},
	}
}

func stateToPoint(ne model.NormalizedEvent) ([]model.Point, error) {
	fields := make(map[string]any, 1)
	if f, err := strconv.ParseFloat(ne.NewState, 64); err == nil {
		fields["value"] = f
	} else {
		fields["state"] = ne.NewState
	}

	return []model.Point{{
		Measurement: "state",
		Tags: map[string]string{
			"entity_id": ne.EntityID,
			"domain":    ne.Domain,
			"source":    ne.Source,
		},
		Fields:    fields,
		Timestamp: ne.SourceTimestamp,
	}}, nil
}

func numericAttributesToPoints(ne model.NormalizedEvent) ([]model.Point, error) {
	if ne.Attributes == nil {
		return nil, nil
	}

	var points []model.Point
	for key, v := range ne.Attributes {
		f, ok := numericValue(v)
		if !ok {
			continue
		}
		points = append(points, model.Point{
			Measurement: "attribute",
			Tags: map[string]string{
				"entity_id": ne.EntityID,
				"domain":    ne.Domain,
				"name":      key,
			},
			Fields:    map[string]any{"value": f},
			Timestamp: ne.SourceTimestamp,
		})
	}
	return points, nil
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Describe returns a human-readable summary of the configured chains.
func Describe(filters []router.Filter, transforms []router.Transform) string {
	s := fmt.Sprintf("%d filters, %d transforms: ", len(filters), len(transforms))
	for i, f := range filters {
		if i > 0 {
			s += ", "
		}
		s += f.Name
	}
	s += " | "
	for i, t := range transforms {
		if i > 0 {
			s += ", "
		}
		s += t.Name
	}
	return s
}
