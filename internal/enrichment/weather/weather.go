// Package weather implements an enrichment.Fetcher that polls Open-Meteo's
// free forecast API for a configured location and emits one
// EnrichmentEvent per fetch.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ha-telemetry/ingestor/internal/model"
)

const defaultForecastBaseURL = "https://api.open-meteo.com/v1/forecast"

// Config configures a weather worker's target location.
type Config struct {
	Location  string // display name, used as the synthetic entity_id suffix
	Latitude  float64
	Longitude float64

	// ForecastBaseURL overrides the Open-Meteo endpoint; empty uses the
	// real API. Exists so tests can point at an httptest server.
	ForecastBaseURL string
}

// forecastResult mirrors the subset of Open-Meteo's current-weather
// response this worker consumes.
type forecastResult struct {
	Current struct {
		Time          string  `json:"time"`
		Temperature   float64 `json:"temperature_2m"`
		WindSpeed     float64 `json:"wind_speed_10m"`
		WindDirection float64 `json:"wind_direction_10m"`
		WeatherCode   int     `json:"weather_code"`
	} `json:"current"`
}

// Fetcher builds an enrichment.Fetcher bound to a Config and http.Client.
func Fetcher(cfg Config, client *http.Client) func(ctx context.Context) ([]model.EnrichmentEvent, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := cfg.ForecastBaseURL
	if baseURL == "" {
		baseURL = defaultForecastBaseURL
	}

	return func(ctx context.Context) ([]model.EnrichmentEvent, error) {
		reqURL := baseURL + "?" + url.Values{
			"latitude":  {strconv.FormatFloat(cfg.Latitude, 'f', -1, 64)},
			"longitude": {strconv.FormatFloat(cfg.Longitude, 'f', -1, 64)},
			"current":   {"temperature_2m,wind_speed_10m,wind_direction_10m,weather_code"},
			"timezone":  {"auto"},
		}.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("building forecast request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching forecast: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("forecast api returned status %d", resp.StatusCode)
		}

		var result forecastResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decoding forecast response: %w", err)
		}

		fetchedAt := time.Now()
		entityID := "weather." + sanitizeLocation(cfg.Location)

		return []model.EnrichmentEvent{{
			SourceKind: "weather",
			EntityID:   entityID,
			Domain:     "weather",
			NewState:   translateWeatherCode(result.Current.WeatherCode),
			Attributes: map[string]any{
				"temperature":    result.Current.Temperature,
				"wind_speed":     result.Current.WindSpeed,
				"wind_direction": result.Current.WindDirection,
				"weather_code":   result.Current.WeatherCode,
				"location":       cfg.Location,
			},
			FetchedAt: fetchedAt,
		}}, nil
	}
}

func sanitizeLocation(location string) string {
	out := make([]rune, 0, len(location))
	for _, r := range location {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r >= 'A' && r <= 'Z' {
			out = append(out, r-'A'+'a')
			continue
		}
		out = append(out, '_')
	}
	return string(out)
}

// translateWeatherCode maps Open-Meteo's WMO weather codes to a short
// human-readable state string.
func translateWeatherCode(code int) string {
	switch {
	case code == 0:
		return "clear"
	case code <= 3:
		return "partly_cloudy"
	case code <= 48:
		return "fog"
	case code <= 67:
		return "rain"
	case code <= 77:
		return "snow"
	case code <= 82:
		return "rain_showers"
	case code <= 86:
		return "snow_showers"
	case code >= 95:
		return "thunderstorm"
	default:
		return "unknown"
	}
}
