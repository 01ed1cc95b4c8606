package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetcherParsesCurrentConditions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"current":{"time":"2026-08-01T00:00","temperature_2m":21.5,"wind_speed_10m":5.2,"wind_direction_10m":180,"weather_code":3}}`))
	}))
	defer srv.Close()

	fetch := Fetcher(Config{Location: "Madrid", Latitude: 40.4, Longitude: -3.7, ForecastBaseURL: srv.URL}, srv.Client())

	events, err := fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}

	ev := events[0]
	if ev.EntityID != "weather.madrid" {
		t.Errorf("EntityID = %q, want weather.madrid", ev.EntityID)
	}
	if ev.NewState != "partly_cloudy" {
		t.Errorf("NewState = %q, want partly_cloudy", ev.NewState)
	}
	if ev.Attributes["temperature"] != 21.5 {
		t.Errorf("temperature attribute = %v, want 21.5", ev.Attributes["temperature"])
	}
}

func TestFetcherPropagatesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fetch := Fetcher(Config{Location: "Madrid", ForecastBaseURL: srv.URL}, srv.Client())
	if _, err := fetch(context.Background()); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestTranslateWeatherCode(t *testing.T) {
	cases := map[int]string{
		0:  "clear",
		3:  "partly_cloudy",
		45: "fog",
		63: "rain",
		73: "snow",
		80: "rain_showers",
		85: "snow_showers",
		95: "thunderstorm",
	}
	for code, want := range cases {
		if got := translateWeatherCode(code); got != want {
			t.Errorf("translateWeatherCode(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestSanitizeLocation(t *testing.T) {
	cases := map[string]string{
		"Madrid":   "madrid",
		"New York": "new_york",
	}
	for in, want := range cases {
		if got := sanitizeLocation(in); got != want {
			t.Errorf("sanitizeLocation(%q) = %q, want %q", in, got, want)
		}
	}
}
