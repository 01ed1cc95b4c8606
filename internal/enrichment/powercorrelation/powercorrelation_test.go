package powercorrelation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCacheRecentFiltersByWindow(t *testing.T) {
	c := NewCache(10)
	c.Observe("sensor.oven_power", 1200, time.Now().Add(-20*time.Minute))
	c.Observe("sensor.oven_power", 1300, time.Now())

	recent := c.Recent(15 * time.Minute)
	if len(recent) != 1 {
		t.Fatalf("len(recent) = %d, want 1", len(recent))
	}
	if recent[0].Watts != 1300 {
		t.Fatalf("recent[0].Watts = %v, want 1300", recent[0].Watts)
	}
}

func TestCacheEvictsBeyondCapacity(t *testing.T) {
	c := NewCache(2)
	c.Observe("sensor.a", 1, time.Now())
	c.Observe("sensor.b", 2, time.Now())
	c.Observe("sensor.c", 3, time.Now())

	if len(c.samples) != 2 {
		t.Fatalf("len(samples) = %d, want 2", len(c.samples))
	}
	if c.samples[0].EntityID != "sensor.b" {
		t.Fatalf("oldest surviving sample = %q, want sensor.b", c.samples[0].EntityID)
	}
}

func TestFetcherCorrelatesTariffWithRecentSamples(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"abc123","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/tariff", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price_per_kwh":0.25,"grid_load_pct":42.0,"as_of":"2026-08-01T00:00:00Z"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cache := NewCache(10)
	cache.Observe("sensor.oven_power", 1000, time.Now())
	cache.Observe("sensor.oven_power", 2000, time.Now())

	fetch := Fetcher(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/token",
		TariffURL:    srv.URL + "/tariff",
	}, cache)

	events, err := fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}

	ev := events[0]
	if ev.EntityID != "sensor.oven_power" {
		t.Errorf("EntityID = %q, want sensor.oven_power", ev.EntityID)
	}
	if ev.Attributes["avg_watts_15m"] != 1500.0 {
		t.Errorf("avg_watts_15m = %v, want 1500", ev.Attributes["avg_watts_15m"])
	}
	if ev.Attributes["price_per_kwh"] != 0.25 {
		t.Errorf("price_per_kwh = %v, want 0.25", ev.Attributes["price_per_kwh"])
	}
}
