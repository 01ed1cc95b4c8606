// Package powercorrelation implements the power-correlation enrichment
// worker: it fetches an OAuth2-secured utility tariff/grid-load feed and
// correlates it against recently observed power-sensor readings cached
// from the router's own event stream, emitting one EnrichmentEvent per
// entity that has samples in the correlation window.
package powercorrelation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/ha-telemetry/ingestor/internal/model"
)

// Config configures the OAuth2 client-credentials flow and tariff endpoint.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	TariffURL    string
}

// tariffResponse mirrors the fields this worker needs from a grid-operator
// tariff/load API; real providers vary, but "price per kWh right now" and a
// load index are the common denominator this correlation needs.
type tariffResponse struct {
	PricePerKWh float64 `json:"price_per_kwh"`
	GridLoadPct float64 `json:"grid_load_pct"`
	AsOf        string  `json:"as_of"`
}

// PowerSample is one observed power-sensor reading, as cached by Cache.
type PowerSample struct {
	EntityID  string
	Watts     float64
	Timestamp time.Time
}

// Cache is a bounded buffer of recent power-sensor readings, fed by the
// router's own observed stream (sensor domain, device_class power). All
// entities share one buffer: capacity bounds the total number of samples,
// not the number per entity_id. It exists purely to give the correlation worker a
// recent-readings window; it is not a source of truth for sensor state.
type Cache struct {
	mu       sync.Mutex
	capacity int
	samples  []PowerSample
}

// NewCache constructs a Cache retaining at most capacity recent samples.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 500
	}
	return &Cache{capacity: capacity}
}

// Observe records a sample, evicting the oldest once capacity is exceeded.
func (c *Cache) Observe(entityID string, watts float64, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, PowerSample{EntityID: entityID, Watts: watts, Timestamp: ts})
	if len(c.samples) > c.capacity {
		c.samples = c.samples[len(c.samples)-c.capacity:]
	}
}

// Recent returns a copy of samples observed within window of now.
func (c *Cache) Recent(window time.Duration) []PowerSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-window)
	out := make([]PowerSample, 0, len(c.samples))
	for _, s := range c.samples {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Fetcher builds an enrichment.Fetcher bound to cfg and cache, correlating
// the tariff feed against the last 15 minutes of observed power samples.
func Fetcher(cfg Config, cache *Cache) func(ctx context.Context) ([]model.EnrichmentEvent, error) {
	oauthCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}

	return func(ctx context.Context) ([]model.EnrichmentEvent, error) {
		httpClient := oauthCfg.Client(ctx)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.TariffURL, nil)
		if err != nil {
			return nil, fmt.Errorf("building tariff request: %w", err)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching tariff feed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("tariff api returned status %d", resp.StatusCode)
		}

		var tariff tariffResponse
		if err := json.NewDecoder(resp.Body).Decode(&tariff); err != nil {
			return nil, fmt.Errorf("decoding tariff response: %w", err)
		}

		samples := cache.Recent(15 * time.Minute)
		fetchedAt := time.Now()

		events := make([]model.EnrichmentEvent, 0, len(samples))
		byEntity := averageByEntity(samples)
		for entityID, avgWatts := range byEntity {
			events = append(events, model.EnrichmentEvent{
				SourceKind: "power_correlation",
				EntityID:   entityID,
				Domain:     model.DomainOf(entityID),
				NewState:   fmt.Sprintf("%.2f", avgWatts*tariff.PricePerKWh/1000),
				Attributes: map[string]any{
					"avg_watts_15m": avgWatts,
					"price_per_kwh": tariff.PricePerKWh,
					"grid_load_pct": tariff.GridLoadPct,
					"sample_count":  len(samples),
				},
				FetchedAt: fetchedAt,
			})
		}
		return events, nil
	}
}

func averageByEntity(samples []PowerSample) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, s := range samples {
		sums[s.EntityID] += s.Watts
		counts[s.EntityID]++
	}
	out := make(map[string]float64, len(sums))
	for entityID, sum := range sums {
		out[entityID] = math.Round((sum/float64(counts[entityID]))*100) / 100
	}
	return out
}
