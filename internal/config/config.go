// Package config assembles the pipeline's configuration from an optional
// local TOML file (for development convenience) overlaid by the
// environment-variable bindings that make up the process's real
// configuration surface. Environment variables always win over the file,
// since the file exists only to make local runs less tedious.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so it marshals/unmarshals as a Go duration
// string ("30s", "5m") in both TOML and environment-variable form.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// HAConfig configures the Home Assistant connector.
type HAConfig struct {
	URL               string   `toml:"url"`
	Token             string   `toml:"token"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`    // base backoff delay
	ConnectionTimeout Duration `toml:"connection_timeout"` // heartbeat/idle timeout
}

// TSDBConfig configures the time-series store client and BatchWriter.
type TSDBConfig struct {
	URL           string   `toml:"url"`
	Token         string   `toml:"token"`
	Org           string   `toml:"org"`
	Bucket        string   `toml:"bucket"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval Duration `toml:"flush_interval"`
}

// EnrichmentWeatherConfig configures the weather enrichment worker. The
// Open-Meteo forecast API this worker calls is keyless; Location/Latitude/
// Longitude select the forecast point.
type EnrichmentWeatherConfig struct {
	Location  string   `toml:"location"`
	Latitude  float64  `toml:"latitude"`
	Longitude float64  `toml:"longitude"`
	Interval  Duration `toml:"interval"`
	CacheTTL  Duration `toml:"cache_ttl"`
}

// EnrichmentPowerConfig configures the power-correlation enrichment worker,
// which authenticates to a grid/tariff API via OAuth2 client-credentials.
type EnrichmentPowerConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	TokenURL     string   `toml:"token_url"`
	TariffURL    string   `toml:"tariff_url"`
	Interval     Duration `toml:"interval"`
	CacheTTL     Duration `toml:"cache_ttl"`
}

// Config is the process-level configuration object assembled by Load.
type Config struct {
	HA         HAConfig   `toml:"ha"`
	TSDB       TSDBConfig `toml:"tsdb"`
	MetaDBPath string     `toml:"meta_db_path"`

	IntakeQueueCapacity int `toml:"intake_queue_capacity"`
	RouterWorkers       int `toml:"router_workers"`

	EnrichmentWeather EnrichmentWeatherConfig `toml:"enrichment_weather"`
	EnrichmentPower   EnrichmentPowerConfig   `toml:"enrichment_power"`

	ShutdownDeadline Duration `toml:"shutdown_deadline"`
	HealthPort       int      `toml:"health_port"`
}

// Default returns a Config with every field set to the spec's defaults.
func Default() *Config {
	return &Config{
		HA: HAConfig{
			URL:               "ws://homeassistant.local:8123/api/websocket",
			ReconnectDelay:    Duration{time.Second},
			ConnectionTimeout: Duration{60 * time.Second},
		},
		TSDB: TSDBConfig{
			BatchSize:     1000,
			FlushInterval: Duration{5 * time.Second},
		},
		MetaDBPath:          "./metadata.db",
		IntakeQueueCapacity: 10000,
		RouterWorkers:       4,
		EnrichmentWeather: EnrichmentWeatherConfig{
			Interval: Duration{30 * time.Minute},
			CacheTTL: Duration{30 * time.Minute},
		},
		EnrichmentPower: EnrichmentPowerConfig{
			Interval: Duration{15 * time.Minute},
			CacheTTL: Duration{15 * time.Minute},
		},
		ShutdownDeadline: Duration{30 * time.Second},
		HealthPort:       8080,
	}
}

// Load builds the configuration: defaults, then an optional TOML file at
// filePath (skipped silently if it does not exist), then environment
// variable overrides. Returns a plain error describing the first file or
// validation failure; it is not wrapped in a perr type.
func Load(filePath string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		if data, err := os.ReadFile(filePath); err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str(&cfg.HA.URL, "HA_URL")
	str(&cfg.HA.Token, "HA_TOKEN")
	dur(&cfg.HA.ReconnectDelay, "HA_RECONNECT_DELAY")
	dur(&cfg.HA.ConnectionTimeout, "HA_CONNECTION_TIMEOUT")

	str(&cfg.TSDB.URL, "TSDB_URL")
	str(&cfg.TSDB.Token, "TSDB_TOKEN")
	str(&cfg.TSDB.Org, "TSDB_ORG")
	str(&cfg.TSDB.Bucket, "TSDB_BUCKET")
	intv(&cfg.TSDB.BatchSize, "TSDB_BATCH_SIZE")
	dur(&cfg.TSDB.FlushInterval, "TSDB_FLUSH_INTERVAL")

	str(&cfg.MetaDBPath, "META_DB_PATH")

	intv(&cfg.IntakeQueueCapacity, "INTAKE_QUEUE_CAPACITY")
	intv(&cfg.RouterWorkers, "ROUTER_WORKERS")

	str(&cfg.EnrichmentWeather.Location, "ENRICHMENT_WEATHER_LOCATION")
	floatv(&cfg.EnrichmentWeather.Latitude, "ENRICHMENT_WEATHER_LATITUDE")
	floatv(&cfg.EnrichmentWeather.Longitude, "ENRICHMENT_WEATHER_LONGITUDE")
	dur(&cfg.EnrichmentWeather.Interval, "ENRICHMENT_WEATHER_INTERVAL")
	dur(&cfg.EnrichmentWeather.CacheTTL, "ENRICHMENT_WEATHER_CACHE_TTL")

	str(&cfg.EnrichmentPower.ClientID, "ENRICHMENT_POWER_CLIENT_ID")
	str(&cfg.EnrichmentPower.ClientSecret, "ENRICHMENT_POWER_CLIENT_SECRET")
	str(&cfg.EnrichmentPower.TokenURL, "ENRICHMENT_POWER_TOKEN_URL")
	str(&cfg.EnrichmentPower.TariffURL, "ENRICHMENT_POWER_TARIFF_URL")
	dur(&cfg.EnrichmentPower.Interval, "ENRICHMENT_POWER_INTERVAL")
	dur(&cfg.EnrichmentPower.CacheTTL, "ENRICHMENT_POWER_CACHE_TTL")

	// SHUTDOWN_DEADLINE_SECONDS is an integer count of seconds, as its name
	// says, unlike the other duration variables above, which take Go
	// duration strings.
	if v, ok := os.LookupEnv("SHUTDOWN_DEADLINE_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ShutdownDeadline = Duration{time.Duration(n) * time.Second}
		}
	}
	intv(&cfg.HealthPort, "HEALTH_PORT")
}

func str(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

func intv(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func dur(dst *Duration, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func floatv(dst *float64, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate checks required fields and normalizes bounds. It is the single
// place startup fails fast on bad configuration (spec §4.6 step 1).
func (c *Config) Validate() error {
	if c.HA.URL == "" {
		return fmt.Errorf("HA_URL is required")
	}
	if c.HA.Token == "" {
		return fmt.Errorf("HA_TOKEN is required")
	}
	if c.HA.ConnectionTimeout.Duration <= 0 {
		c.HA.ConnectionTimeout = Duration{60 * time.Second}
	}
	if c.HA.ReconnectDelay.Duration <= 0 {
		c.HA.ReconnectDelay = Duration{time.Second}
	}

	if c.TSDB.URL == "" {
		return fmt.Errorf("TSDB_URL is required")
	}
	if c.TSDB.BatchSize <= 0 {
		c.TSDB.BatchSize = 1000
	}
	if c.TSDB.FlushInterval.Duration <= 0 {
		c.TSDB.FlushInterval = Duration{5 * time.Second}
	}

	if c.MetaDBPath == "" {
		return fmt.Errorf("META_DB_PATH is required")
	}

	if c.IntakeQueueCapacity <= 0 {
		c.IntakeQueueCapacity = 10000
	}
	if c.RouterWorkers <= 0 {
		c.RouterWorkers = 4
	}

	if c.ShutdownDeadline.Duration <= 0 {
		c.ShutdownDeadline = Duration{30 * time.Second}
	}
	if c.HealthPort <= 0 {
		c.HealthPort = 8080
	}

	return nil
}
