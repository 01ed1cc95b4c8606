package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("HA_URL", "ws://ha.local:8123/api/websocket")
	t.Setenv("HA_TOKEN", "token")
	t.Setenv("TSDB_URL", "http://tsdb.local:8086")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TSDB.BatchSize != 1000 {
		t.Errorf("TSDB.BatchSize = %d, want default 1000", cfg.TSDB.BatchSize)
	}
	if cfg.RouterWorkers != 4 {
		t.Errorf("RouterWorkers = %d, want default 4", cfg.RouterWorkers)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	t.Setenv("HA_TOKEN", "token")

	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[ha]
url = "ws://file.local:8123/api/websocket"

[tsdb]
url = "http://file.local:8086"
batch_size = 500
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HA.URL != "ws://file.local:8123/api/websocket" {
		t.Errorf("HA.URL = %q, want file value", cfg.HA.URL)
	}
	if cfg.TSDB.BatchSize != 500 {
		t.Errorf("TSDB.BatchSize = %d, want 500 from file", cfg.TSDB.BatchSize)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("HA_TOKEN", "token")
	t.Setenv("TSDB_URL", "http://env.local:8086")

	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[ha]
url = "ws://file.local:8123/api/websocket"
[tsdb]
url = "http://file.local:8086"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TSDB.URL != "http://env.local:8086" {
		t.Errorf("TSDB.URL = %q, want env override", cfg.TSDB.URL)
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("Load() with no HA_URL/HA_TOKEN/TSDB_URL set should fail validation")
	}
}

func TestValidateNormalizesNonPositiveDurations(t *testing.T) {
	cfg := Default()
	cfg.HA.URL = "ws://ha.local:8123/api/websocket"
	cfg.HA.Token = "token"
	cfg.TSDB.URL = "http://tsdb.local:8086"
	cfg.HA.ConnectionTimeout = Duration{0}
	cfg.TSDB.FlushInterval = Duration{-time.Second}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.HA.ConnectionTimeout.Duration != 60*time.Second {
		t.Errorf("ConnectionTimeout = %v, want normalized default", cfg.HA.ConnectionTimeout.Duration)
	}
	if cfg.TSDB.FlushInterval.Duration != 5*time.Second {
		t.Errorf("FlushInterval = %v, want normalized default", cfg.TSDB.FlushInterval.Duration)
	}
}

func TestDurationRoundTripsThroughText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", d.Duration)
	}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}
	if string(text) != "1m30s" {
		t.Errorf("MarshalText() = %q, want %q", text, "1m30s")
	}
}
