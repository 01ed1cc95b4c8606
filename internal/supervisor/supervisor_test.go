package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha-telemetry/ingestor/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HA.URL = "ws://ha.local:8123/api/websocket"
	cfg.HA.Token = "test-token"
	cfg.TSDB.URL = "http://tsdb.local:8086"
	cfg.MetaDBPath = filepath.Join(t.TempDir(), "metadata.db")
	return cfg
}

func TestNewAssemblesWithoutStartingAnything(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.metaStore.Close()

	if s.rtr == nil || s.connector == nil || s.writer == nil || s.healthSrv == nil {
		t.Fatal("New() left core components nil")
	}
}

func TestBuildSchedulerSkipsUnconfiguredWorkers(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.metaStore.Close()

	sched := s.buildScheduler(cfg)
	if sched == nil {
		t.Fatal("buildScheduler returned nil")
	}
	if sched.CountersFor("weather") != nil || sched.CountersFor("power_correlation") != nil {
		t.Fatal("buildScheduler started a worker that has no configuration")
	}
}

func TestBuildSchedulerEnablesConfiguredWorkers(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnrichmentWeather.Location = "Berlin"
	cfg.EnrichmentPower.TokenURL = "https://example.com/token"

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.metaStore.Close()

	sched := s.buildScheduler(cfg)
	if sched == nil {
		t.Fatal("buildScheduler returned nil")
	}
	if sched.CountersFor("weather") == nil || sched.CountersFor("power_correlation") == nil {
		t.Fatal("buildScheduler did not start both configured workers")
	}
}

func TestHealthPredicateDependenciesRespond(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.metaStore.Close()

	if _, err := s.metaStore.DeviceCount(); err != nil {
		t.Fatalf("metadata_store liveness predicate would fail: %v", err)
	}
	if st := s.connector.State(); st.String() == "" {
		t.Fatal("haconnector readiness predicate has nothing to render")
	}
}

func TestWatcherEventsNilWatcherReturnsNilChannel(t *testing.T) {
	if ch := watcherEvents(nil); ch != nil {
		t.Fatal("watcherEvents(nil) should return a nil channel")
	}
}

func TestWatcherEventsReturnsWatcherChannel(t *testing.T) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.Skipf("fsnotify unavailable in this environment: %v", err)
	}
	defer w.Close()

	if ch := watcherEvents(w); ch == nil {
		t.Fatal("watcherEvents(w) should return w.Events")
	}
}

func TestReloadEnrichmentNoopsOnEmptyConfigPath(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.metaStore.Close()

	var wg sync.WaitGroup
	s.reloadEnrichment(context.Background(), &wg, "")
	if s.reloadCancel != nil {
		t.Fatal("reloadEnrichment with an empty configPath should not install a reload context")
	}
}

// writeTestConfigFile writes a minimal valid TOML config file and returns its path.
func writeTestConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[ha]
url = "ws://ha.local:8123/api/websocket"
token = "test-token"
[tsdb]
url = "http://tsdb.local:8086"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestReloadEnrichmentCancelsThePreviouslyRunningScheduler(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.metaStore.Close()

	configPath := writeTestConfigFile(t)

	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	var wg sync.WaitGroup

	// Simulate the scheduler Run() started at startup, on a cancelable
	// child context tracked in reloadCancel, exactly as Run() does.
	firstCtx, firstCancel := context.WithCancel(ctx)
	s.reloadCancel = firstCancel
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scheduler.Run(firstCtx)
	}()

	// A reload must cancel the first scheduler before starting the second.
	s.reloadEnrichment(ctx, &wg, configPath)

	select {
	case <-firstCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("reloadEnrichment did not cancel the previously running scheduler")
	}

	// Cancelling the top-level context should let both scheduler goroutines
	// (the cancelled original and the reload's replacement) exit.
	cancelAll()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler goroutines did not exit after cancellation")
	}
}
