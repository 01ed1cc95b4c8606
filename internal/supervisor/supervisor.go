// Package supervisor wires the pipeline's components together and drives
// the startup/shutdown ordering the rest of the packages assume: metadata
// store and TSDB client come up before anything can write to them, the
// connector comes up last so nothing is dropped on the floor before a
// consumer exists, and shutdown cancels every component together under a
// hard deadline; components are not stopped one by one in reverse startup
// order (spec §4.6). It is grounded on cmd/serve.go's signal handling
// and fsnotify-driven reload loop, generalized from reloading datasource
// instances to reloading the enrichment worker set.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha-telemetry/ingestor/internal/config"
	"github.com/ha-telemetry/ingestor/internal/deadletter"
	"github.com/ha-telemetry/ingestor/internal/enrichment"
	"github.com/ha-telemetry/ingestor/internal/enrichment/powercorrelation"
	"github.com/ha-telemetry/ingestor/internal/enrichment/weather"
	"github.com/ha-telemetry/ingestor/internal/haconnector"
	"github.com/ha-telemetry/ingestor/internal/health"
	"github.com/ha-telemetry/ingestor/internal/logx"
	"github.com/ha-telemetry/ingestor/internal/metadata"
	"github.com/ha-telemetry/ingestor/internal/model"
	"github.com/ha-telemetry/ingestor/internal/pipeline"
	"github.com/ha-telemetry/ingestor/internal/router"
	"github.com/ha-telemetry/ingestor/internal/tsdb"
	"github.com/ha-telemetry/ingestor/internal/version"
)

// Supervisor owns every long-lived component's lifecycle.
type Supervisor struct {
	cfg *config.Config
	log *logx.Logger

	metaStore  *metadata.Store
	tsdbClient *tsdb.Client
	writer     *tsdb.Writer
	syncer     *metadata.Synchronizer
	deadLtr    *deadletter.Sink
	rtr        *router.Router
	powerCache *powercorrelation.Cache
	scheduler  *enrichment.Scheduler
	connector  *haconnector.Connector
	healthSrv  *health.Server

	rawCh chan model.RawEvent

	mu           sync.Mutex
	reloadCancel context.CancelFunc
}

// New assembles every component from cfg but starts nothing.
func New(cfg *config.Config) (*Supervisor, error) {
	s := &Supervisor{
		cfg: cfg,
		log: logx.ForService("supervisor"),
	}

	var err error
	s.metaStore, err = metadata.Open(cfg.MetaDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	s.tsdbClient = tsdb.NewClient(tsdb.ClientConfig{
		URL:    cfg.TSDB.URL,
		Token:  cfg.TSDB.Token,
		Org:    cfg.TSDB.Org,
		Bucket: cfg.TSDB.Bucket,
	}, &http.Client{Timeout: 30 * time.Second})

	dl, err := deadletter.New(deadletter.Config{Dir: "./dead-letter"})
	if err != nil {
		return nil, fmt.Errorf("creating dead-letter sink: %w", err)
	}
	s.deadLtr = dl

	s.writer = tsdb.NewWriter(tsdb.Config{
		MaxBatchSize:  cfg.TSDB.BatchSize,
		MaxBatchAge:   cfg.TSDB.FlushInterval.Duration,
		FlushDeadline: 5 * time.Second,
	}, s.tsdbClient, s.deadLtr)

	s.syncer = metadata.NewSynchronizer(metadata.SyncConfig{
		CoalesceWindow: time.Second,
	}, s.metaStore)

	s.rtr = router.New(router.Config{
		QueueCapacity: cfg.IntakeQueueCapacity,
		Workers:       cfg.RouterWorkers,
	}, pipeline.DefaultFilters(), pipeline.DefaultTransforms(), s.writer, s.syncer, s.deadLtr)

	// The power-correlation worker correlates a fetched tariff feed against
	// recently observed power-sensor readings; the router is the only thing
	// that sees every NormalizedEvent, so it feeds the cache as events pass
	// through, and the worker reads it back on each tick.
	s.powerCache = powercorrelation.NewCache(512)
	s.rtr.SetPowerObserver(s.powerCache)

	s.rawCh = make(chan model.RawEvent, cfg.IntakeQueueCapacity)
	s.connector = haconnector.New(haconnector.Config{
		URL:                cfg.HA.URL,
		Token:              cfg.HA.Token,
		ReconnectBaseDelay: cfg.HA.ReconnectDelay.Duration,
		ReconnectMaxDelay:  60 * time.Second,
		HeartbeatTimeout:   cfg.HA.ConnectionTimeout.Duration,
	}, s.rawCh)

	s.scheduler = s.buildScheduler(cfg)

	s.healthSrv = health.New().WithInstanceID(version.InstanceID)
	s.registerHealth()

	return s, nil
}

// buildScheduler assembles the enrichment worker set from cfg. It reuses
// s.powerCache (fed by the router) rather than allocating a new one, so a
// reload does not discard the window of recently observed power readings.
func (s *Supervisor) buildScheduler(cfg *config.Config) *enrichment.Scheduler {
	var cfgs []enrichment.WorkerConfig

	if cfg.EnrichmentWeather.Location != "" {
		cfgs = append(cfgs, enrichment.WorkerConfig{
			Kind:     "weather",
			Interval: cfg.EnrichmentWeather.Interval.Duration,
			CacheTTL: cfg.EnrichmentWeather.CacheTTL.Duration,
			Fetch: weather.Fetcher(weather.Config{
				Location:  cfg.EnrichmentWeather.Location,
				Latitude:  cfg.EnrichmentWeather.Latitude,
				Longitude: cfg.EnrichmentWeather.Longitude,
			}, nil),
		})
	}

	if cfg.EnrichmentPower.TokenURL != "" {
		cfgs = append(cfgs, enrichment.WorkerConfig{
			Kind:     "power_correlation",
			Interval: cfg.EnrichmentPower.Interval.Duration,
			CacheTTL: cfg.EnrichmentPower.CacheTTL.Duration,
			Fetch: powercorrelation.Fetcher(powercorrelation.Config{
				ClientID:     cfg.EnrichmentPower.ClientID,
				ClientSecret: cfg.EnrichmentPower.ClientSecret,
				TokenURL:     cfg.EnrichmentPower.TokenURL,
				TariffURL:    cfg.EnrichmentPower.TariffURL,
			}, s.powerCache),
		})
	}

	return enrichment.NewScheduler(s.rtr, cfgs...)
}

func (s *Supervisor) registerHealth() {
	s.healthSrv.RegisterLiveness("metadata_store", func() (bool, string) {
		if _, err := s.metaStore.DeviceCount(); err != nil {
			return false, err.Error()
		}
		return true, "ok"
	})

	s.healthSrv.RegisterReadiness("haconnector", func() (bool, string) {
		st := s.connector.State()
		return st == haconnector.StateStreaming, st.String()
	})

	s.healthSrv.RegisterReadiness("tsdb_writer", func() (bool, string) {
		last := time.Unix(0, s.writer.Counters().LastFlushAt.Load())
		if last.IsZero() || last.Unix() == 0 {
			return true, "no flush yet"
		}
		age := time.Since(last)
		maxAge := 2 * s.cfg.TSDB.FlushInterval.Duration
		if age > maxAge {
			return false, fmt.Sprintf("last flush %s ago exceeds %s", age, maxAge)
		}
		return true, "ok"
	})

	s.healthSrv.RegisterCounter("router_accepted_total", func() int64 { return s.rtr.Counters().Accepted.Load() })
	s.healthSrv.RegisterCounter("router_transform_failures_total", func() int64 { return s.rtr.Counters().TransformFailures.Load() })
	s.healthSrv.RegisterCounter("tsdb_points_written_total", func() int64 { return s.writer.Counters().PointsWritten.Load() })
	s.healthSrv.RegisterCounter("tsdb_points_dead_lettered_total", func() int64 { return s.writer.Counters().PointsDeadLettered.Load() })
	s.healthSrv.RegisterCounter("haconnector_connect_attempts_total", func() int64 { return s.connector.Counters().ConnectAttempts.Load() })
}

// Run starts every component in dependency order, blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives (SIGHUP reloads the enrichment
// workers instead), then cancels every component at once and shuts down
// with a hard deadline.
func (s *Supervisor) Run(ctx context.Context, configPath string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
		s.log.Infof("started %s", name)
	}

	start("deadletter", s.deadLtr.Run)
	start("tsdb_writer", s.writer.Run)
	start("metadata_synchronizer", s.syncer.Run)
	start("router", s.rtr.Run)

	// The enrichment scheduler runs on its own cancelable child context
	// (tracked in s.reloadCancel) rather than runCtx directly, so a SIGHUP/
	// config-change reload can cancel this exact goroutine before starting
	// its replacement instead of leaving it running alongside a new one.
	schedCtx, schedCancel := context.WithCancel(runCtx)
	s.mu.Lock()
	s.reloadCancel = schedCancel
	s.mu.Unlock()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scheduler.Run(schedCtx)
	}()
	s.log.Infof("started enrichment_scheduler")

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pumpConnectorEvents(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.connector.Run(runCtx); err != nil {
			s.log.Errorf("haconnector stopped fatally: %v", err)
			cancel()
		}
	}()

	healthStop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf(":%d", s.cfg.HealthPort)
		if err := s.healthSrv.Run(addr, healthStop); err != nil {
			s.log.Errorf("health server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr != nil {
		s.log.Warnf("failed to create config file watcher: %v", watchErr)
	} else {
		defer watcher.Close()
		if configPath != "" {
			if err := watcher.Add(configPath); err != nil {
				s.log.Warnf("failed to watch config file %s: %v", configPath, err)
			}
		}
	}

	for {
		select {
		case <-runCtx.Done():
			close(healthStop)
			return s.shutdown(&wg)

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.log.Infof("received SIGHUP, reloading enrichment workers")
				s.reloadEnrichment(runCtx, &wg, configPath)
			case syscall.SIGINT, syscall.SIGTERM:
				s.log.Infof("received %s, shutting down", sig)
				cancel()
			}

		case event, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				time.Sleep(100 * time.Millisecond)
				s.log.Infof("config file changed, reloading enrichment workers")
				s.reloadEnrichment(runCtx, &wg, configPath)
			}
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// pumpConnectorEvents forwards RawEvents from the connector's output
// channel into the router's intake queue, applying the router's
// block-the-producer backpressure to the connector itself.
func (s *Supervisor) pumpConnectorEvents(ctx context.Context) {
	for {
		select {
		case raw := <-s.rawCh:
			if err := s.rtr.EnqueueFromConnector(ctx, raw); err != nil && ctx.Err() == nil {
				s.log.Warnf("dropping malformed event: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// reloadEnrichment rebuilds the enrichment worker set from the config file
// on disk without restarting the connector, router, or stores. A worker
// whose configuration did not change still restarts; workers are cheap and
// idempotent (spec §4.5 failure isolation makes this safe). It cancels the
// currently running scheduler (whether started by Run or a previous reload)
// before starting its replacement, so reloads never leave two worker sets
// running concurrently. The replacement is tracked on wg like every other
// long-lived goroutine, so shutdown still waits for it to exit.
func (s *Supervisor) reloadEnrichment(parentCtx context.Context, wg *sync.WaitGroup, configPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if configPath == "" {
		return
	}
	newCfg, err := config.Load(configPath)
	if err != nil {
		s.log.Errorf("reload: loading config: %v", err)
		return
	}
	s.cfg = newCfg

	if s.reloadCancel != nil {
		s.reloadCancel()
	}
	schedCtx, schedCancel := context.WithCancel(parentCtx)
	s.reloadCancel = schedCancel

	s.scheduler = s.buildScheduler(newCfg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scheduler.Run(schedCtx)
	}()
	s.log.Infof("enrichment workers reloaded")
}

// shutdown waits, up to cfg.ShutdownDeadline, for every component to return
// after the shared run context was cancelled. All components see that
// cancellation at the same moment, so they are not stopped in reverse
// startup order. Components that do not stop in time are abandoned so the
// process can still exit. It then flushes the BatchWriter's partial batch
// and the Synchronizer's pending upserts once more and closes the metadata
// store.
func (s *Supervisor) shutdown(wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	deadline := s.cfg.ShutdownDeadline.Duration
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	select {
	case <-done:
	case <-time.After(deadline):
		s.log.Warnf("shutdown deadline of %s exceeded, forcing exit", deadline)
	}

	s.writer.FlushNow()
	s.syncer.FlushNow()

	if err := s.metaStore.Close(); err != nil {
		s.log.Errorf("closing metadata store: %v", err)
	}
	return nil
}
