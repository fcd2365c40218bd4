// Package agent assembles the offline-first client: local cache, connectivity monitor, sync
// scheduler, session manager and the server change-stream listener.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/config"
	"github.com/MarcoPoloResearchLab/registry/internal/connectivity"
	"github.com/MarcoPoloResearchLab/registry/internal/database"
	"github.com/MarcoPoloResearchLab/registry/internal/localcache"
	"github.com/MarcoPoloResearchLab/registry/internal/metrics"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/MarcoPoloResearchLab/registry/internal/remote"
	"github.com/MarcoPoloResearchLab/registry/internal/session"
	"github.com/MarcoPoloResearchLab/registry/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultReconnectDelay = 5 * time.Second
	metricsShutdownGrace  = 5 * time.Second
)

// Options configures an Agent.
type Options struct {
	Config config.AgentConfig
	Logger *zap.Logger
	// HTTPClient overrides the client used for remote calls.
	HTTPClient *http.Client
	// OnSessionExpired runs after a failed token refresh has cleared the session.
	OnSessionExpired func()
	// WatchInterfaces turns host network interface changes into immediate re-probes.
	WatchInterfaces bool
	ReconnectDelay  time.Duration
	Clock           func() time.Time
}

// Agent owns the client runtime.
type Agent struct {
	cfg    config.AgentConfig
	logger *zap.Logger
	clock  func() time.Time

	db           *gorm.DB
	cache        *localcache.Store
	client       *remote.Client
	monitor      *connectivity.Monitor
	watcher      *connectivity.InterfaceWatcher
	synchronizer *syncer.Synchronizer
	scheduler    *syncer.Scheduler
	sessions     *session.Manager

	reconnectDelay time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
	metrics *http.Server
}

// New opens the local cache and wires the client services. Nothing runs until Start.
func New(opts Options) (*Agent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base := opts.Clock
	if base == nil {
		base = time.Now
	}
	// Local stamps and sync checkpoints come from the same non-decreasing clock so a stamp is
	// never behind the checkpoint it is compared with.
	clock := records.NewMonotonicClock(base)

	db, err := database.OpenSQLite(opts.Config.CachePath, logger, localcache.Schema())
	if err != nil {
		return nil, fmt.Errorf("agent: open cache: %w", err)
	}
	cache, err := localcache.NewStore(localcache.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}

	authClient, err := remote.NewClient(remote.Config{
		BaseURL:    opts.Config.RemoteBaseURL,
		Timeout:    opts.Config.RemoteTimeout,
		HTTPClient: opts.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{
		Prober:   authClient,
		Interval: opts.Config.ProbeInterval,
		Timeout:  opts.Config.ProbeTimeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	agent := &Agent{
		cfg:            opts.Config,
		logger:         logger,
		clock:          clock,
		db:             db,
		cache:          cache,
		monitor:        monitor,
		reconnectDelay: opts.ReconnectDelay,
	}
	if agent.reconnectDelay <= 0 {
		agent.reconnectDelay = defaultReconnectDelay
	}

	// Data requests ask the session manager for a fresh token just before they go out.
	agent.client = authClient.WithTokenSource(remote.TokenSourceFunc(func(ctx context.Context) (string, error) {
		return agent.sessions.Token(ctx)
	}))

	agent.synchronizer, err = syncer.NewSynchronizer(syncer.SynchronizerConfig{
		Remote:       agent.client,
		Cache:        cache,
		Connectivity: monitor,
		Clock:        syncer.Clock(clock),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	agent.scheduler, err = syncer.NewScheduler(syncer.SchedulerConfig{
		Syncer:       agent.synchronizer,
		Connectivity: monitor,
		Interval:     opts.Config.SyncInterval,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	agent.sessions, err = session.NewManager(session.ManagerConfig{
		Auth:          authClient,
		Store:         cache,
		Users:         cache,
		Writer:        agent.synchronizer,
		Sync:          agent.scheduler,
		Connectivity:  monitor,
		Clock:         clock,
		RefreshWindow: opts.Config.RefreshWindow,
		OnExpired:     opts.OnSessionExpired,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if opts.WatchInterfaces {
		agent.watcher = connectivity.NewInterfaceWatcher(monitor, 0)
	}
	return agent, nil
}

// Start restores the persisted session and launches probing, scheduled syncs and the change
// stream listener.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if _, restored, err := a.sessions.Restore(runCtx); err != nil {
		a.logger.Warn("session restore failed", zap.Error(err))
	} else if restored {
		a.logger.Info("session restored")
	}

	a.scheduler.Start(runCtx)
	a.monitor.Start(runCtx)

	if a.watcher != nil {
		a.goWorker(func() { a.watcher.Run(runCtx) })
	}
	a.goWorker(func() { a.listenForChanges(runCtx) })

	if a.cfg.MetricsAddress != "" {
		a.serveMetrics()
	}
	return nil
}

// Stop halts background work, waits for in-flight syncs and closes the cache.
func (a *Agent) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	metricsServer := a.metrics
	a.metrics = nil
	a.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), metricsShutdownGrace)
		defer done()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	a.monitor.Stop()
	a.scheduler.Stop()
	a.workers.Wait()
	a.sessions.Stop()

	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sessions exposes the session manager.
func (a *Agent) Sessions() *session.Manager {
	return a.sessions
}

// Scheduler exposes the sync scheduler.
func (a *Agent) Scheduler() *syncer.Scheduler {
	return a.scheduler
}

// Online reports the last observed connectivity state.
func (a *Agent) Online() bool {
	return a.monitor.Online()
}

// Probe checks connectivity once. One-shot commands call it instead of Start.
func (a *Agent) Probe(ctx context.Context) bool {
	return a.monitor.Probe(ctx)
}

// SyncOnce runs one merge pass for every collection in order and returns the results. A failed
// collection does not stop the others.
func (a *Agent) SyncOnce(ctx context.Context) ([]syncer.MergeResult, error) {
	results := make([]syncer.MergeResult, 0, len(records.All()))
	var errs []error
	for _, name := range records.All() {
		result, err := a.synchronizer.Sync(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

func (a *Agent) goWorker(run func()) {
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		run()
	}()
}

func (a *Agent) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: a.cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	a.mu.Lock()
	a.metrics = server
	a.mu.Unlock()

	a.goWorker(func() {
		a.logger.Info("metrics endpoint listening", zap.String("address", a.cfg.MetricsAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics endpoint failed", zap.Error(err))
		}
	})
}
