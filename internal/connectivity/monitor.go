// Package connectivity tracks whether the remote collection store is reachable.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

var errMissingProber = errors.New("connectivity: prober is required")

// Prober performs the lightweight liveness request.
type Prober interface {
	Health(ctx context.Context) error
}

// Listener observes online/offline transitions.
type Listener func(online bool)

// MonitorConfig describes the monitor's dependencies.
type MonitorConfig struct {
	Prober   Prober
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Monitor maintains the online state. It starts offline and only turns online after a successful probe.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	online    bool
	listeners []Listener

	kick    chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Prober == nil {
		return nil, errMissingProber
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.ConnectivityOnline.Set(0)
	return &Monitor{
		prober:   cfg.Prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}, nil
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers a transition listener. Listeners run on the probing goroutine and must not block.
func (m *Monitor) Subscribe(listener Listener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

// Probe checks reachability once and returns the resulting state.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Health(probeCtx)
	if err != nil {
		m.logger.Debug("liveness probe failed", zap.Error(err))
		m.setOnline(false)
		return false
	}
	m.setOnline(true)
	return true
}

// HostUp reacts to a host-level "network up" signal by re-probing immediately.
func (m *Monitor) HostUp() {
	m.Kick()
}

// HostDown reacts to a host-level "network down" signal.
func (m *Monitor) HostDown() {
	m.setOnline(false)
}

// Kick requests an immediate probe from the running loop without blocking.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start launches the periodic probe loop. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.stopped = make(chan struct{})
	stopped := m.stopped
	m.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.Probe(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.Probe(loopCtx)
			case <-m.kick:
				m.Probe(loopCtx)
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	stopped := m.stopped
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if online {
		metrics.ConnectivityOnline.Set(1)
		m.logger.Info("remote store reachable")
	} else {
		metrics.ConnectivityOnline.Set(0)
		m.logger.Info("remote store unreachable")
	}
	for _, listener := range listeners {
		listener(online)
	}
}
