package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/connectivity"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"go.uber.org/zap"
)

const defaultSyncInterval = 5 * time.Minute

// CollectionSyncer runs a merge pass for one collection.
type CollectionSyncer interface {
	Sync(ctx context.Context, name records.Name) (MergeResult, error)
}

// ConnectivitySource reports connectivity and notifies on transitions.
type ConnectivitySource interface {
	Online() bool
	Subscribe(listener connectivity.Listener)
}

// SchedulerConfig describes the dependencies of a Scheduler.
type SchedulerConfig struct {
	Syncer       CollectionSyncer
	Connectivity ConnectivitySource
	Collections  []records.Name
	Interval     time.Duration
	Logger       *zap.Logger
}

type runState struct {
	running bool
	queued  bool
	// waiters are closed when the current run, including its follow-up, ends.
	waiters []chan struct{}
}

// Scheduler decides when merge passes run: on online transitions, on a periodic timer while
// online, and on local mutations. Triggers for a collection that is already syncing collapse
// into a single follow-up pass.
type Scheduler struct {
	syncer      CollectionSyncer
	online      ConnectivitySource
	collections []records.Name
	interval    time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	states  map[records.Name]*runState
	pending map[records.Name]struct{}
	// marks counts MarkMutation calls per collection so a pass only clears the pending mark
	// when no mutation arrived while it ran.
	marks map[records.Name]uint64
	runs  sync.WaitGroup
}

// NewScheduler constructs a Scheduler and subscribes it to connectivity transitions.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Syncer == nil {
		return nil, newSyncError(opSchedulerNew, "missing_syncer", "", errMissingSyncer)
	}
	if cfg.Connectivity == nil {
		return nil, newSyncError(opSchedulerNew, "missing_connectivity", "", errMissingConnectivity)
	}
	collections := cfg.Collections
	if len(collections) == 0 {
		collections = records.All()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := &Scheduler{
		syncer:      cfg.Syncer,
		online:      cfg.Connectivity,
		collections: append([]records.Name(nil), collections...),
		interval:    interval,
		logger:      logger,
		baseCtx:     context.Background(),
		states:      make(map[records.Name]*runState, len(collections)),
		pending:     make(map[records.Name]struct{}),
		marks:       make(map[records.Name]uint64),
	}
	cfg.Connectivity.Subscribe(scheduler.handleTransition)
	return scheduler, nil
}

// Start launches the periodic timer. Passes triggered afterwards inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.baseCtx = loopCtx
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
}

// Stop halts the timer and waits for running passes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.runs.Wait()
}

// Wait blocks until no pass is running or queued.
func (s *Scheduler) Wait() {
	s.runs.Wait()
}

// MarkMutation records a local change. Online it syncs the collection right away; offline the
// collection becomes pending and goes first once connectivity returns.
func (s *Scheduler) MarkMutation(name records.Name) {
	s.mu.Lock()
	s.pending[name] = struct{}{}
	s.marks[name]++
	s.mu.Unlock()

	if s.online.Online() {
		s.Trigger(name)
	}
}

// Pending returns the collections with unsynced local changes, in collection order.
func (s *Scheduler) Pending() []records.Name {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]records.Name, 0, len(s.pending))
	for _, name := range s.orderedLocked() {
		if _, ok := s.pending[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// SyncAll syncs every collection in the background. Pending collections run first, concurrently
// with each other; the rest start once those passes have finished.
func (s *Scheduler) SyncAll() {
	s.mu.Lock()
	first, rest := s.partitionLocked()
	ctx := s.baseCtx
	s.runs.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.runs.Done()
		finished := make([]<-chan struct{}, 0, len(first))
		for _, name := range first {
			finished = append(finished, s.trigger(name))
		}
		for _, done := range finished {
			<-done
		}
		if ctx.Err() != nil {
			return
		}
		for _, name := range rest {
			s.Trigger(name)
		}
	}()
}

// Trigger runs a pass for the collection in the background. If one is already running, a single
// follow-up pass is queued.
func (s *Scheduler) Trigger(name records.Name) {
	s.trigger(name)
}

// trigger is Trigger returning a channel closed once the collection is idle again.
func (s *Scheduler) trigger(name records.Name) <-chan struct{} {
	done := make(chan struct{})
	s.mu.Lock()
	state, ok := s.states[name]
	if !ok {
		state = &runState{}
		s.states[name] = state
	}
	state.waiters = append(state.waiters, done)
	if state.running {
		state.queued = true
		s.mu.Unlock()
		return done
	}
	state.running = true
	ctx := s.baseCtx
	s.runs.Add(1)
	s.mu.Unlock()

	go s.run(ctx, name, state)
	return done
}

func (s *Scheduler) run(ctx context.Context, name records.Name, state *runState) {
	defer s.runs.Done()
	for {
		s.mu.Lock()
		marksBefore := s.marks[name]
		s.mu.Unlock()

		result, err := s.syncer.Sync(ctx, name)

		s.mu.Lock()
		if err == nil && !result.Skipped && s.marks[name] == marksBefore {
			delete(s.pending, name)
		}
		if state.queued && ctx.Err() == nil {
			state.queued = false
			s.mu.Unlock()
			continue
		}
		state.queued = false
		state.running = false
		waiters := state.waiters
		state.waiters = nil
		s.mu.Unlock()

		for _, waiter := range waiters {
			close(waiter)
		}
		if err != nil {
			s.logger.Debug("scheduled sync failed", zap.String("collection", name.String()), zap.Error(err))
		}
		return
	}
}

func (s *Scheduler) handleTransition(online bool) {
	if !online {
		return
	}
	s.logger.Info("connectivity restored, synchronizing", zap.Int("pending", len(s.Pending())))
	s.SyncAll()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.online.Online() {
				s.SyncAll()
			}
		}
	}
}

// orderedLocked lists pending collections first, then the rest, each in configured order.
func (s *Scheduler) orderedLocked() []records.Name {
	first, rest := s.partitionLocked()
	return append(first, rest...)
}

// partitionLocked splits the collections into pending and the rest. Pending collections outside
// the configured set are included in collection order.
func (s *Scheduler) partitionLocked() (first, rest []records.Name) {
	known := make(map[records.Name]struct{}, len(s.collections))
	for _, name := range s.collections {
		known[name] = struct{}{}
		if _, ok := s.pending[name]; ok {
			first = append(first, name)
		}
	}
	for _, name := range records.All() {
		if _, listed := known[name]; listed {
			continue
		}
		if _, ok := s.pending[name]; ok {
			first = append(first, name)
		}
	}
	for _, name := range s.collections {
		if _, ok := s.pending[name]; !ok {
			rest = append(rest, name)
		}
	}
	return first, rest
}
