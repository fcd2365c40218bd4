package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/connectivity"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/stretchr/testify/require"
)

type fakeConnectivity struct {
	*onlineFlag
	mu        sync.Mutex
	listeners []connectivity.Listener
}

func newFakeConnectivity(online bool) *fakeConnectivity {
	return &fakeConnectivity{onlineFlag: newOnlineFlag(online)}
}

func (f *fakeConnectivity) Subscribe(listener connectivity.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, listener)
}

func (f *fakeConnectivity) set(online bool) {
	f.value.Store(online)
	f.mu.Lock()
	listeners := append([]connectivity.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, listener := range listeners {
		listener(online)
	}
}

type recordingSyncer struct {
	mu       sync.Mutex
	calls    map[records.Name]int
	gate     chan struct{}
	started  chan records.Name
	err      error
	skipped  bool
	inFlight int
	maxPar   int
}

func newRecordingSyncer() *recordingSyncer {
	return &recordingSyncer{calls: make(map[records.Name]int), started: make(chan records.Name, 64)}
}

func (r *recordingSyncer) Sync(ctx context.Context, name records.Name) (MergeResult, error) {
	r.mu.Lock()
	r.calls[name]++
	r.inFlight++
	if r.inFlight > r.maxPar {
		r.maxPar = r.inFlight
	}
	gate := r.gate
	err := r.err
	skipped := r.skipped
	r.mu.Unlock()

	select {
	case r.started <- name:
	default:
	}
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
	return MergeResult{Collection: name, Skipped: skipped}, err
}

func (r *recordingSyncer) count(name records.Name) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *recordingSyncer) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, count := range r.calls {
		total += count
	}
	return total
}

func newTestScheduler(t *testing.T, syncer CollectionSyncer, online ConnectivitySource, interval time.Duration) *Scheduler {
	t.Helper()
	scheduler, err := NewScheduler(SchedulerConfig{
		Syncer:       syncer,
		Connectivity: online,
		Collections:  []records.Name{records.Documents, records.Residents, records.Users},
		Interval:     interval,
	})
	require.NoError(t, err)
	t.Cleanup(scheduler.Stop)
	return scheduler
}

func TestMarkMutationOfflineMarksPending(t *testing.T) {
	syncer := newRecordingSyncer()
	online := newFakeConnectivity(false)
	scheduler := newTestScheduler(t, syncer, online, time.Hour)

	scheduler.MarkMutation(records.Users)
	scheduler.Wait()

	require.Equal(t, 0, syncer.total())
	require.Equal(t, []records.Name{records.Users}, scheduler.Pending())
}

func TestOnlineTransitionSyncsEverythingPendingFirst(t *testing.T) {
	syncer := newRecordingSyncer()
	online := newFakeConnectivity(false)
	scheduler := newTestScheduler(t, syncer, online, time.Hour)

	scheduler.MarkMutation(records.Users)
	scheduler.mu.Lock()
	order := scheduler.orderedLocked()
	scheduler.mu.Unlock()
	require.Equal(t, []records.Name{records.Users, records.Documents, records.Residents}, order)

	online.set(true)
	scheduler.Wait()

	require.Equal(t, 1, syncer.count(records.Users))
	require.Equal(t, 1, syncer.count(records.Documents))
	require.Equal(t, 1, syncer.count(records.Residents))
	require.Empty(t, scheduler.Pending())
}

func TestPendingCollectionsFinishBeforeOthersStart(t *testing.T) {
	syncer := newRecordingSyncer()
	syncer.gate = make(chan struct{})
	online := newFakeConnectivity(false)
	scheduler := newTestScheduler(t, syncer, online, time.Hour)

	scheduler.MarkMutation(records.Users)
	online.set(true)

	require.Equal(t, records.Users, <-syncer.started)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, syncer.count(records.Documents))
	require.Equal(t, 0, syncer.count(records.Residents))

	syncer.gate <- struct{}{}
	started := map[records.Name]bool{<-syncer.started: true, <-syncer.started: true}
	require.Equal(t, map[records.Name]bool{records.Documents: true, records.Residents: true}, started)
	syncer.gate <- struct{}{}
	syncer.gate <- struct{}{}
	scheduler.Wait()

	require.Equal(t, 1, syncer.count(records.Users))
	require.Empty(t, scheduler.Pending())
}

func TestMutationDuringPassKeepsCollectionPending(t *testing.T) {
	syncer := newRecordingSyncer()
	syncer.gate = make(chan struct{})
	online := newFakeConnectivity(false)
	scheduler := newTestScheduler(t, syncer, online, time.Hour)

	scheduler.MarkMutation(records.Documents)
	scheduler.Trigger(records.Documents)
	<-syncer.started
	scheduler.MarkMutation(records.Documents)
	syncer.gate <- struct{}{}
	scheduler.Wait()

	require.Equal(t, 1, syncer.count(records.Documents))
	require.Equal(t, []records.Name{records.Documents}, scheduler.Pending())
}

func TestOfflineTransitionSchedulesNothing(t *testing.T) {
	syncer := newRecordingSyncer()
	online := newFakeConnectivity(true)
	newTestScheduler(t, syncer, online, time.Hour)

	online.set(false)
	require.Equal(t, 0, syncer.total())
}

func TestMarkMutationOnlineSyncsImmediately(t *testing.T) {
	syncer := newRecordingSyncer()
	online := newFakeConnectivity(true)
	scheduler := newTestScheduler(t, syncer, online, time.Hour)

	scheduler.MarkMutation(records.Residents)
	scheduler.Wait()

	require.Equal(t, 1, syncer.count(records.Residents))
	require.Equal(t, 1, syncer.total())
	require.Empty(t, scheduler.Pending())
}

func TestTriggerCoalescesIntoOneFollowUp(t *testing.T) {
	syncer := newRecordingSyncer()
	syncer.gate = make(chan struct{})
	online := newFakeConnectivity(true)
	scheduler := newTestScheduler(t, syncer, online, time.Hour)

	scheduler.Trigger(records.Residents)
	<-syncer.started
	scheduler.Trigger(records.Residents)
	scheduler.Trigger(records.Residents)
	scheduler.Trigger(records.Residents)

	syncer.gate <- struct{}{}
	<-syncer.started
	syncer.gate <- struct{}{}
	scheduler.Wait()

	require.Equal(t, 2, syncer.count(records.Residents))
}

func TestDifferentCollectionsRunConcurrently(t *testing.T) {
	syncer := newRecordingSyncer()
	syncer.gate = make(chan struct{})
	online := newFakeConnectivity(true)
	scheduler := newTestScheduler(t, syncer, online, time.Hour)

	scheduler.Trigger(records.Residents)
	scheduler.Trigger(records.Documents)
	<-syncer.started
	<-syncer.started
	syncer.gate <- struct{}{}
	syncer.gate <- struct{}{}
	scheduler.Wait()

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	require.Equal(t, 2, syncer.maxPar)
}

func TestFailedSyncKeepsCollectionPending(t *testing.T) {
	syncer := newRecordingSyncer()
	syncer.err = errors.New("remote down")
	online := newFakeConnectivity(true)
	scheduler := newTestScheduler(t, syncer, online, time.Hour)

	scheduler.MarkMutation(records.Documents)
	scheduler.Wait()
	require.Equal(t, []records.Name{records.Documents}, scheduler.Pending())

	syncer.mu.Lock()
	syncer.err = nil
	syncer.mu.Unlock()
	scheduler.Trigger(records.Documents)
	scheduler.Wait()
	require.Empty(t, scheduler.Pending())
}

func TestSkippedSyncKeepsCollectionPending(t *testing.T) {
	syncer := newRecordingSyncer()
	syncer.skipped = true
	online := newFakeConnectivity(true)
	scheduler := newTestScheduler(t, syncer, online, time.Hour)

	scheduler.MarkMutation(records.Documents)
	scheduler.Wait()
	require.Equal(t, []records.Name{records.Documents}, scheduler.Pending())
}

func TestPeriodicTimerRunsOnlyWhileOnline(t *testing.T) {
	syncer := newRecordingSyncer()
	online := newFakeConnectivity(false)
	scheduler := newTestScheduler(t, syncer, online, 10*time.Millisecond)
	scheduler.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, syncer.total())

	online.value.Store(true)
	require.Eventually(t, func() bool {
		return syncer.count(records.Residents) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	scheduler.Stop()
	after := syncer.total()
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, after, syncer.total())
}

func TestNewSchedulerRequiresSyncer(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{Connectivity: newFakeConnectivity(false)})
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, "syncer.scheduler.new.missing_syncer", syncErr.Code())
}
