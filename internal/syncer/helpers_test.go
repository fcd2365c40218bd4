package syncer

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/database"
	"github.com/MarcoPoloResearchLab/registry/internal/localcache"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"go.uber.org/zap"
)

type onlineFlag struct {
	value atomic.Bool
}

func newOnlineFlag(online bool) *onlineFlag {
	flag := &onlineFlag{}
	flag.value.Store(online)
	return flag
}

func (f *onlineFlag) Online() bool {
	return f.value.Load()
}

type updateCall struct {
	id     string
	record records.Record
}

type fakeRemote struct {
	mu         sync.Mutex
	snapshots  map[records.Name][]records.Record
	fetchErr   error
	updateErrs map[string]error
	createErrs map[string]error
	updates    []updateCall
	creates    []records.Record
	fetches    int
	nextID     int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		snapshots:  make(map[records.Name][]records.Record),
		updateErrs: make(map[string]error),
		createErrs: make(map[string]error),
	}
}

func (f *fakeRemote) seed(name records.Name, list ...records.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[name] = list
}

func (f *fakeRemote) FetchCollection(ctx context.Context, name records.Name) ([]records.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]records.Record, 0, len(f.snapshots[name]))
	for _, record := range f.snapshots[name] {
		out = append(out, record.Clone())
	}
	return out, nil
}

func (f *fakeRemote) UpdateRecord(ctx context.Context, name records.Name, id string, record records.Record) (records.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{id: id, record: record.Clone()})
	if err := f.updateErrs[id]; err != nil {
		return nil, err
	}
	list := f.snapshots[name]
	for index, existing := range list {
		if existing.ID() == id {
			list[index] = record.Clone()
		}
	}
	return record.Clone(), nil
}

func (f *fakeRemote) CreateRecord(ctx context.Context, name records.Name, record records.Record) (records.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, record.Clone())
	if err := f.createErrs[record.ID()]; err != nil {
		return nil, err
	}
	f.nextID++
	created := record.Clone()
	created.SetID("srv-" + strconv.Itoa(f.nextID))
	f.snapshots[name] = append(f.snapshots[name], created.Clone())
	return created, nil
}

func (f *fakeRemote) counts() (updates, creates, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates), len(f.creates), f.fetches
}

func openTestCache(t *testing.T) *localcache.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop(), localcache.Schema())
	if err != nil {
		t.Fatalf("failed to open cache database: %v", err)
	}
	store, err := localcache.NewStore(localcache.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct cache store: %v", err)
	}
	return store
}

func seedCache(t *testing.T, cache *localcache.Store, name records.Name, checkpoint time.Time, list ...records.Record) {
	t.Helper()
	if checkpoint.IsZero() {
		if err := cache.ReplaceCollection(context.Background(), name, list); err != nil {
			t.Fatalf("failed to seed cache: %v", err)
		}
		return
	}
	commit := localcache.MergeCommit{Collection: name, Records: list, Checkpoint: checkpoint}
	if err := cache.CommitMerge(context.Background(), commit); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}
}

func fixedClock(at time.Time) Clock {
	return func() time.Time { return at }
}

func newTestSynchronizer(t *testing.T, remote RemoteStore, cache Cache, online OnlineChecker, clock Clock) *Synchronizer {
	t.Helper()
	synchronizer, err := NewSynchronizer(SynchronizerConfig{Remote: remote, Cache: cache, Connectivity: online, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct synchronizer: %v", err)
	}
	return synchronizer
}

func stamp(at time.Time) string {
	return at.UTC().Format(time.RFC3339Nano)
}
