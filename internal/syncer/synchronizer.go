// Package syncer reconciles cached collections with the remote collection store and decides
// when those reconciliations run.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/localcache"
	"github.com/MarcoPoloResearchLab/registry/internal/metrics"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/MarcoPoloResearchLab/registry/internal/remote"
	"go.uber.org/zap"
)

// RemoteStore is the subset of the remote client used by merge passes.
type RemoteStore interface {
	FetchCollection(ctx context.Context, name records.Name) ([]records.Record, error)
	CreateRecord(ctx context.Context, name records.Name, record records.Record) (records.Record, error)
	UpdateRecord(ctx context.Context, name records.Name, id string, record records.Record) (records.Record, error)
}

// Cache is the subset of the local cache used by merge passes and local mutations.
type Cache interface {
	LoadCollection(ctx context.Context, name records.Name) ([]records.Record, error)
	ReplaceCollection(ctx context.Context, name records.Name, list []records.Record) error
	LoadCheckpoint(ctx context.Context, name records.Name) (time.Time, bool, error)
	LoadRetrySet(ctx context.Context, name records.Name) (map[string]struct{}, error)
	CommitMerge(ctx context.Context, commit localcache.MergeCommit) error
}

// OnlineChecker reports the current connectivity state.
type OnlineChecker interface {
	Online() bool
}

// Clock returns the current time.
type Clock func() time.Time

// MergeResult summarizes one merge pass.
type MergeResult struct {
	Collection records.Name
	Records    []records.Record
	Checkpoint time.Time
	Skipped    bool
	Pushed     int
	Created    int
	Failed     int
	Conflicts  int
}

// SynchronizerConfig describes the dependencies of a Synchronizer.
type SynchronizerConfig struct {
	Remote       RemoteStore
	Cache        Cache
	Connectivity OnlineChecker
	Clock        Clock
	Logger       *zap.Logger
}

// Synchronizer runs merge passes. Passes over the same collection never overlap.
type Synchronizer struct {
	remote RemoteStore
	cache  Cache
	online OnlineChecker
	clock  Clock
	logger *zap.Logger

	locksMu sync.Mutex
	locks   map[records.Name]*sync.Mutex
}

// NewSynchronizer validates the configuration and constructs a Synchronizer.
func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	if cfg.Remote == nil {
		return nil, newSyncError(opSynchronizerNew, "missing_remote", "", errMissingRemote)
	}
	if cfg.Cache == nil {
		return nil, newSyncError(opSynchronizerNew, "missing_cache", "", errMissingCache)
	}
	if cfg.Connectivity == nil {
		return nil, newSyncError(opSynchronizerNew, "missing_connectivity", "", errMissingConnectivity)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		remote: cfg.Remote,
		cache:  cfg.Cache,
		online: cfg.Connectivity,
		clock:  clock,
		logger: logger,
		locks:  make(map[records.Name]*sync.Mutex),
	}, nil
}

// Sync runs one merge pass for the collection. While offline it returns a skipped result and
// leaves the cache untouched. A remote snapshot failure aborts the pass without cache writes;
// per-record push failures are absorbed and retried on the next pass.
func (s *Synchronizer) Sync(ctx context.Context, name records.Name) (MergeResult, error) {
	if !s.online.Online() {
		metrics.SyncPassesTotal.WithLabelValues(name.String(), metrics.ResultSkipped).Inc()
		return MergeResult{Collection: name, Skipped: true}, nil
	}

	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	result, err := s.merge(ctx, name)
	if err != nil {
		metrics.SyncPassesTotal.WithLabelValues(name.String(), metrics.ResultFailed).Inc()
		var syncErr *SyncError
		if errors.As(err, &syncErr) {
			fields := []zap.Field{zap.String("collection", name.String()), zap.String("code", syncErr.Code()), zap.Error(err)}
			if remote.IsConnectivity(err) {
				s.logger.Info("sync pass aborted", fields...)
			} else {
				s.logger.Warn("sync pass failed", fields...)
			}
		}
		return MergeResult{Collection: name}, err
	}
	metrics.SyncPassesTotal.WithLabelValues(name.String(), metrics.ResultSynced).Inc()
	s.logger.Debug("sync pass complete",
		zap.String("collection", name.String()),
		zap.Int("records", len(result.Records)),
		zap.Int("pushed", result.Pushed),
		zap.Int("created", result.Created),
		zap.Int("failed", result.Failed))
	return result, nil
}

// Mutate applies a local change to the cached snapshot. It holds the same lock as Sync so a
// mutation never lands in the middle of a merge.
func (s *Synchronizer) Mutate(ctx context.Context, name records.Name, mutate func([]records.Record) ([]records.Record, error)) ([]records.Record, error) {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.cache.LoadCollection(ctx, name)
	if err != nil {
		return nil, newSyncError(opMutate, "cache_read_failed", name, err)
	}
	next, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if err := s.cache.ReplaceCollection(ctx, name, next); err != nil {
		return nil, newSyncError(opMutate, "cache_write_failed", name, err)
	}
	return next, nil
}

func (s *Synchronizer) merge(ctx context.Context, name records.Name) (MergeResult, error) {
	remoteSnapshot, err := s.remote.FetchCollection(ctx, name)
	if err != nil {
		return MergeResult{}, newSyncError(opSync, "remote_fetch_failed", name, err)
	}
	cached, err := s.cache.LoadCollection(ctx, name)
	if err != nil {
		return MergeResult{}, newSyncError(opSync, "cache_read_failed", name, err)
	}
	checkpoint, hasCheckpoint, err := s.cache.LoadCheckpoint(ctx, name)
	if err != nil {
		return MergeResult{}, newSyncError(opSync, "checkpoint_read_failed", name, err)
	}
	retry, err := s.cache.LoadRetrySet(ctx, name)
	if err != nil {
		return MergeResult{}, newSyncError(opSync, "retry_read_failed", name, err)
	}

	steps := planMerge(remoteSnapshot, cached, checkpoint, hasCheckpoint, retry)
	merged := newMergedSet(len(steps))
	result := MergeResult{Collection: name}
	var retryIDs []string

	for _, step := range steps {
		switch step.action {
		case actionKeepRemote:
			merged.add(step.remote)
		case actionKeepConflicted:
			merged.add(step.local)
			result.Conflicts++
		case actionPushLocal:
			merged.add(step.local)
			if _, err := s.remote.UpdateRecord(ctx, name, step.id, step.local); err != nil {
				s.recordPushFailure(&PushError{Collection: name, RecordID: step.id, Operation: OperationUpdate, Err: err})
				retryIDs = append(retryIDs, step.id)
				result.Failed++
				continue
			}
			result.Pushed++
		case actionCreateLocal:
			created, err := s.remote.CreateRecord(ctx, name, step.local)
			if err != nil {
				s.recordPushFailure(&PushError{Collection: name, RecordID: step.id, Operation: OperationCreate, Err: err})
				result.Failed++
				if errors.Is(err, remote.ErrConflict) {
					merged.add(annotateConflict(step.local, err))
					result.Conflicts++
					continue
				}
				merged.add(step.local)
				continue
			}
			merged.add(created)
			result.Created++
		}
	}

	result.Records = merged.records()
	result.Checkpoint = s.clock().UTC()
	commit := localcache.MergeCommit{
		Collection: name,
		Records:    result.Records,
		Checkpoint: result.Checkpoint,
		RetryIDs:   retryIDs,
	}
	if err := s.cache.CommitMerge(ctx, commit); err != nil {
		return MergeResult{}, newSyncError(opSync, "cache_write_failed", name, err)
	}
	return result, nil
}

func (s *Synchronizer) recordPushFailure(pushErr *PushError) {
	metrics.SyncRecordFailuresTotal.WithLabelValues(pushErr.Collection.String(), pushErr.Operation).Inc()
	s.logger.Warn("record push failed",
		zap.String("collection", pushErr.Collection.String()),
		zap.String("record_id", pushErr.RecordID),
		zap.String("operation", pushErr.Operation),
		zap.Error(pushErr))
}

func (s *Synchronizer) lockFor(name records.Name) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}

// annotateConflict marks a local-only record the server refused to create, so later passes keep it
// without re-sending it until someone resolves the collision.
func annotateConflict(local records.Record, err error) records.Record {
	annotated := local.Clone()
	reason := "conflict"
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) && statusErr.Code != "" {
		reason = statusErr.Code
	}
	annotated[records.FieldSyncConflict] = reason
	return annotated
}
