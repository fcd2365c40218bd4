// Package localcache implements the persistent client-side cache: the last known copy of every
// collection, per-collection sync checkpoints, and the current session, stored as JSON values
// keyed by string in a SQLite table.
package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/database"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	collectionKeyPrefix = "collection:"
	checkpointKeyPrefix = "checkpoint:"
	retryKeyPrefix      = "retry:"

	// SessionTokenKey holds the bearer token of the current session.
	SessionTokenKey = "session:token"
	// SessionUserKey holds the identity of the current session.
	SessionUserKey = "session:user"
)

var errMissingDatabase = errors.New("localcache: database handle is required")

// Entry is a single persisted key/value pair.
type Entry struct {
	Key       string    `gorm:"column:cache_key;primaryKey;size:190;not null"`
	ValueJSON string    `gorm:"column:value_json;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "cache_entries"
}

// Schema describes the tables and data migrations the cache needs.
func Schema() database.Schema {
	return database.Schema{
		Models:     []any{&Entry{}},
		Migrations: []database.Migration{{Name: migrationSplitLegacyLastSync, Apply: splitLegacyLastSync}},
	}
}

// CollectionKey returns the key holding a collection snapshot.
func CollectionKey(name records.Name) string {
	return collectionKeyPrefix + name.String()
}

// CheckpointKey returns the key holding a collection checkpoint.
func CheckpointKey(name records.Name) string {
	return checkpointKeyPrefix + name.String()
}

// RetryKey returns the key holding ids whose push failed during the last pass.
func RetryKey(name records.Name) string {
	return retryKeyPrefix + name.String()
}

// StoreConfig describes the dependencies of the cache store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the persistent local cache.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a cache store over an already migrated database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Get decodes the value stored under key into out. It reports false when the key is absent.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localcache: read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(entry.ValueJSON), out); err != nil {
		return false, fmt.Errorf("localcache: decode %s: %w", key, err)
	}
	return true, nil
}

// Put replaces the value stored under key.
func (s *Store) Put(ctx context.Context, key string, value any) error {
	return putEntry(s.db.WithContext(ctx), key, value)
}

// Delete removes the given keys. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("cache_key IN ?", keys).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("localcache: delete: %w", err)
	}
	return nil
}

// LoadCollection returns the cached snapshot, or an empty set when none exists.
func (s *Store) LoadCollection(ctx context.Context, name records.Name) ([]records.Record, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("cache_key = ?", CollectionKey(name)).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []records.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localcache: read %s: %w", name, err)
	}
	list, err := records.DecodeList([]byte(entry.ValueJSON))
	if err != nil {
		return nil, fmt.Errorf("localcache: decode %s: %w", name, err)
	}
	return list, nil
}

// ReplaceCollection overwrites the cached snapshot wholesale.
func (s *Store) ReplaceCollection(ctx context.Context, name records.Name, list []records.Record) error {
	if list == nil {
		list = []records.Record{}
	}
	return putEntry(s.db.WithContext(ctx), CollectionKey(name), list)
}

// LoadCheckpoint returns the last successful sync time for the collection.
func (s *Store) LoadCheckpoint(ctx context.Context, name records.Name) (time.Time, bool, error) {
	var raw string
	found, err := s.Get(ctx, CheckpointKey(name), &raw)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	checkpoint, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("localcache: parse checkpoint %s: %w", name, err)
	}
	return checkpoint.UTC(), true, nil
}

// LoadRetrySet returns ids whose push failed during the previous pass.
func (s *Store) LoadRetrySet(ctx context.Context, name records.Name) (map[string]struct{}, error) {
	var ids []string
	if _, err := s.Get(ctx, RetryKey(name), &ids); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// MergeCommit is the complete outcome of one merge pass.
type MergeCommit struct {
	Collection records.Name
	Records    []records.Record
	Checkpoint time.Time
	RetryIDs   []string
}

// CommitMerge persists the merged snapshot, checkpoint and retry set in one transaction.
func (s *Store) CommitMerge(ctx context.Context, commit MergeCommit) error {
	list := commit.Records
	if list == nil {
		list = []records.Record{}
	}
	retry := commit.RetryIDs
	if retry == nil {
		retry = []string{}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := putEntry(tx, CollectionKey(commit.Collection), list); err != nil {
			return err
		}
		if err := putEntry(tx, CheckpointKey(commit.Collection), commit.Checkpoint.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		return putEntry(tx, RetryKey(commit.Collection), retry)
	})
}

func putEntry(db *gorm.DB, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("localcache: encode %s: %w", key, err)
	}
	entry := Entry{Key: key, ValueJSON: string(encoded), UpdatedAt: time.Now().UTC()}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("localcache: write %s: %w", key, err)
	}
	return nil
}
