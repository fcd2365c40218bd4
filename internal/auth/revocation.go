package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/database"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const redisKeyPrefix = "revoked:"

// ErrRevocationCheck reports an infrastructure failure while consulting the revocation list.
var ErrRevocationCheck = errors.New("auth: revocation check failed")

var errMissingRevocationBackend = errors.New("auth: revocation backend is required")

// RevocationStore records tokens invalidated before their natural expiry.
type RevocationStore interface {
	Revoke(ctx context.Context, token string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Fingerprint returns the key a token is revoked under.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RevokedToken is a revocation entry kept until the token would have expired anyway.
type RevokedToken struct {
	Fingerprint string    `gorm:"column:fingerprint;primaryKey;size:64"`
	ExpiresAt   time.Time `gorm:"column:expires_at;not null;index"`
	RevokedAt   time.Time `gorm:"column:revoked_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RevokedToken) TableName() string {
	return "revoked_tokens"
}

// RevocationSchema describes the table used by SQLRevocationStore.
func RevocationSchema() database.Schema {
	return database.Schema{Models: []any{&RevokedToken{}}}
}

// SQLRevocationStore keeps the revocation list in the API database.
type SQLRevocationStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLRevocationStore constructs a database-backed revocation list.
func NewSQLRevocationStore(db *gorm.DB, clock func() time.Time) (*SQLRevocationStore, error) {
	if db == nil {
		return nil, errMissingRevocationBackend
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLRevocationStore{db: db, clock: clock}, nil
}

// Revoke records the token and drops entries whose tokens have expired.
func (s *SQLRevocationStore) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	now := s.clock().UTC()
	entry := RevokedToken{Fingerprint: Fingerprint(token), ExpiresAt: expiresAt.UTC(), RevokedAt: now}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at <= ?", now).Delete(&RevokedToken{}).Error; err != nil {
			return fmt.Errorf("auth: purge revocations: %w", err)
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoUpdates: clause.AssignmentColumns([]string{"expires_at", "revoked_at"}),
		}).Create(&entry).Error
		if err != nil {
			return fmt.Errorf("auth: revoke: %w", err)
		}
		return nil
	})
}

// IsRevoked reports whether the token is on the list.
func (s *SQLRevocationStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&RevokedToken{}).
		Where("fingerprint = ? AND expires_at > ?", Fingerprint(token), s.clock().UTC()).
		Count(&count).
		Error
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRevocationCheck, err)
	}
	return count > 0, nil
}

type redisCommands interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisRevocationStore keeps the revocation list in Redis; entries expire with the token.
// Key format: revoked:<sha256 of token>
type RedisRevocationStore struct {
	client redisCommands
	clock  func() time.Time
}

// NewRedisRevocationStore wraps a Redis client.
func NewRedisRevocationStore(client *redis.Client, clock func() time.Time) (*RedisRevocationStore, error) {
	if client == nil {
		return nil, errMissingRevocationBackend
	}
	return newRedisRevocationStore(client, clock), nil
}

func newRedisRevocationStore(client redisCommands, clock func() time.Time) *RedisRevocationStore {
	if clock == nil {
		clock = time.Now
	}
	return &RedisRevocationStore{client: client, clock: clock}
}

// Revoke stores the token fingerprint until the token's own expiry.
func (s *RedisRevocationStore) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.clock())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, redisKeyPrefix+Fingerprint(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("auth: revoke: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token fingerprint is present.
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKeyPrefix+Fingerprint(token)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRevocationCheck, err)
	}
	return n > 0, nil
}

// ConnectRedis initialises a Redis client and validates connectivity with a ping.
func ConnectRedis(ctx context.Context, addr string, timeout time.Duration) (*redis.Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: timeout, ReadTimeout: timeout})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
