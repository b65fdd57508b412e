// Package otp issues and verifies one-time codes bound to signing session tokens.
// Codes live in a shared TTL store so every server instance sees the same state.
package otp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrCodeNotFound is returned by stores when no code exists for a key.
var ErrCodeNotFound = errors.New("otp: code not found")

// Code is a stored one-time code. Only the digest of the code is kept.
type Code struct {
	Digest    string    `json:"digest"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists codes with a time-to-live.
type Store interface {
	Put(ctx context.Context, key string, code Code, ttl time.Duration) error
	Get(ctx context.Context, key string) (Code, error)
	Delete(ctx context.Context, key string) error
}

// Record is the gorm row backing DatabaseStore.
type Record struct {
	Key       string    `gorm:"column:otp_key;primaryKey;size:64;not null"`
	Digest    string    `gorm:"column:digest;size:64;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "otp_codes"
}

// DatabaseStore keeps codes in the shared relational database. Expired rows are
// reported through ExpiresAt and swept by PurgeExpired.
type DatabaseStore struct {
	db *gorm.DB
}

func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (s *DatabaseStore) Put(ctx context.Context, key string, code Code, _ time.Duration) error {
	record := Record{Key: key, Digest: code.Digest, ExpiresAt: code.ExpiresAt.UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "otp_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"digest", "expires_at"}),
	}).Create(&record).Error
}

func (s *DatabaseStore) Get(ctx context.Context, key string) (Code, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("otp_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Code{}, ErrCodeNotFound
	}
	if err != nil {
		return Code{}, err
	}
	return Code{Digest: record.Digest, ExpiresAt: record.ExpiresAt}, nil
}

func (s *DatabaseStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("otp_key = ?", key).Delete(&Record{}).Error
}

// PurgeExpired removes rows whose expiry is before the given time.
func (s *DatabaseStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at < ?", before.UTC()).Delete(&Record{})
	return result.RowsAffected, result.Error
}

// RedisStore keeps codes in redis with a native key TTL. The stored expiry is
// kept alongside so Verify can distinguish an expired code from a missing one
// while the key lingers within its grace window.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	grace     time.Duration
}

// NewRedisStore wraps client. Keys are namespaced under "deedsign:otp:".
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "deedsign:otp:", grace: time.Minute}
}

func (s *RedisStore) Put(ctx context.Context, key string, code Code, ttl time.Duration) error {
	payload, err := json.Marshal(code)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyPrefix+key, payload, ttl+s.grace).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (Code, error) {
	payload, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Code{}, ErrCodeNotFound
	}
	if err != nil {
		return Code{}, err
	}
	var code Code
	if err := json.Unmarshal(payload, &code); err != nil {
		return Code{}, err
	}
	return code, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.keyPrefix+key).Err()
}
