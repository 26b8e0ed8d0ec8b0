package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// Cmdable is the subset of Redis commands the store uses.
// It is satisfied by *redis.Client, *redis.ClusterClient and *redis.Ring.
type Cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "iap:txn:").
	KeyPrefix string

	// TTL is how long entries are stored (default: 0 = no expiration).
	TTL time.Duration
}

// RedisStore is a Redis-backed implementation of Store.
// Suitable for distributed deployments where multiple server instances
// need to share transaction state.
type RedisStore struct {
	client    Cmdable
	keyPrefix string
	ttl       time.Duration
}

// entryEncoding keeps sub-second precision and time zones.
var entryEncoding = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "iap:txn:"
	}

	return &RedisStore{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

// Record saves an entry.
func (s *RedisStore) Record(ctx context.Context, entry *Entry) error {
	e, err := prepare(entry, time.Now())
	if err != nil {
		return err
	}

	data, err := entryEncoding.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	// SetNX so a transaction is only recorded once
	ok, err := s.client.SetNX(ctx, s.keyPrefix+e.TransactionID, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	if !ok {
		return ErrAlreadyRecorded
	}

	return nil
}

// Load retrieves an entry by transaction id.
func (s *RedisStore) Load(ctx context.Context, transactionID string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+transactionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	var e Entry
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &e, nil
}

// Delete removes an entry by transaction id.
func (s *RedisStore) Delete(ctx context.Context, transactionID string) error {
	n, err := s.client.Del(ctx, s.keyPrefix+transactionID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}
