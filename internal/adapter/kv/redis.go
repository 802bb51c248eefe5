package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	fieldValue   = "value"
	fieldVersion = "version"
)

var errVersionMismatch = errors.New("version mismatch")

// RedisStore implements domain.KVStore with one hash per key and
// WATCH/MULTI optimistic transactions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis connects to url (redis://...) and verifies the connection.
func DialRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	vals, err := s.client.HMGet(ctx, key, fieldValue, fieldVersion).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	return decodeHash(vals)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (bool, error) {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldValue, fieldVersion).Result()
		if err != nil {
			return err
		}
		_, current, err := decodeHash(vals)
		if err != nil {
			return err
		}
		if current != version {
			return errVersionMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldValue, value, fieldVersion, version+1)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errVersionMismatch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("cas %s: %w", key, err)
	}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeHash(vals []any) ([]byte, int64, error) {
	if len(vals) != 2 || vals[1] == nil {
		return nil, 0, nil
	}
	rawVersion, ok := vals[1].(string)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected version type %T", vals[1])
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("parse version: %w", err)
	}
	var value []byte
	if s, ok := vals[0].(string); ok {
		value = []byte(s)
	}
	return value, version, nil
}
