package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dabla/taskrunner/internal/xcom"
)

const redisKeyPrefix = "taskrunner:xcom:"

var _ xcom.Backend = (*RedisXComStore)(nil)

// RedisXComStore keeps each XCom in a Redis hash with "value" and
// "mapped_length" fields. A positive TTL expires values after it.
type RedisXComStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient connects to addr and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisXComStore returns a store over client.
func NewRedisXComStore(client *redis.Client, ttl time.Duration) *RedisXComStore {
	return &RedisXComStore{client: client, ttl: ttl}
}

func redisKey(key xcom.Key) string {
	return redisKeyPrefix + key.DagID + ":" + key.RunID + ":" + key.TaskID + ":" + strconv.Itoa(key.MapIndex) + ":" + key.Name
}

// GetXCom implements xcom.Backend.
func (s *RedisXComStore) GetXCom(ctx context.Context, key xcom.Key) (any, error) {
	raw, err := s.client.HGet(ctx, redisKey(key), "value").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", key, xcom.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get xcom %s: %w", key, err)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode xcom %s: %w", key, err)
	}
	return v, nil
}

// SetXCom implements xcom.Backend.
func (s *RedisXComStore) SetXCom(ctx context.Context, key xcom.Key, value any, mappedLength *int) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode xcom %s: %w", key, err)
	}
	k := redisKey(key)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, k)
	fields := []any{"value", string(raw)}
	if mappedLength != nil {
		fields = append(fields, "mapped_length", *mappedLength)
	}
	pipe.HSet(ctx, k, fields...)
	if s.ttl > 0 {
		pipe.Expire(ctx, k, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set xcom %s: %w", key, err)
	}
	return nil
}

// DeleteXCom implements xcom.Backend.
func (s *RedisXComStore) DeleteXCom(ctx context.Context, key xcom.Key) error {
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("delete xcom %s: %w", key, err)
	}
	return nil
}

// MappedLength returns the recorded mapped length of an XCom.
func (s *RedisXComStore) MappedLength(ctx context.Context, key xcom.Key) (int, error) {
	n, err := s.client.HGet(ctx, redisKey(key), "mapped_length").Int()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("mapped length of %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get mapped length: %w", err)
	}
	return n, nil
}

// Close closes the client.
func (s *RedisXComStore) Close() error {
	return s.client.Close()
}
