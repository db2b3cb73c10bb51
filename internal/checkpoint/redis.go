package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "converge:checkpoint:"

// RedisStore keeps checkpoints as JSON strings with an optional TTL so
// abandoned runs expire on their own.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to redisURL. A zero ttl keeps checkpoints forever.
func NewRedisStore(redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(rdb, ttl, logger), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, logger: logger}
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+cp.RunID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	s.logger.Debug("checkpoint saved", zap.String("run", cp.RunID), zap.String("next", cp.Next))
	return nil
}

func (s *RedisStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	data, err := s.rdb.Get(ctx, keyPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return &cp, nil
}

func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := s.rdb.Del(ctx, keyPrefix+runID).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
