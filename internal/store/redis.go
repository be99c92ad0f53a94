package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisHash is the hash holding every memory entry.
const RedisHash = "agency:memory"

// RedisMemory stores entries as fields of one Redis hash.
type RedisMemory struct {
	rdb       *redis.Client
	hash      string
	opTimeout time.Duration
	logger    *zap.Logger
}

// NewRedisMemory connects to redisURL.
func NewRedisMemory(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisMemory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis memory connected", zap.String("hash", RedisHash))
	return NewRedisMemoryFromClient(rdb, logger), nil
}

// NewRedisMemoryFromClient wraps an existing client.
func NewRedisMemoryFromClient(rdb *redis.Client, logger *zap.Logger) *RedisMemory {
	return &RedisMemory{rdb: rdb, hash: RedisHash, opTimeout: DefaultOpTimeout, logger: logger}
}

func (r *RedisMemory) Save(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.rdb.HSet(ctx, r.hash, key, value).Err(); err != nil {
		return fmt.Errorf("redis save %s: %w", key, err)
	}
	return nil
}

func (r *RedisMemory) Get(ctx context.Context, key, def string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	v, err := r.rdb.HGet(ctx, r.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Keys lists the keys starting with prefix, sorted.
func (r *RedisMemory) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	all, err := r.rdb.HKeys(ctx, r.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the client.
func (r *RedisMemory) Close() error {
	return r.rdb.Close()
}
