package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/proxy-pool-manager/internal/types"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey holds the archived snapshot
const DefaultRedisKey = "proxy_manager:stats_snapshot"

// RedisArchive stores the snapshot as a JSON string. It does not own the
// client; Close is a no-op so the pool can keep using it.
type RedisArchive struct {
	client *redis.Client
	key    string
}

func NewRedisArchive(client *redis.Client, key string) *RedisArchive {
	return &RedisArchive{client: client, key: key}
}

func (r *RedisArchive) Save(snapshot *types.StatsSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

func (r *RedisArchive) Load() (*types.StatsSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap types.StatsSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return &snap, nil
}

func (r *RedisArchive) Close() error {
	return nil
}
