package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the connection
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// OpTimeout bounds every single operation
	OpTimeout time.Duration
}

// RedisStore implements Store on a go-redis client
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	s := NewRedisStoreFromClient(client, opts.OpTimeout)

	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return s, nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

// Client exposes the underlying connection for components that share it
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *RedisStore) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.client.SAdd(ctx, key, toArgs(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.client.SRem(ctx, key, toArgs(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis srem %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return fields, nil
}

func (r *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) HSetField(ctx context.Context, key, field, value string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s.%s: %w", key, field, err)
	}
	return nil
}

func (r *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hincrby %s.%s: %w", key, field, err)
	}
	return n, nil
}

func (r *RedisStore) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	v, err := r.client.HIncrByFloat(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hincrbyfloat %s.%s: %w", key, field, err)
	}
	return v, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	v, err := r.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrbyfloat %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.LPush(ctx, key, toArgs(values)...).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Publish(ctx context.Context, channel, message string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
