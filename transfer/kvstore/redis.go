package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig ...
type RedisConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	DB       int
	// TTL is applied to every written key so abandoned metadata ages out on
	// its own. Zero disables expiration.
	TTL time.Duration
}

// Redis is a Store backed by a Redis instance. Production deployments use
// this; tests and single-node setups can stay on Memory.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the configured instance and verifies the connection.
func NewRedis(ctx context.Context, config RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Username: config.Username,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, ttl: config.TTL}, nil
}

// Get ...
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// Put ...
func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete ...
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// List scans the keyspace page by page. SCAN treats the page size as a hint,
// so pages may come back smaller or slightly larger.
func (r *Redis) List(ctx context.Context, prefix string, pageSize int, fn func(keys []string) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", int64(pageSize)).Result()
		if err != nil {
			return fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
