package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis driver.
type RedisConfig struct {
	Addr      string // Redis address (e.g. "localhost:6379")
	Password  string
	DB        int
	KeyPrefix string // Namespace for every key (default: "heroquote:state:")
}

// RedisKV implements KV on Redis strings under a key prefix.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects to Redis and verifies connectivity.
func NewRedisKV(ctx context.Context, cfg RedisConfig) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisKVFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisKVFromClient wraps an existing client.
func NewRedisKVFromClient(client *redis.Client, prefix string) *RedisKV {
	if prefix == "" {
		prefix = "heroquote:state:"
	}
	return &RedisKV{client: client, prefix: prefix}
}

// Client exposes the connection for other Redis users such as the reply budget.
func (r *RedisKV) Client() *redis.Client { return r.client }

func (r *RedisKV) key(k string) string { return r.prefix + k }

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Scan walks the keyspace with SCAN MATCH and fetches values in batches
// with MGET.
func (r *RedisKV) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	match := escapeGlob(r.key(prefix)) + "*"
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			vals, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for i, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue // deleted between SCAN and MGET
				}
				out[strings.TrimPrefix(keys[i], r.prefix)] = []byte(s)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (r *RedisKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), value, ttl).Result()
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
