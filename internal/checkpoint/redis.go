package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores checkpoints in a Redis hash.
type RedisKV struct {
	client *redis.Client
	hash   string
}

// NewRedisKV connects to url (redis://...) and stores fields under hash.
func NewRedisKV(url, hash string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisKVFromClient(client, hash), nil
}

func NewRedisKVFromClient(client *redis.Client, hash string) *RedisKV {
	if hash == "" {
		hash = "eventcache:checkpoints"
	}
	return &RedisKV{client: client, hash: hash}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.HGet(ctx, r.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	return r.client.HSet(ctx, r.hash, key, value).Err()
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}
