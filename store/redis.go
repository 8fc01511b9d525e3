package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis keeps each profile in one hash so that several BFF or worker
// processes can share a client's session.
type Redis struct {
	client redis.UniversalClient
	key    string
}

var _ Store = (*Redis)(nil)

// NewRedis returns a store for profile backed by client.
func NewRedis(client redis.UniversalClient, profile string) *Redis {
	if profile == "" {
		profile = "default"
	}
	return &Redis{client: client, key: "storefront:session:" + profile}
}

// OpenRedis parses a redis:// URL and returns a store for profile.
func OpenRedis(rawURL, profile string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts), profile), nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.HGet(ctx, r.key, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, r.key, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete session keys: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
