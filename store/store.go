// Package store persists per-client session values (bearer token, cached
// user profile) behind a small key-value interface.
package store

import (
	"context"
	"errors"
)

// Canonical session keys.
const (
	KeyToken = "token"
	KeyUser  = "user"
)

// Keys written by the older external-auth helper. They are read once and
// migrated to the canonical keys.
const (
	LegacyKeyToken = "elearning_token"
	LegacyKeyUser  = "elearning_user"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a durable per-client key-value capability.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Lookup returns the value for key, treating a missing key as the empty
// string.
func Lookup(ctx context.Context, s Store, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}
