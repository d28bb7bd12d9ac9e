package storage

import (
	"context"

	"github.com/atrium-labs/atrium/pkg/errors"
)

// BackendType identifies a storage backend implementation.
type BackendType string

const (
	// BackendTypeMemory is the in-process map backend.
	BackendTypeMemory BackendType = "memory"

	// BackendTypeRedis is the Redis-compatible backend.
	BackendTypeRedis BackendType = "redis"
)

// Config selects and configures a storage backend.
type Config struct {
	// Type selects the backend implementation.
	Type BackendType

	// Redis holds connection parameters when Type is "redis".
	Redis RedisConfig
}

// NewBackend creates the backend selected by cfg.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Type {
	case BackendTypeMemory, "":
		return NewMemoryBackend(), nil
	case BackendTypeRedis:
		return NewRedisBackend(ctx, cfg.Redis)
	default:
		return nil, errors.Newf(errors.CodeStorageConfig, "unknown storage backend %q", cfg.Type)
	}
}
