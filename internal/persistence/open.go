package persistence

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Open returns the store for backend. location is a directory for file, a
// DSN for sqlite and a redis:// URL for redis.
func Open(ctx context.Context, backend, location string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(location)
	case BackendSQLite:
		return OpenSQLite(ctx, location)
	case BackendRedis:
		return OpenRedis(ctx, location)
	default:
		return nil, fmt.Errorf("unknown save backend %q", backend)
	}
}
