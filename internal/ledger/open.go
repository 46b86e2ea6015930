package ledger

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	Path    string // sqlite file
	Redis   RedisConfig
}

// Open returns the Store named by cfg.Backend.
func Open(ctx context.Context, cfg Config, opts Options) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("ledger: sqlite backend needs a path")
		}
		return OpenSQLite(cfg.Path, DefaultSQLiteConfig(), opts)
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("ledger: redis backend needs an address")
		}
		return OpenRedis(ctx, cfg.Redis, opts)
	case BackendMemory:
		return NewMemory(opts), nil
	default:
		return nil, fmt.Errorf("ledger: unknown backend %q (want sqlite, redis or memory)", cfg.Backend)
	}
}
