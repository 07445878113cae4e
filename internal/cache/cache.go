// Package cache stores successful JSON relay bodies for a short time.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"media-relay-go/internal/config"
)

// keyPrefix namespaces relay entries in shared stores.
const keyPrefix = "media-relay:api:"

// Store is a best-effort byte cache. Backend errors are logged and reported
// as misses; they never fail a relay request.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Close() error
}

// New returns the store selected by cfg.Cache.Backend.
func New(cfg *config.Config, logger *slog.Logger) (Store, error) {
	ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
	logger = logger.With("component", "cache", "backend", cfg.Cache.Backend)

	switch cfg.Cache.Backend {
	case "", "none":
		return Noop{}, nil
	case "memory":
		return NewMemory(cfg.Cache.MaxEntries, ttl)
	case "redis":
		return NewRedis(cfg.Cache.Redis, ttl, logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Noop) Set(context.Context, string, []byte)        {}
func (Noop) Close() error                               { return nil }
