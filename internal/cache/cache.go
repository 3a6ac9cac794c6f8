// Package cache provides the result cache used by the recommendation engines
// and the key/value backends behind it.
//
// Backends implement Cache. LocalCache keeps entries in process memory,
// RedisCache shares them between processes, and Tiered layers the two with a
// circuit breaker in front of redis so an unreachable server degrades to the
// local tier instead of failing requests.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/reco/internal/config"
)

// ErrUnavailable is returned when a remote backend cannot serve a request.
var ErrUnavailable = errors.New("cache: backend unavailable")

// Cache is a byte-oriented key/value store with per-entry TTL.
type Cache interface {
	// Get returns the value stored at key. A missing or expired key yields
	// found=false and a nil error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value at key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix and returns the
	// number of keys removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Close releases backend resources.
	Close() error
}

// NewFromConfig builds the cache backend described by cfg: always a local
// tier, plus a breaker-guarded redis tier when cfg.Redis.Addr is set.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Cache, error) {
	local := NewLocalCache(LocalOptions{MaxEntries: cfg.Cache.LocalMaxEntries})
	if cfg.Redis.Addr == "" {
		return local, nil
	}

	remote, err := NewRedisCache(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	guarded := NewBreakerCache(remote, CircuitBreakerConfig{
		MaxFailures:          cfg.Breaker.MaxFailures,
		Timeout:              cfg.Breaker.OpenTimeout,
		HalfOpenMaxSuccesses: cfg.Breaker.HalfOpenMax,
	}, logger)
	return NewTiered(local, guarded, TieredOptions{}), nil
}
