package cache

import (
	"context"
	"errors"
	"time"
)

// TieredOptions configures a Tiered cache.
type TieredOptions struct {
	// BackfillTTL is the local lifetime of entries copied up from the
	// remote tier, whose remaining TTL is unknown (default: 30s).
	BackfillTTL time.Duration
}

// Tiered reads the local tier first and falls back to the remote tier.
// Writes and deletes go to both. Remote failures are returned after the
// local tier has been updated, so callers can count them without losing
// the local result.
type Tiered struct {
	local       *LocalCache
	remote      Cache
	backfillTTL time.Duration
}

// NewTiered layers local over remote.
func NewTiered(local *LocalCache, remote Cache, opts TieredOptions) *Tiered {
	if opts.BackfillTTL <= 0 {
		opts.BackfillTTL = 30 * time.Second
	}
	return &Tiered{local: local, remote: remote, backfillTTL: opts.BackfillTTL}
}

// Get returns the local entry when present, otherwise the remote one.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, _ := t.local.Get(ctx, key); ok {
		return v, true, nil
	}
	v, ok, err := t.remote.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = t.local.Set(ctx, key, v, t.backfillTTL)
	return v, true, nil
}

// Set writes both tiers.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	localTTL := ttl
	if localTTL > t.backfillTTL {
		localTTL = t.backfillTTL
	}
	_ = t.local.Set(ctx, key, value, localTTL)
	return t.remote.Set(ctx, key, value, ttl)
}

// Delete removes key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	_ = t.local.Delete(ctx, key)
	return t.remote.Delete(ctx, key)
}

// DeletePrefix removes matching keys from both tiers and reports the larger count.
func (t *Tiered) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n, _ := t.local.DeletePrefix(ctx, prefix)
	m, err := t.remote.DeletePrefix(ctx, prefix)
	if m > n {
		n = m
	}
	return n, err
}

// Close closes both tiers.
func (t *Tiered) Close() error {
	return errors.Join(t.local.Close(), t.remote.Close())
}
