// Package kvstore abstracts the keyed, TTL-bounded state used by the throttle,
// the idempotency cache and the session store, so the process-local map and a
// persistent backend are interchangeable without touching guard logic.
//
// Memory is single-instance only: a multi-instance deployment without session
// affinity lets a user bypass throttle and idempotency by landing on another
// instance. Running more than one instance requires a shared store with atomic
// read-modify-write and TTL.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("key not found")

// UpdateFunc receives the current value (found=false when absent or expired)
// and returns the next value and its TTL. Returning a nil value deletes the
// key. A non-nil error aborts the update and is returned unchanged.
type UpdateFunc func(current []byte, found bool) (next []byte, ttl time.Duration, err error)

// KeyedStore is a byte-valued key/value store with per-key expiry and an
// atomic read-modify-write primitive. A ttl <= 0 means no expiry.
type KeyedStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Sweep removes expired entries and returns how many were removed (when known).
	Sweep(ctx context.Context) (int, error)
	Close() error
}
