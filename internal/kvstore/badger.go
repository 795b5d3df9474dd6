package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

// maxConflictRetries bounds retries of an Update that lost an optimistic
// transaction race.
const maxConflictRetries = 64

// Badger is a KeyedStore backed by BadgerDB. Expiry is enforced by Badger's
// native TTL: expired keys return ErrKeyNotFound and are reclaimed by value-log GC.
type Badger struct {
	db *dgbadger.DB
}

// OpenBadger opens (or creates) a Badger store at dir. An empty dir opens an
// in-memory instance.
func OpenBadger(dir string) (*Badger, error) {
	opts := dgbadger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store: %w", err)
	}
	return &Badger{db: db}, nil
}

// Get returns the value for key.
func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Set writes value with ttl.
func (b *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(txn *dgbadger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
}

// Update performs a read-modify-write in one transaction, retrying when
// Badger reports a write conflict with a concurrent update of the same key.
func (b *Badger) Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var out []byte
		err := b.db.Update(func(txn *dgbadger.Txn) error {
			var current []byte
			found := true
			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, dgbadger.ErrKeyNotFound):
				found = false
			case err != nil:
				return fmt.Errorf("get %s: %w", key, err)
			default:
				if current, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}

			next, ttl, err := fn(current, found)
			if err != nil {
				return err
			}
			if next == nil {
				return txn.Delete([]byte(key))
			}
			out = next
			return txn.SetEntry(newEntry(key, next, ttl))
		})
		if errors.Is(err, dgbadger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// Delete removes key.
func (b *Badger) Delete(_ context.Context, key string) error {
	return b.db.Update(func(txn *dgbadger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Sweep runs one value-log GC pass. Expired keys are already invisible, so
// the removed count is unknown and reported as 0.
func (b *Badger) Sweep(_ context.Context) (int, error) {
	if b.db.Opts().InMemory {
		return 0, nil
	}
	err := b.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, dgbadger.ErrNoRewrite) {
		log.Warn().Err(err).Msg("badger_value_log_gc_failed")
		return 0, err
	}
	return 0, nil
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func newEntry(key string, value []byte, ttl time.Duration) *dgbadger.Entry {
	e := dgbadger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}
