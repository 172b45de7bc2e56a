// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/PRX/dovetail-counts/internal/byterange"
	"github.com/PRX/dovetail-counts/internal/logging"
)

// fieldSep joins a hash key and field into one flat Badger key. Neither
// side of a lock key ever contains a newline.
const fieldSep = "\n"

// conflictRetries bounds optimistic-transaction retries under contention.
const conflictRetries = 5

// Options configures the Badger store.
type Options struct {
	// Path to the database directory. Ignored when InMemory is set.
	Path string

	// InMemory runs without disk persistence. Locks and byte ranges then
	// survive only the process lifetime; intended for tests and dev.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// Badger implements KV on BadgerDB. All mutating operations run inside
// one Badger transaction, which gives the check-and-set atomicity the
// locking protocol requires.
type Badger struct {
	db *badger.DB
}

// Open creates or opens the database.
func Open(opts Options) (*Badger, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	bopts.SyncWrites = opts.SyncWrites
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Path, err)
	}

	logging.Info().Str("path", opts.Path).Bool("in_memory", opts.InMemory).Msg("store opened")
	return &Badger{db: db}, nil
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

// RunGC runs one value-log garbage collection cycle. Badger asks callers
// to do this periodically; ErrNoRewrite just means nothing to collect.
func (b *Badger) RunGC() error {
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Get returns the value at key.
func (b *Badger) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// SetWithTTL stores a value that expires after ttl.
func (b *Badger) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry(key, []byte(value), ttl))
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Append atomically merges ranges into the byte-range set at key and
// returns the merged encoded set. Conflicting concurrent appends retry;
// the merge is associative, so retry order does not matter.
func (b *Badger) Append(ctx context.Context, key, ranges string, ttl time.Duration) (string, error) {
	var merged string
	err := b.withRetry(func(txn *badger.Txn) error {
		current := ""
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// first report for this key
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				current = string(val)
				return nil
			}); err != nil {
				return err
			}
		}

		set := byterange.Decode(current)
		set.Insert(ranges)
		merged = set.Encode()
		return txn.SetEntry(entry(key, []byte(merged), ttl))
	})
	if err != nil {
		return "", fmt.Errorf("append %q: %w", key, err)
	}
	return merged, nil
}

// SetIfAbsentHashField atomically claims the (key, field) slot.
func (b *Badger) SetIfAbsentHashField(_ context.Context, key, field string, ttl time.Duration) (bool, error) {
	won := false
	err := b.withRetry(func(txn *badger.Txn) error {
		flat := []byte(key + fieldSep + field)
		_, err := txn.Get(flat)
		if err == nil {
			won = false
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		won = true
		return txn.SetEntry(entry(string(flat), nil, ttl))
	})
	if err != nil {
		return false, fmt.Errorf("lock %q/%q: %w", key, field, err)
	}
	return won, nil
}

// DeleteHashField releases the (key, field) slot. Deleting a slot that
// does not exist is not an error.
func (b *Badger) DeleteHashField(_ context.Context, key, field string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key + fieldSep + field))
	})
	if err != nil {
		return fmt.Errorf("unlock %q/%q: %w", key, field, err)
	}
	return nil
}

// SetIfAbsentValue atomically claims key for value. True when this call
// set it or the key already holds the same value.
func (b *Badger) SetIfAbsentValue(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	holds := false
	err := b.withRetry(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			holds = true
			return txn.SetEntry(entry(key, []byte(value), ttl))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			holds = string(val) == value
			return nil
		})
	})
	if err != nil {
		return false, fmt.Errorf("lock value %q: %w", key, err)
	}
	return holds, nil
}

// withRetry runs fn in an update transaction, retrying on optimistic
// conflicts.
func (b *Badger) withRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func entry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}
