// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package store provides the atomic key-value storage behind byte-range
// accumulation, emission locks, and the arrangement cache.
//
// Key namespaces mirror the upstream system: "bytes:" for byte-range
// sets, "imp:" for impression locks, "ddb:" for cached arrangements.
package store

import (
	"context"
	"time"
)

// Key prefixes for the store's three concerns.
const (
	PrefixBytes        = "bytes:"
	PrefixImpressions  = "imp:"
	PrefixArrangements = "ddb:"
)

// KV is the atomic store interface the pipeline depends on. Every method
// that mutates must be atomic: locks are check-and-set in one
// transaction, never read-then-write, and Append merges inside a single
// transaction so concurrent reporters for one key cannot lose updates.
type KV interface {
	// Get returns the value at key, with found=false for missing keys.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// SetWithTTL stores a value that expires after ttl (0 = no expiry).
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Append atomically merges newly reported byte ranges ("from-to,...")
	// into the set stored at key and returns the merged encoded set.
	Append(ctx context.Context, key, ranges string, ttl time.Duration) (string, error)

	// SetIfAbsentHashField atomically claims a (key, field) slot. Returns
	// true when this call created the slot.
	SetIfAbsentHashField(ctx context.Context, key, field string, ttl time.Duration) (bool, error)

	// DeleteHashField releases a (key, field) slot.
	DeleteHashField(ctx context.Context, key, field string) error

	// SetIfAbsentValue atomically claims key for value. Returns true when
	// this call set the value, or when the key already holds this exact
	// value; false when a different value holds it.
	SetIfAbsentValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Close releases the underlying database.
	Close() error
}
