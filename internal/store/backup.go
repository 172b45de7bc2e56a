// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package store

import (
	"context"
	"time"

	"github.com/PRX/dovetail-counts/internal/logging"
	"github.com/PRX/dovetail-counts/internal/metrics"
)

// Backup decorates a primary KV with a secondary that shadows every
// mutation. Reads and results come from the primary only; secondary
// failures are logged at warn and never surfaced, so a flaky backup
// cannot take the pipeline down with it.
//
// Lock results from the secondary are ignored on purpose: the primary is
// the single source of truth for "already emitted", the backup only keeps
// warm state for a failover.
type Backup struct {
	primary   KV
	secondary KV
}

// NewBackup wraps primary with best-effort dual writes to secondary.
func NewBackup(primary, secondary KV) *Backup {
	return &Backup{primary: primary, secondary: secondary}
}

// Get reads from the primary only.
func (b *Backup) Get(ctx context.Context, key string) (string, bool, error) {
	return b.primary.Get(ctx, key)
}

// SetWithTTL writes both stores.
func (b *Backup) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	err := b.primary.SetWithTTL(ctx, key, value, ttl)
	b.shadow(ctx, "set", key, b.secondary.SetWithTTL(ctx, key, value, ttl))
	return err
}

// Append appends on both stores, returning the primary's merged set.
func (b *Backup) Append(ctx context.Context, key, ranges string, ttl time.Duration) (string, error) {
	merged, err := b.primary.Append(ctx, key, ranges, ttl)
	_, serr := b.secondary.Append(ctx, key, ranges, ttl)
	b.shadow(ctx, "append", key, serr)
	return merged, err
}

// SetIfAbsentHashField locks on both stores, returning the primary's
// verdict.
func (b *Backup) SetIfAbsentHashField(ctx context.Context, key, field string, ttl time.Duration) (bool, error) {
	won, err := b.primary.SetIfAbsentHashField(ctx, key, field, ttl)
	_, serr := b.secondary.SetIfAbsentHashField(ctx, key, field, ttl)
	b.shadow(ctx, "lock", key, serr)
	return won, err
}

// DeleteHashField unlocks on both stores.
func (b *Backup) DeleteHashField(ctx context.Context, key, field string) error {
	err := b.primary.DeleteHashField(ctx, key, field)
	b.shadow(ctx, "unlock", key, b.secondary.DeleteHashField(ctx, key, field))
	return err
}

// SetIfAbsentValue claims on both stores, returning the primary's verdict.
func (b *Backup) SetIfAbsentValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	holds, err := b.primary.SetIfAbsentValue(ctx, key, value, ttl)
	_, serr := b.secondary.SetIfAbsentValue(ctx, key, value, ttl)
	b.shadow(ctx, "lock_value", key, serr)
	return holds, err
}

// Close closes both stores, returning the primary's error.
func (b *Backup) Close() error {
	err := b.primary.Close()
	if serr := b.secondary.Close(); serr != nil {
		logging.Warn().Err(serr).Msg("backup store close failed")
	}
	return err
}

func (b *Backup) shadow(ctx context.Context, op, key string, err error) {
	if err == nil {
		return
	}
	metrics.BackupWriteFailures.Inc()
	logging.Ctx(ctx).Warn().Err(err).Str("op", op).Str("key", key).Msg("backup store write failed")
}
