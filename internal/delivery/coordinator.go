// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package delivery

import (
	"context"
	"strconv"
	"time"

	"github.com/PRX/dovetail-counts/internal/errs"
	"github.com/PRX/dovetail-counts/internal/logging"
	"github.com/PRX/dovetail-counts/internal/metrics"
	"github.com/PRX/dovetail-counts/internal/store"
)

// allField is the emission-lock field for whole-file records; segment
// records lock their index instead.
const allField = "all"

// LockStore is the atomic subset of the KV store the coordinator needs.
type LockStore interface {
	SetIfAbsentHashField(ctx context.Context, key, field string, ttl time.Duration) (bool, error)
	DeleteHashField(ctx context.Context, key, field string) error
	SetIfAbsentValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Stream is the outbound batch-append transport. PutBatch reports
// per-record failures by index; a non-nil error means the whole batch
// went nowhere.
type Stream interface {
	PutBatch(ctx context.Context, records []WireRecord) (BatchResult, error)
}

// BatchResult is the per-record outcome of one PutBatch call.
type BatchResult struct {
	FailedIndexes []int
}

// Counts aggregates one coordinator run. Duplicate-annotated records are
// delivered but tallied separately.
type Counts struct {
	Overall           int
	Segments          int
	OverallDuplicates int
	SegmentDuplicates int
	Failed            int
}

func (c *Counts) add(other Counts) {
	c.Overall += other.Overall
	c.Segments += other.Segments
	c.OverallDuplicates += other.OverallDuplicates
	c.SegmentDuplicates += other.SegmentDuplicates
	c.Failed += other.Failed
}

// Config tunes the coordinator.
type Config struct {
	// LockTTL should exceed the maximum plausible redelivery window.
	LockTTL time.Duration

	// MaxBatchSize is the outbound stream's per-call record limit.
	MaxBatchSize int
}

// Coordinator deduplicates candidate impressions against the lock store
// and submits the survivors to the outbound stream.
type Coordinator struct {
	locks  LockStore
	stream Stream
	cfg    Config
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(locks LockStore, stream Stream, cfg Config) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 24 * time.Hour
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 200
	}
	return &Coordinator{locks: locks, stream: stream, cfg: cfg}
}

// PutWithLock delivers candidates at most once each. Losing an emission
// lock is the expected happy path for redelivered input and silently
// drops the record; losing the digest lock only annotates it. Records
// the stream rejects get their emission lock released (best effort) so a
// retried invocation can deliver them, and the returned error is
// retryable so the caller redelivers.
func (c *Coordinator) PutWithLock(ctx context.Context, candidates []Candidate) (Counts, error) {
	counts, err := c.putChunked(ctx, candidates)
	if err != nil {
		return counts, err
	}
	if counts.Failed > 0 {
		return counts, errs.Newf(errs.KindRetryable, "failed to put %d stream records", counts.Failed)
	}
	return counts, nil
}

func (c *Coordinator) putChunked(ctx context.Context, candidates []Candidate) (Counts, error) {
	var counts Counts
	for start := 0; start < len(candidates); start += c.cfg.MaxBatchSize {
		end := start + c.cfg.MaxBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk, err := c.putBatch(ctx, candidates[start:end])
		counts.add(chunk)
		if err != nil {
			return counts, err
		}
	}
	return counts, nil
}

func (c *Coordinator) putBatch(ctx context.Context, candidates []Candidate) (Counts, error) {
	var counts Counts
	if len(candidates) == 0 {
		return counts, nil
	}

	// claim emission locks; losers were already counted by a prior
	// invocation and vanish here
	locked := make([]WireRecord, 0, len(candidates))
	for _, cand := range candidates {
		rec := Format(cand)
		won, err := c.locks.SetIfAbsentHashField(ctx, lockKey(rec), lockField(rec), c.cfg.LockTTL)
		if err != nil {
			return counts, errs.Newf(errs.KindRetryable, "emission lock: %w", err)
		}
		if !won {
			metrics.LockConflicts.WithLabelValues("emission").Inc()
			continue
		}
		locked = append(locked, rec)
	}

	// pin the listener-day to its first digest; later digests the same
	// day still flow, tagged for downstream filtering
	for i := range locked {
		holds, err := c.locks.SetIfAbsentValue(ctx, digestKey(locked[i]), locked[i].Digest, c.cfg.LockTTL)
		if err != nil {
			return counts, errs.Newf(errs.KindRetryable, "digest lock: %w", err)
		}
		if !holds {
			metrics.LockConflicts.WithLabelValues("digest").Inc()
			locked[i].IsDuplicate = true
			locked[i].Cause = CauseDigestCache
		}
	}

	if len(locked) == 0 {
		return counts, nil
	}

	metrics.StreamBatches.Observe(float64(len(locked)))
	result, err := c.stream.PutBatch(ctx, locked)
	if err != nil {
		// total submit failure: every record failed
		logging.Ctx(ctx).Warn().Err(err).Int("records", len(locked)).Msg("stream put failed")
		result = BatchResult{FailedIndexes: allIndexes(len(locked))}
	}

	failed := make(map[int]bool, len(result.FailedIndexes))
	for _, idx := range result.FailedIndexes {
		failed[idx] = true
	}

	for i, rec := range locked {
		if failed[i] {
			counts.Failed++
			metrics.StreamPutFailures.Inc()
			c.unlock(ctx, rec)
			continue
		}
		switch {
		case rec.Type == TypeBytes && rec.IsDuplicate:
			counts.OverallDuplicates++
		case rec.Type == TypeBytes:
			counts.Overall++
		case rec.IsDuplicate:
			counts.SegmentDuplicates++
		default:
			counts.Segments++
		}
		metrics.ImpressionsEmitted.WithLabelValues(rec.Type).Inc()
		if rec.IsDuplicate {
			metrics.ImpressionsDuplicate.WithLabelValues(rec.Type, rec.Cause).Inc()
		}
	}

	return counts, nil
}

// unlock releases a failed record's emission lock so a retry can deliver
// it. The digest lock stays: there is no way to tell whether this
// invocation created it or a prior digest already held the day. Known
// limitation, carried over deliberately.
func (c *Coordinator) unlock(ctx context.Context, rec WireRecord) {
	if err := c.locks.DeleteHashField(ctx, lockKey(rec), lockField(rec)); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("key", lockKey(rec)).Str("field", lockField(rec)).
			Msg("stream record unlock failed")
	}
}

func lockKey(rec WireRecord) string {
	return store.PrefixImpressions + rec.ListenerEpisode + ":" + timeToDay(rec.Timestamp) + ":" + rec.Digest
}

func lockField(rec WireRecord) string {
	if rec.Segment == nil {
		return allField
	}
	return strconv.Itoa(*rec.Segment)
}

func digestKey(rec WireRecord) string {
	return store.PrefixImpressions + rec.ListenerEpisode + ":" + timeToDay(rec.Timestamp) + ":digest"
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
