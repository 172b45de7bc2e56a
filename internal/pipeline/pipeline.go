// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package pipeline runs one batch of raw download events end to end:
// decode, accumulate byte ranges, evaluate thresholds, deliver.
package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PRX/dovetail-counts/internal/arrangement"
	"github.com/PRX/dovetail-counts/internal/byterange"
	"github.com/PRX/dovetail-counts/internal/decoder"
	"github.com/PRX/dovetail-counts/internal/delivery"
	"github.com/PRX/dovetail-counts/internal/errs"
	"github.com/PRX/dovetail-counts/internal/evaluator"
	"github.com/PRX/dovetail-counts/internal/logging"
	"github.com/PRX/dovetail-counts/internal/metrics"
	"github.com/PRX/dovetail-counts/internal/store"
)

// Config tunes one pipeline's thresholds, TTLs, and processing window.
type Config struct {
	// SecondsThreshold is the minimum playback seconds to count a span.
	SecondsThreshold float64

	// PercentThreshold is the minimum downloaded fraction to count a span.
	PercentThreshold float64

	// RequireOverall gates segment impressions on the whole-file one.
	RequireOverall bool

	// DefaultBitrate (bps) for arrangements without usable analysis.
	DefaultBitrate int

	// BytesTTL bounds how long accumulated byte ranges live.
	BytesTTL time.Duration

	// ArrangementTTL / IncompleteArrangementTTL bound the metadata cache.
	ArrangementTTL           time.Duration
	IncompleteArrangementTTL time.Duration

	// After / Until bound the processed event window in epoch
	// milliseconds; zero disables the bound. Used to fence off replays.
	After int64
	Until int64
}

// KeyResult is the evaluation outcome for one listener-day-digest key.
type KeyResult struct {
	SegmentBytes []int64
	Segments     []evaluator.Reason
	OverallBytes int64
	Overall      evaluator.Reason
	Skipped      bool
}

// Pipeline wires the decode-evaluate-deliver flow onto its stores.
type Pipeline struct {
	kv    store.KV
	meta  arrangement.MetadataStore
	coord *delivery.Coordinator
	cfg   Config
}

// New creates a Pipeline.
func New(kv store.KV, meta arrangement.MetadataStore, coord *delivery.Coordinator, cfg Config) *Pipeline {
	if cfg.SecondsThreshold <= 0 {
		cfg.SecondsThreshold = 60
	}
	if cfg.PercentThreshold <= 0 {
		cfg.PercentThreshold = 0.5
	}
	if cfg.BytesTTL <= 0 {
		cfg.BytesTTL = 24 * time.Hour
	}
	return &Pipeline{kv: kv, meta: meta, coord: coord, cfg: cfg}
}

// Handle processes one batch of raw payloads. Unparseable payloads are
// logged and dropped; keys with bad content metadata are skipped; a
// retryable error means the caller must redeliver the whole batch, which
// the emission locks make idempotent.
func (p *Pipeline) Handle(ctx context.Context, raws [][]byte) (map[string]KeyResult, delivery.Counts, error) {
	defer metrics.ObservePipeline(time.Now())

	var events []decoder.ByteEvent
	for _, raw := range raws {
		decoded, err := decoder.Decode(raw)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("dropping undecodable payload")
			continue
		}
		events = append(events, decoded...)
	}

	groups := p.window(ctx, decoder.GroupEvents(events))
	results := make(map[string]KeyResult, len(groups))
	if len(groups) == 0 {
		return results, delivery.Counts{}, nil
	}

	// one loader per invocation: its memo table must not outlive the batch
	loader := arrangement.NewLoader(p.kv, p.meta, arrangement.LoaderConfig{
		TTL:            p.cfg.ArrangementTTL,
		IncompleteTTL:  p.cfg.IncompleteArrangementTTL,
		DefaultBitrate: p.cfg.DefaultBitrate,
	})

	var (
		mu         sync.Mutex
		candidates []delivery.Candidate
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, group := range groups {
		eg.Go(func() error {
			result, cands, err := p.handleKey(egCtx, loader, group)
			if err != nil {
				return err
			}
			mu.Lock()
			results[group.ID()] = result
			candidates = append(candidates, cands...)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return results, delivery.Counts{}, err
	}

	counts, err := p.coord.PutWithLock(ctx, candidates)
	logging.Ctx(ctx).Info().
		Int("keys", len(groups)).
		Int("overall", counts.Overall).
		Int("segments", counts.Segments).
		Int("duplicates", counts.OverallDuplicates+counts.SegmentDuplicates).
		Int("failed", counts.Failed).
		Msg("processed batch")
	return results, counts, err
}

// window drops groups outside the configured processing bounds.
func (p *Pipeline) window(ctx context.Context, groups []decoder.Group) []decoder.Group {
	if p.cfg.After == 0 && p.cfg.Until == 0 {
		return groups
	}
	kept := groups[:0]
	for _, g := range groups {
		if (p.cfg.After > 0 && g.Time < p.cfg.After) || (p.cfg.Until > 0 && g.Time > p.cfg.Until) {
			logging.Ctx(ctx).Debug().Str("id", g.ID()).Int64("time", g.Time).
				Msg("event outside processing window")
			metrics.ContentItemsSkipped.WithLabelValues("window").Inc()
			continue
		}
		kept = append(kept, g)
	}
	return kept
}

func (p *Pipeline) handleKey(ctx context.Context, loader *arrangement.Loader,
	group decoder.Group) (KeyResult, []delivery.Candidate, error) {
	merged, err := p.kv.Append(ctx, store.PrefixBytes+group.ID(), group.RangesText(), p.cfg.BytesTTL)
	if err != nil {
		return KeyResult{}, nil, errs.Newf(errs.KindRetryable, "append %s: %w", group.ID(), err)
	}
	set := byterange.Decode(merged)

	arr, err := loader.Load(ctx, group.Digest)
	if err != nil {
		if errs.IsSkippable(err) {
			logging.Ctx(ctx).Warn().Err(err).Str("id", group.ID()).Msg("skipping content item")
			metrics.ContentItemsSkipped.WithLabelValues("arrangement").Inc()
			return KeyResult{Skipped: true}, nil, nil
		}
		return KeyResult{}, nil, err
	}

	res := evaluator.Evaluate(set, arr, evaluator.Key{
		ListenerEpisode: group.ListenerEpisode,
		Digest:          group.Digest,
		Time:            group.Time,
	}, evaluator.Config{
		SecondsThreshold: p.cfg.SecondsThreshold,
		PercentThreshold: p.cfg.PercentThreshold,
		RequireOverall:   p.cfg.RequireOverall,
	})

	result := KeyResult{
		SegmentBytes: make([]int64, len(res.Segments)),
		Segments:     make([]evaluator.Reason, len(res.Segments)),
		OverallBytes: res.OverallBytes,
		Overall:      res.OverallReason,
	}
	for i, sr := range res.Segments {
		result.SegmentBytes[i] = sr.Bytes
		result.Segments[i] = sr.Reason
	}
	return result, res.Candidates, nil
}
