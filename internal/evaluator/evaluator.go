// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package evaluator decides which download thresholds a listener has
// crossed for one piece of content. It is a pure function of the
// accumulated byte ranges and the content arrangement; storage and
// delivery live elsewhere.
package evaluator

import (
	"github.com/PRX/dovetail-counts/internal/arrangement"
	"github.com/PRX/dovetail-counts/internal/byterange"
	"github.com/PRX/dovetail-counts/internal/delivery"
)

// Reason records which threshold qualified a span.
type Reason string

const (
	// ReasonNone means the span did not qualify.
	ReasonNone Reason = ""

	// ReasonSeconds means the playback-seconds threshold was crossed.
	ReasonSeconds Reason = "seconds"

	// ReasonPercent means the percent-of-span threshold was crossed.
	ReasonPercent Reason = "percent"

	// ReasonEmpty marks a degenerate zero-length segment whose single
	// boundary byte was downloaded. Informationally void but recorded.
	ReasonEmpty Reason = "empty"
)

// Config holds the qualification thresholds and the segment-emission
// policy.
type Config struct {
	// SecondsThreshold is the minimum playback seconds to count.
	SecondsThreshold float64

	// PercentThreshold is the minimum downloaded fraction to count.
	PercentThreshold float64

	// RequireOverall gates segment records on the whole-file
	// qualification. Off, segments qualify independently; both are valid
	// deployments, so this is an explicit flag rather than hidden state.
	RequireOverall bool
}

// Key identifies whose download is being evaluated.
type Key struct {
	ListenerEpisode string
	Digest          string
	Time            int64 // epoch milliseconds of the newest event
}

// SegmentResult is the per-segment numeric breakdown.
type SegmentResult struct {
	Index  int
	Bytes  int64
	Reason Reason
}

// Result is the full outcome for one (listener, content, day) key: the
// raw numbers for callers that only count, and the candidate records for
// callers that deliver.
type Result struct {
	Segments      []SegmentResult
	OverallBytes  int64
	OverallReason Reason
	Candidates    []delivery.Candidate
}

// Evaluate classifies every segment and the file as a whole against the
// thresholds. A span qualifies when it crosses the seconds threshold OR
// the percent threshold.
func Evaluate(set *byterange.Set, arr *arrangement.Arrangement, key Key, cfg Config) Result {
	segments := arr.Segments()
	res := Result{Segments: make([]SegmentResult, len(segments))}

	for idx, seg := range segments {
		bytes := set.Intersect(seg.Start, seg.End)
		res.Segments[idx] = SegmentResult{
			Index:  idx,
			Bytes:  bytes,
			Reason: segmentReason(set, arr, seg, idx, bytes, cfg),
		}
		res.OverallBytes += bytes
	}

	res.OverallReason = spanReason(arr, res.OverallBytes, arrangement.Overall, cfg)

	res.Candidates = buildCandidates(arr, key, res, cfg)
	return res
}

func segmentReason(set *byterange.Set, arr *arrangement.Arrangement, seg arrangement.Segment,
	idx int, bytes int64, cfg Config) Reason {
	if seg.Start > seg.End {
		// boundary-degenerate segment: only the single boundary byte
		// decides, and the record is annotated void
		if set.Complete(seg.Start, seg.Start) {
			return ReasonEmpty
		}
		return ReasonNone
	}
	return spanReason(arr, bytes, idx, cfg)
}

func spanReason(arr *arrangement.Arrangement, bytes int64, idx int, cfg Config) Reason {
	if arr.BytesToSeconds(bytes) >= cfg.SecondsThreshold {
		return ReasonSeconds
	}
	if arr.BytesToPercent(bytes, idx) >= cfg.PercentThreshold {
		return ReasonPercent
	}
	return ReasonNone
}

func buildCandidates(arr *arrangement.Arrangement, key Key, res Result, cfg Config) []delivery.Candidate {
	var out []delivery.Candidate

	if res.OverallReason != ReasonNone {
		durations := make([]float64, len(res.Segments))
		for i := range res.Segments {
			durations[i] = arr.BytesToSeconds(arr.SegmentSize(i))
		}
		out = append(out, delivery.Candidate{
			Time:            key.Time,
			ListenerEpisode: key.ListenerEpisode,
			Digest:          key.Digest,
			Bytes:           res.OverallBytes,
			Seconds:         arr.BytesToSeconds(res.OverallBytes),
			Percent:         arr.BytesToPercent(res.OverallBytes, arrangement.Overall),
			PercentAds:      arr.PercentAds(),
			Durations:       durations,
			Types:           arr.Types(),
		})
	}

	if cfg.RequireOverall && res.OverallReason == ReasonNone {
		return out
	}

	for _, sr := range res.Segments {
		if sr.Reason == ReasonNone || !arr.IsLoggable(sr.Index) {
			continue
		}
		idx := sr.Index
		cand := delivery.Candidate{
			Time:            key.Time,
			ListenerEpisode: key.ListenerEpisode,
			Digest:          key.Digest,
			Segment:         &idx,
			Bytes:           sr.Bytes,
		}
		if pos, ok := arr.SegmentPosition(idx); ok {
			p := pos
			cand.SegmentPosition = &p
		}
		if sr.Reason == ReasonEmpty {
			cand.IsDuplicate = true
			cand.Cause = delivery.CauseEmpty
		}
		out = append(out, cand)
	}

	return out
}
