// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package delivery formats candidate impressions, guards them with
// atomic emission locks, and submits them to the outbound analytics
// stream exactly once per (listener, day, digest, segment) slot.
package delivery

import (
	"math"
	"time"
)

// Record types on the wire.
const (
	TypeBytes        = "bytes"        // whole-file download
	TypeSegmentBytes = "segmentbytes" // one stitched-in segment
)

// Duplicate causes attached to records that are delivered but annotated
// for downstream filtering.
const (
	CauseDigestCache = "digestCache" // listener-day already pinned to another digest
	CauseEmpty       = "empty"       // degenerate zero-length segment
)

// Candidate is a not-yet-committed impression produced by the evaluator.
// Segment is nil for the whole-file record.
type Candidate struct {
	Time            int64 // epoch milliseconds
	ListenerEpisode string
	Digest          string

	Segment         *int
	SegmentPosition *int

	Bytes   int64
	Seconds float64
	Percent float64

	// whole-file extras
	PercentAds float64
	Durations  []float64
	Types      string

	IsDuplicate bool
	Cause       string
}

// WireRecord is the JSON shape submitted to the outbound stream.
type WireRecord struct {
	Timestamp       int64     `json:"timestamp"`
	ListenerEpisode string    `json:"listenerEpisode"`
	Digest          string    `json:"digest"`
	Type            string    `json:"type"`
	Bytes           int64     `json:"bytes,omitempty"`
	Seconds         float64   `json:"seconds,omitempty"`
	Percent         float64   `json:"percent,omitempty"`
	PercentAds      float64   `json:"percentAds,omitempty"`
	Durations       []float64 `json:"durations,omitempty"`
	Types           string    `json:"types,omitempty"`
	Segment         *int      `json:"segment,omitempty"`
	SegmentPosition *int      `json:"segmentPosition,omitempty"`
	IsDuplicate     bool      `json:"isDuplicate,omitempty"`
	Cause           string    `json:"cause,omitempty"`
}

// Format converts a candidate to its wire shape. Overall records carry
// the byte/second/percent numbers; segment records carry only their
// index and annotations, the analytics side joins sizes back in.
func Format(c Candidate) WireRecord {
	rec := WireRecord{
		Timestamp:       c.Time,
		ListenerEpisode: c.ListenerEpisode,
		Digest:          c.Digest,
		IsDuplicate:     c.IsDuplicate,
		Cause:           c.Cause,
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}

	if c.Segment == nil {
		rec.Type = TypeBytes
		rec.Bytes = c.Bytes
		rec.Seconds = round(c.Seconds, 2)
		rec.Percent = round(c.Percent, 4)
		rec.PercentAds = round(c.PercentAds, 4)
		rec.Durations = c.Durations
		rec.Types = c.Types
	} else {
		rec.Type = TypeSegmentBytes
		rec.Segment = c.Segment
		rec.SegmentPosition = c.SegmentPosition
	}
	return rec
}

func round(num float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(num*mult) / mult
}

// timeToDay returns the UTC calendar day for an epoch-milliseconds
// timestamp, the day component of every lock key.
func timeToDay(millis int64) string {
	t := time.Now().UTC()
	if millis != 0 {
		t = time.UnixMilli(millis).UTC()
	}
	return t.Format("2006-01-02")
}
