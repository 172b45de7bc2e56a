// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package evaluator

import (
	"testing"

	"github.com/PRX/dovetail-counts/internal/arrangement"
	"github.com/PRX/dovetail-counts/internal/byterange"
	"github.com/PRX/dovetail-counts/internal/delivery"
)

func mustArrangement(t *testing.T, payload *arrangement.Payload, defaultBitrate int) *arrangement.Arrangement {
	t.Helper()
	arr, err := arrangement.FromPayload("digest1", payload, defaultBitrate)
	if err != nil {
		t.Fatalf("FromPayload: %v", err)
	}
	return arr
}

// singleAd is one 201-byte ad at [100,300] with a 10 bytes/sec bitrate,
// so byte counts and playback seconds stay easy to check by hand.
func singleAd(t *testing.T) *arrangement.Arrangement {
	t.Helper()
	return mustArrangement(t, &arrangement.Payload{
		Version: 4,
		Data:    &arrangement.PayloadData{Types: "a", Bytes: []int64{100, 300}},
	}, 80)
}

func stitched(t *testing.T) *arrangement.Arrangement {
	t.Helper()
	return mustArrangement(t, &arrangement.Payload{
		Version: 4,
		Data: &arrangement.PayloadData{
			Types:    "oaoa",
			Bytes:    []int64{703, 21643903, 22158271, 33348223, 33530815},
			Analysis: &arrangement.Analysis{Format: "mp3", Bits: 128, Channels: 2, SampleRate: 44100},
		},
	}, 0)
}

func testKey() Key {
	return Key{ListenerEpisode: "le1", Digest: "digest1", Time: 1537990270526}
}

func TestSecondsThreshold(t *testing.T) {
	arr := singleAd(t)
	cfg := Config{SecondsThreshold: 10, PercentThreshold: 0.5}

	t.Run("one byte short", func(t *testing.T) {
		set := byterange.Decode("0-198")
		res := Evaluate(set, arr, testKey(), cfg)
		if res.Segments[0].Bytes != 99 {
			t.Fatalf("bytes = %d, want 99", res.Segments[0].Bytes)
		}
		if res.Segments[0].Reason != ReasonNone {
			t.Errorf("reason = %q, want none", res.Segments[0].Reason)
		}
		if len(res.Candidates) != 0 {
			t.Errorf("candidates = %d, want 0", len(res.Candidates))
		}
	})

	t.Run("exactly at threshold", func(t *testing.T) {
		set := byterange.Decode("0-198,199-199")
		res := Evaluate(set, arr, testKey(), cfg)
		if res.Segments[0].Bytes != 100 {
			t.Fatalf("bytes = %d, want 100", res.Segments[0].Bytes)
		}
		if res.Segments[0].Reason != ReasonSeconds {
			t.Errorf("reason = %q, want seconds", res.Segments[0].Reason)
		}
	})
}

func TestPercentThreshold(t *testing.T) {
	arr := singleAd(t)
	set := byterange.Decode("0-198")
	cfg := Config{SecondsThreshold: 1e9, PercentThreshold: 0.4}

	res := Evaluate(set, arr, testKey(), cfg)
	if res.Segments[0].Reason != ReasonPercent {
		t.Fatalf("reason = %q, want percent", res.Segments[0].Reason)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("candidates = %d, want overall + segment", len(res.Candidates))
	}
}

func TestStitchedFullDownload(t *testing.T) {
	arr := stitched(t)
	set := byterange.Decode("703-33530815")
	cfg := Config{SecondsThreshold: 10, PercentThreshold: 0.5}

	res := Evaluate(set, arr, testKey(), cfg)

	if res.OverallBytes != 33530113 {
		t.Fatalf("overall bytes = %d, want 33530113", res.OverallBytes)
	}
	if res.OverallReason != ReasonSeconds {
		t.Errorf("overall reason = %q, want seconds", res.OverallReason)
	}
	for i, sr := range res.Segments {
		if sr.Reason != ReasonSeconds {
			t.Errorf("segment %d reason = %q, want seconds", i, sr.Reason)
		}
	}

	// all four segments qualify, but only the two ads produce records
	if len(res.Candidates) != 3 {
		t.Fatalf("candidates = %d, want 3", len(res.Candidates))
	}
	overall := res.Candidates[0]
	if overall.Segment != nil {
		t.Errorf("first candidate should be the overall record")
	}
	if overall.Types != "oaoa" {
		t.Errorf("overall types = %q", overall.Types)
	}
	if len(overall.Durations) != 4 {
		t.Errorf("overall durations = %d, want 4", len(overall.Durations))
	}
	want := map[int]bool{1: true, 3: true}
	for _, c := range res.Candidates[1:] {
		if c.Segment == nil || !want[*c.Segment] {
			t.Errorf("unexpected segment candidate %+v", c)
			continue
		}
		delete(want, *c.Segment)
		if c.SegmentPosition == nil || *c.SegmentPosition != 0 {
			t.Errorf("segment %d position = %v, want 0", *c.Segment, c.SegmentPosition)
		}
	}
	if len(want) != 0 {
		t.Errorf("missing segment candidates: %v", want)
	}
}

func TestEmptySegment(t *testing.T) {
	// version 3 boundaries make the first segment [100,99]: zero bytes
	// long, qualified only by its single boundary byte
	arr := mustArrangement(t, &arrangement.Payload{
		Version: 3,
		Data:    &arrangement.PayloadData{Types: "ao", Bytes: []int64{100, 100, 300}},
	}, 80)
	cfg := Config{SecondsThreshold: 1e9, PercentThreshold: 1.1}

	t.Run("boundary byte downloaded", func(t *testing.T) {
		res := Evaluate(byterange.Decode("100-150"), arr, testKey(), cfg)
		if res.Segments[0].Reason != ReasonEmpty {
			t.Fatalf("reason = %q, want empty", res.Segments[0].Reason)
		}
		if len(res.Candidates) != 1 {
			t.Fatalf("candidates = %d, want 1", len(res.Candidates))
		}
		c := res.Candidates[0]
		if !c.IsDuplicate || c.Cause != delivery.CauseEmpty {
			t.Errorf("candidate not marked empty: %+v", c)
		}
	})

	t.Run("boundary byte missing", func(t *testing.T) {
		res := Evaluate(byterange.Decode("101-150"), arr, testKey(), cfg)
		if res.Segments[0].Reason != ReasonNone {
			t.Errorf("reason = %q, want none", res.Segments[0].Reason)
		}
	})
}

func TestRequireOverall(t *testing.T) {
	// tiny ad at the tail of a large file: the ad qualifies on its own
	// percent, the file as a whole does not
	arr := mustArrangement(t, &arrangement.Payload{
		Version: 4,
		Data:    &arrangement.PayloadData{Types: "oa", Bytes: []int64{0, 1000000, 1000100}},
	}, 80)
	set := byterange.Decode("1000000-1000100")

	t.Run("independent segments", func(t *testing.T) {
		cfg := Config{SecondsThreshold: 100, PercentThreshold: 0.5}
		res := Evaluate(set, arr, testKey(), cfg)
		if res.OverallReason != ReasonNone {
			t.Fatalf("overall reason = %q, want none", res.OverallReason)
		}
		if len(res.Candidates) != 1 || res.Candidates[0].Segment == nil {
			t.Fatalf("want exactly one segment candidate, got %+v", res.Candidates)
		}
	})

	t.Run("gated on overall", func(t *testing.T) {
		cfg := Config{SecondsThreshold: 100, PercentThreshold: 0.5, RequireOverall: true}
		res := Evaluate(set, arr, testKey(), cfg)
		if len(res.Candidates) != 0 {
			t.Fatalf("candidates = %d, want 0", len(res.Candidates))
		}
	})
}
