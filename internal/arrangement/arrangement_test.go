// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package arrangement

import (
	"math"
	"testing"

	"github.com/PRX/dovetail-counts/internal/errs"
)

// stitched file with two ad breaks: oaoa
const stitchedPayload = `{
	"version": 4,
	"data": {
		"t": "oaoa",
		"b": [703, 21643903, 22158271, 33348223, 33530815],
		"a": [128, 2, 44100]
	}
}`

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `what even is this`},
		{"marked skip", `{"version": 4, "skip": true, "data": {"t": "o", "b": [0, 10]}}`},
		{"no version", `{"data": {"t": "o", "b": [0, 10]}}`},
		{"no data", `{"version": 4}`},
		{"old version", `{"version": 2, "data": {"t": "o", "b": [0, 10]}}`},
		{"no byte boundaries", `{"version": 4, "data": {"t": "o", "b": []}}`},
		{"tag boundary mismatch", `{"version": 4, "data": {"t": "oa", "b": [0, 10]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("abc", []byte(tt.raw), 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errs.IsSkippable(err) {
				t.Errorf("expected skippable, got kind %v", errs.Classify(err))
			}
		})
	}
}

func TestNewNonCurrent(t *testing.T) {
	arr, err := New("abc", []byte(`{"version": 3, "data": {"t": "o", "b": [0, 100]}}`), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !arr.NonCurrent {
		t.Error("version 3 should be flagged non-current")
	}
	if arr.Bitrate() != DefaultBitrate {
		t.Errorf("Bitrate() = %d, want default %d", arr.Bitrate(), DefaultBitrate)
	}
}

func TestBitrate(t *testing.T) {
	tests := []struct {
		name     string
		analysis string
		fallback int
		want     int
	}{
		{"wav", `{"f": "wav", "b": 16, "c": 2, "s": 44100}`, 0, 1411200},
		{"flac assumes 2:1", `{"f": "flac", "b": 16, "c": 2, "s": 44100}`, 0, 705600},
		{"mp3 kbps", `{"f": "mp3", "b": 128}`, 0, 128000},
		{"mp3 already bps", `{"f": "mp3", "b": 96000}`, 0, 96000},
		{"legacy triple", `[128, 2, 44100]`, 0, 128000},
		{"unknown format falls back", `{"f": "ogg", "b": 128}`, 0, DefaultBitrate},
		{"configured fallback", `{"f": "ogg"}`, 64000, 64000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"version": 4, "data": {"t": "o", "b": [0, 100], "a": ` + tt.analysis + `}}`
			arr, err := New("abc", []byte(raw), tt.fallback)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if arr.Bitrate() != tt.want {
				t.Errorf("Bitrate() = %d, want %d", arr.Bitrate(), tt.want)
			}
		})
	}
}

func TestSegments(t *testing.T) {
	arr, err := New("abc", []byte(stitchedPayload), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []Segment{
		{Start: 703, End: 21643902, Type: 'o'},
		{Start: 21643903, End: 22158270, Type: 'a'},
		{Start: 22158271, End: 33348222, Type: 'o'},
		{Start: 33348223, End: 33530815, Type: 'a'}, // final boundary is the true end byte
	}
	got := arr.Segments()
	if len(got) != len(want) {
		t.Fatalf("got %d segments, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if size := arr.SegmentSize(Overall); size != 33530815-703+1 {
		t.Errorf("SegmentSize(Overall) = %d", size)
	}
	if size := arr.SegmentSize(1); size != 514368 {
		t.Errorf("SegmentSize(1) = %d", size)
	}
}

// Version 3 arrangements kept the final boundary exclusive; the last
// segment ends a byte early. Versioned behavior, not a bug.
func TestSegmentsLegacyFinalBoundary(t *testing.T) {
	arr, err := New("abc", []byte(`{"version": 3, "data": {"t": "oa", "b": [0, 100, 200]}}`), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	last := arr.Segment(1)
	if last.End != 199 {
		t.Errorf("v3 last segment end = %d, want 199", last.End)
	}

	arr4, err := New("abc", []byte(`{"version": 4, "data": {"t": "oa", "b": [0, 100, 200]}}`), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if end := arr4.Segment(1).End; end != 200 {
		t.Errorf("v4 last segment end = %d, want 200", end)
	}
}

func TestSegmentPosition(t *testing.T) {
	raw := `{"version": 4, "data": {"t": "baoaa", "b": [0, 10, 20, 30, 40, 50]}}`
	arr, err := New("abc", []byte(raw), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tests := []struct {
		idx    int
		want   int
		wantOK bool
	}{
		{0, 0, true},  // billboard opens the file
		{1, 1, true},  // second slot of the opening break
		{2, 0, false}, // original content has no position
		{3, 0, true},  // new break after the o
		{4, 1, true},
	}
	for _, tt := range tests {
		got, ok := arr.SegmentPosition(tt.idx)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("SegmentPosition(%d) = (%d, %v), want (%d, %v)", tt.idx, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestPercentAds(t *testing.T) {
	// o=100 bytes, a=50, i=25, s=26 -> ads+sonic = 76 of 201
	raw := `{"version": 4, "data": {"t": "oais", "b": [0, 100, 150, 175, 200]}}`
	arr, err := New("abc", []byte(raw), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := 76.0 / 201.0
	if got := arr.PercentAds(); math.Abs(got-want) > 1e-9 {
		t.Errorf("PercentAds() = %f, want %f", got, want)
	}
}

func TestIsLoggable(t *testing.T) {
	arr, err := New("abc", []byte(stitchedPayload), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for idx, want := range []bool{false, true, false, true} {
		if got := arr.IsLoggable(idx); got != want {
			t.Errorf("IsLoggable(%d) = %v, want %v", idx, got, want)
		}
	}
	if arr.IsLoggable(-1) || arr.IsLoggable(4) {
		t.Error("out-of-range indexes must not be loggable")
	}
}

func TestByteConversions(t *testing.T) {
	// 80 bps -> 10 bytes per second
	raw := `{"version": 4, "data": {"t": "o", "b": [100, 300], "a": {"f": "mp3", "b": 80000}}}`
	arr, err := New("abc", []byte(raw), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := arr.BytesToSeconds(100); math.Abs(got-0.01) > 1e-9 {
		t.Errorf("BytesToSeconds(100) = %f", got)
	}
	if got := arr.BytesToPercent(100, 0); math.Abs(got-100.0/201.0) > 1e-9 {
		t.Errorf("BytesToPercent(100, 0) = %f", got)
	}
	if got := arr.BytesToPercent(201, Overall); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("BytesToPercent(201, Overall) = %f", got)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	arr, err := New("abc", []byte(stitchedPayload), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	encoded, err := arr.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	again, err := New("abc", []byte(encoded), 0)
	if err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if again.Bitrate() != arr.Bitrate() || len(again.Segments()) != len(arr.Segments()) {
		t.Error("round trip changed the arrangement")
	}
	for i := range arr.Segments() {
		if again.Segment(i) != arr.Segment(i) {
			t.Errorf("segment %d changed: %+v != %+v", i, again.Segment(i), arr.Segment(i))
		}
	}
}
