// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package arrangement models the stitched layout of one audio file: which
// byte offsets belong to original content and which to inserted segments
// (ads, intros, billboards, sponsorships), plus the audio-format analysis
// needed to convert byte counts into playback seconds.
package arrangement

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/PRX/dovetail-counts/internal/errs"
)

// Segment type tags as they appear in an arrangement's type string.
const (
	TypeOriginal  = 'o'
	TypeAd        = 'a'
	TypeIntro     = 'i'
	TypeBillboard = 'b'
	TypeSonicID   = 's'
	TypeUnknown   = '?'
)

// Overall selects the whole arrangement instead of a single segment in
// SegmentSize and BytesToPercent.
const Overall = -1

// DefaultBitrate is the fallback when an arrangement carries no usable
// audio analysis, in bits per second.
const DefaultBitrate = 128000

// minVersion is the oldest payload version that carries byte boundaries.
const minVersion = 3

// analysisVersion is the first payload version with audio analysis; the
// final byte boundary is the true end byte from this version on.
const analysisVersion = 4

// Analysis is the audio-format data used to derive a bitrate. Legacy
// payloads encode it as a bare [bitrate, channels, samplerate] triple,
// which implies mp3.
type Analysis struct {
	Format     string `json:"f"`
	Bits       int    `json:"b"` // bits per sample, or kbps for mp3
	Channels   int    `json:"c"`
	SampleRate int    `json:"s"`
}

// UnmarshalJSON accepts both the object form and the legacy triple.
func (a *Analysis) UnmarshalJSON(data []byte) error {
	var triple []int
	if err := json.Unmarshal(data, &triple); err == nil {
		if len(triple) != 3 {
			return fmt.Errorf("analysis triple has %d elements", len(triple))
		}
		*a = Analysis{Format: "mp3", Bits: triple[0], Channels: triple[1], SampleRate: triple[2]}
		return nil
	}
	type plain Analysis
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*a = Analysis(obj)
	return nil
}

// MarshalJSON always emits the object form.
func (a *Analysis) MarshalJSON() ([]byte, error) {
	type plain Analysis
	return json.Marshal((*plain)(a))
}

// Payload is the raw arrangement document from the metadata store.
type Payload struct {
	Version    int          `json:"version"`
	Data       *PayloadData `json:"data"`
	Skip       bool         `json:"skip,omitempty"`
	Incomplete bool         `json:"incomplete,omitempty"`
}

// PayloadData is the segment layout inside a Payload.
type PayloadData struct {
	Types    string    `json:"t"`
	Bytes    []int64   `json:"b"`
	Analysis *Analysis `json:"a,omitempty"`
}

// Segment is one derived byte span [Start, End] with its type tag.
type Segment struct {
	Start int64
	End   int64
	Type  byte
}

// Len returns the segment's byte length. Degenerate boundary segments can
// be zero or negative length (Start > End).
func (s Segment) Len() int64 {
	return s.End - s.Start + 1
}

// Arrangement is the immutable content-layout value for one digest.
type Arrangement struct {
	Digest  string
	Version int

	// NonCurrent marks pre-analysis payload versions. Callers may log it;
	// the arrangement still works, using the default bitrate.
	NonCurrent bool

	// Incomplete mirrors the source payload flag; incomplete arrangements
	// are cached with a shorter TTL so a later re-stitch is picked up.
	Incomplete bool

	types    string
	bytes    []int64
	analysis *Analysis
	segments []Segment
	bitrate  int
}

// New constructs an Arrangement from a raw payload document.
// defaultBitrate <= 0 falls back to DefaultBitrate.
//
// Failure taxonomy: a payload marked skip, one below the minimum version,
// one with no byte data, or one whose tag and boundary counts disagree is
// a skippable error (drop this content item, keep the batch). A payload
// that will not parse at all is skippable for the same reason.
func New(digest string, raw []byte, defaultBitrate int) (*Arrangement, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errs.Newf(errs.KindSkippable, "arrangement %s: invalid json: %w", digest, err)
	}
	return FromPayload(digest, &payload, defaultBitrate)
}

// FromPayload constructs an Arrangement from an already-parsed payload.
func FromPayload(digest string, payload *Payload, defaultBitrate int) (*Arrangement, error) {
	if payload.Skip {
		return nil, errs.Newf(errs.KindSkippable, "arrangement %s: marked skip", digest)
	}
	if payload.Version == 0 || payload.Data == nil {
		return nil, errs.Newf(errs.KindSkippable, "arrangement %s: invalid payload", digest)
	}
	if payload.Version < minVersion || len(payload.Data.Bytes) == 0 {
		return nil, errs.Newf(errs.KindSkippable, "arrangement %s: version %d has no byte data",
			digest, payload.Version)
	}
	types := payload.Data.Types
	bounds := payload.Data.Bytes
	if len(types) != len(bounds)-1 {
		return nil, errs.Newf(errs.KindSkippable, "arrangement %s: %d types / %d boundaries",
			digest, len(types), len(bounds))
	}

	arr := &Arrangement{
		Digest:     digest,
		Version:    payload.Version,
		NonCurrent: payload.Version < analysisVersion || payload.Data.Analysis == nil,
		Incomplete: payload.Incomplete,
		types:      types,
		bytes:      bounds,
		analysis:   payload.Data.Analysis,
	}
	arr.bitrate = deriveBitrate(arr.analysis, defaultBitrate)

	// Version 3 arrangements treated every boundary as exclusive, so the
	// final segment ended one byte early. Version 4+ boundaries end with
	// the true last byte of the file. Kept versioned on purpose; unifying
	// silently would change historical counts.
	arr.segments = make([]Segment, len(types))
	for i := 0; i < len(types); i++ {
		end := bounds[i+1] - 1
		if i == len(types)-1 && payload.Version >= analysisVersion {
			end = bounds[i+1]
		}
		arr.segments[i] = Segment{Start: bounds[i], End: end, Type: types[i]}
	}

	return arr, nil
}

func deriveBitrate(a *Analysis, fallback int) int {
	if fallback <= 0 {
		fallback = DefaultBitrate
	}
	if a == nil {
		return fallback
	}

	bitrate := 0
	switch a.Format {
	case "wav":
		bitrate = a.Bits * a.Channels * a.SampleRate
	case "flac":
		// no honest way to know; assume 2:1 compression
		bitrate = a.Bits * a.Channels * a.SampleRate / 2
	case "mp3":
		if a.Bits <= 320 {
			bitrate = a.Bits * 1000
		} else {
			bitrate = a.Bits
		}
	}
	if bitrate > 0 {
		return bitrate
	}
	return fallback
}

// Encode returns the canonical cache form of the arrangement.
func (a *Arrangement) Encode() (string, error) {
	payload := Payload{
		Version:    a.Version,
		Incomplete: a.Incomplete,
		Data: &PayloadData{
			Types:    a.types,
			Bytes:    a.bytes,
			Analysis: a.analysis,
		},
	}
	out, err := json.Marshal(&payload)
	if err != nil {
		return "", fmt.Errorf("encode arrangement %s: %w", a.Digest, err)
	}
	return string(out), nil
}

// Bitrate returns the derived bits-per-second used for time conversion.
func (a *Arrangement) Bitrate() int {
	return a.bitrate
}

// Types returns the segment type tag string.
func (a *Arrangement) Types() string {
	return a.types
}

// Segments returns the derived segments in order.
func (a *Arrangement) Segments() []Segment {
	return a.segments
}

// Segment returns the segment at idx.
func (a *Arrangement) Segment(idx int) Segment {
	return a.segments[idx]
}

// SegmentSize returns the byte length of one segment, or of the whole
// arrangement when idx is Overall.
func (a *Arrangement) SegmentSize(idx int) int64 {
	if idx == Overall {
		return a.segments[len(a.segments)-1].End - a.segments[0].Start + 1
	}
	return a.segments[idx].Len()
}

// SegmentPosition returns how many non-original segments precede idx in
// its current break, i.e. "this is the Nth ad since the last original
// segment". Original segments have no position; ok is false.
func (a *Arrangement) SegmentPosition(idx int) (int, bool) {
	if a.types[idx] == TypeOriginal {
		return 0, false
	}
	pos := 0
	for i := idx - 1; i >= 0 && a.types[i] != TypeOriginal; i-- {
		pos++
	}
	return pos, true
}

// PercentAds is the fraction of total bytes that belong to neither
// original content nor intros.
func (a *Arrangement) PercentAds() float64 {
	total := a.SegmentSize(Overall)
	if total == 0 {
		return 0
	}
	var adBytes int64
	for i := range a.segments {
		if a.types[i] != TypeOriginal && a.types[i] != TypeIntro {
			adBytes += a.SegmentSize(i)
		}
	}
	return float64(adBytes) / float64(total)
}

// IsLoggable reports whether the segment should produce its own
// impression record. Original content segments never do.
func (a *Arrangement) IsLoggable(idx int) bool {
	return idx >= 0 && idx < len(a.types) && a.types[idx] != TypeOriginal
}

// BytesToSeconds converts a downloaded byte count to playback seconds at
// the arrangement's bitrate.
func (a *Arrangement) BytesToSeconds(numBytes int64) float64 {
	return float64(numBytes) / (float64(a.bitrate) / 8)
}

// BytesToPercent converts a downloaded byte count into the fraction of
// one segment (or of the whole file, with Overall).
func (a *Arrangement) BytesToPercent(numBytes int64, idx int) float64 {
	size := a.SegmentSize(idx)
	if size <= 0 {
		return 0
	}
	return float64(numBytes) / float64(size)
}
