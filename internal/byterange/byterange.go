// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package byterange accumulates and queries the byte intervals a listener
// has actually downloaded from one audio file.
//
// A Set is an ordered sequence of disjoint, non-adjacent closed intervals
// [From, To] in absolute byte offsets. Adjacent intervals (To+1 == next
// From) are always merged, so the encoded form is canonical: decoding an
// encoded set yields the same set.
package byterange

import (
	"sort"
	"strconv"
	"strings"
)

// Interval is one contiguous downloaded span, inclusive on both ends.
type Interval struct {
	From int64
	To   int64
}

// Len returns the number of bytes the interval covers.
func (i Interval) Len() int64 {
	return i.To - i.From + 1
}

// Set holds merged downloaded intervals sorted ascending by From.
// The zero value is an empty set and ready to use.
type Set struct {
	intervals []Interval
}

// Decode parses a comma-separated list of "from-to" tokens. Malformed
// tokens are dropped, the rest sorted and merged. Empty or fully invalid
// input yields an empty set.
func Decode(s string) *Set {
	set := &Set{}
	if s == "" {
		return set
	}

	var parsed []Interval
	for _, token := range strings.Split(s, ",") {
		parts := strings.SplitN(token, "-", 2)
		if len(parts) != 2 {
			continue
		}
		from, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		to, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		parsed = append(parsed, Interval{From: from, To: to})
	}
	if len(parsed) == 0 {
		return set
	}

	sort.Slice(parsed, func(i, j int) bool { return parsed[i].From < parsed[j].From })

	// merge overlapping and adjacent intervals, left to right
	merged := parsed[:1]
	for _, next := range parsed[1:] {
		last := &merged[len(merged)-1]
		if last.To >= next.From-1 {
			if next.To > last.To {
				last.To = next.To
			}
		} else {
			merged = append(merged, next)
		}
	}

	set.intervals = merged
	return set
}

// Encode returns the canonical "from-to,from-to" form.
func (s *Set) Encode() string {
	var b strings.Builder
	for i, iv := range s.intervals {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(iv.From, 10))
		b.WriteByte('-')
		b.WriteString(strconv.FormatInt(iv.To, 10))
	}
	return b.String()
}

// Insert merges newly reported ranges (same "from-to,..." text form) into
// the set, reusing the decode-and-merge path so the set stays canonical.
func (s *Set) Insert(ranges string) {
	if ranges == "" {
		return
	}
	if len(s.intervals) == 0 {
		s.intervals = Decode(ranges).intervals
		return
	}
	s.intervals = Decode(s.Encode() + "," + ranges).intervals
}

// Intervals returns a copy of the stored intervals.
func (s *Set) Intervals() []Interval {
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}

// Intersect returns how many downloaded bytes fall within [from, to],
// summed across every overlapping stored interval. Additive over any
// partition of the query range into consecutive sub-ranges.
func (s *Set) Intersect(from, to int64) int64 {
	var count int64
	for _, iv := range s.intervals {
		lo := iv.From
		if lo < from {
			lo = from
		}
		hi := iv.To
		if hi > to {
			hi = to
		}
		if lo <= hi {
			count += hi - lo + 1
		}
	}
	return count
}

// Complete reports whether the span [from, to] is effectively fully
// downloaded. The comparison is intersect > (to - from), one byte short of
// the true span length: upstream range reporting is known to clip a byte,
// and this tolerance is intentional, load-bearing behavior.
func (s *Set) Complete(from, to int64) bool {
	return s.Intersect(from, to) > to-from
}

// Total returns the sum of all stored interval lengths.
func (s *Set) Total() int64 {
	var count int64
	for _, iv := range s.intervals {
		count += iv.Len()
	}
	return count
}
