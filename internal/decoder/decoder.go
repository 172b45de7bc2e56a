// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package decoder turns raw inbound payloads into normalized byte-range
// download events. Payloads self-identify: gzipped log-event envelopes,
// two tab-separated CDN access-log layouts, or plain JSON events.
package decoder

import (
	"bytes"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	json "github.com/goccy/go-json"

	"github.com/PRX/dovetail-counts/internal/errs"
	"github.com/PRX/dovetail-counts/internal/logging"
	"github.com/PRX/dovetail-counts/internal/metrics"
)

// ByteEvent is one observed range download of one piece of content.
type ByteEvent struct {
	Time            int64  `json:"time"`
	ListenerEpisode string `json:"le"`
	Digest          string `json:"digest"`
	Start           int64  `json:"start"`
	End             int64  `json:"end"`
	Total           int64  `json:"total,omitempty"`
	Region          string `json:"region,omitempty"`
}

// Group is every ByteEvent for one listener-episode + UTC day + digest,
// with the downloaded ranges collected for a single store append.
type Group struct {
	ListenerEpisode string
	Digest          string
	Day             string
	Time            int64
	Total           int64
	Ranges          []string
}

// ID is the pipeline's per-group key.
func (g *Group) ID() string {
	return g.ListenerEpisode + "/" + g.Day + "/" + g.Digest
}

// RangesText joins the collected ranges into byterange decode form.
func (g *Group) RangesText() string {
	return strings.Join(g.Ranges, ",")
}

// CDN access-log layouts, tab separated. Only the consumed columns are
// named; the rest are padding to keep the indexes honest.
//
// realTimeFields is the real-time log configuration; standardFields is
// the standard access log v1.0 layout.
const (
	realTimeFields = 11
	standardFields = 33

	rtTimestamp  = 0
	rtStatus     = 2
	rtMethod     = 3
	rtURIStem    = 4
	rtContentLen = 8
	rtRangeStart = 9
	rtRangeEnd   = 10

	stdDate       = 0
	stdTime       = 1
	stdMethod     = 5
	stdURIStem    = 7
	stdStatus     = 8
	stdURIQuery   = 11
	stdContentLen = 30
	stdRangeStart = 31
	stdRangeEnd   = 32
)

// Decode detects the payload format and returns its events. An empty
// slice with a nil error means the payload parsed but carried nothing
// countable (non-GET, non-2XX, missing fields). Unparseable payloads
// return a bad-event error.
func Decode(raw []byte) ([]ByteEvent, error) {
	switch {
	case isGzip(raw):
		return decodeLogEvents(raw)
	case isTSV(raw, realTimeFields):
		return decodeRealTime(raw)
	case isTSV(raw, standardFields):
		return decodeStandard(raw)
	case isJSON(raw):
		return decodeJSON(raw)
	default:
		metrics.EventsRejected.Inc()
		return nil, errs.Newf(errs.KindBadEvent, "unrecognized payload (%d bytes)", len(raw))
	}
}

func isGzip(raw []byte) bool {
	return len(raw) >= 3 && raw[0] == 0x1f && raw[1] == 0x8b && raw[2] == 0x08
}

// isTSV requires the expected column count and a latin-1 body; binary
// payloads that happen to contain tabs stay out.
func isTSV(raw []byte, fields int) bool {
	for _, r := range string(raw) {
		if r > 0xff {
			return false
		}
	}
	return bytes.Count(raw, []byte{'\t'}) == fields-1
}

func isJSON(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// logEventsEnvelope is the subscription-filter wrapper around batched
// application log lines.
type logEventsEnvelope struct {
	LogEvents []struct {
		Timestamp int64  `json:"timestamp"`
		Message   string `json:"message"`
	} `json:"logEvents"`
}

// decodeLogEvents gunzips the envelope and parses each line's trailing
// JSON. Lines are [time, guid, json] or [time, guid, level, json].
func decodeLogEvents(raw []byte) ([]ByteEvent, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		metrics.EventsRejected.Inc()
		return nil, errs.Newf(errs.KindBadEvent, "gunzip: %w", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(zr)
	if err != nil {
		metrics.EventsRejected.Inc()
		return nil, errs.Newf(errs.KindBadEvent, "gunzip: %w", err)
	}
	var envelope logEventsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		metrics.EventsRejected.Inc()
		return nil, errs.Newf(errs.KindBadEvent, "log events envelope: %w", err)
	}

	events := make([]ByteEvent, 0, len(envelope.LogEvents))
	for _, le := range envelope.LogEvents {
		parts := strings.Split(le.Message, "\t")
		var payload string
		switch len(parts) {
		case 3:
			payload = parts[2]
		case 4:
			payload = parts[3]
		default:
			metrics.EventsRejected.Inc()
			return nil, errs.Newf(errs.KindBadEvent, "unrecognized log message: %q", le.Message)
		}
		var event ByteEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			metrics.EventsRejected.Inc()
			return nil, errs.Newf(errs.KindBadEvent, "log message json: %w", err)
		}
		event.Time = le.Timestamp
		events = append(events, event)
	}
	metrics.EventsDecoded.WithLabelValues("logevents").Add(float64(len(events)))
	return events, nil
}

func decodeRealTime(raw []byte) ([]ByteEvent, error) {
	cols := splitCols(raw)
	if len(cols) != realTimeFields {
		return nil, nil
	}
	secs, err := strconv.ParseFloat(cols[rtTimestamp], 64)
	if err != nil {
		secs = 0
	}
	event := accessLogEvent(accessLog{
		millis:     int64(math.Round(secs * 1000)),
		method:     cols[rtMethod],
		status:     cols[rtStatus],
		uriStem:    cols[rtURIStem],
		query:      queryOf(cols[rtURIStem]),
		contentLen: cols[rtContentLen],
		rangeStart: cols[rtRangeStart],
		rangeEnd:   cols[rtRangeEnd],
	})
	if event == nil {
		return nil, nil
	}
	metrics.EventsDecoded.WithLabelValues("realtime").Inc()
	return []ByteEvent{*event}, nil
}

func decodeStandard(raw []byte) ([]ByteEvent, error) {
	cols := splitCols(raw)
	if len(cols) != standardFields {
		return nil, nil
	}
	var millis int64
	if t, err := time.Parse("2006-01-02T15:04:05Z", cols[stdDate]+"T"+cols[stdTime]+"Z"); err == nil {
		millis = t.UnixMilli()
	}
	event := accessLogEvent(accessLog{
		millis:     millis,
		method:     cols[stdMethod],
		status:     cols[stdStatus],
		uriStem:    cols[stdURIStem],
		query:      cols[stdURIQuery],
		contentLen: cols[stdContentLen],
		rangeStart: cols[stdRangeStart],
		rangeEnd:   cols[stdRangeEnd],
	})
	if event == nil {
		return nil, nil
	}
	metrics.EventsDecoded.WithLabelValues("standard").Inc()
	return []ByteEvent{*event}, nil
}

func decodeJSON(raw []byte) ([]ByteEvent, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if trimmed[0] == '[' {
		var events []ByteEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			metrics.EventsRejected.Inc()
			return nil, errs.Newf(errs.KindBadEvent, "json events: %w", err)
		}
		metrics.EventsDecoded.WithLabelValues("json").Add(float64(len(events)))
		return events, nil
	}
	var event ByteEvent
	if err := json.Unmarshal(trimmed, &event); err != nil {
		metrics.EventsRejected.Inc()
		return nil, errs.Newf(errs.KindBadEvent, "json event: %w", err)
	}
	metrics.EventsDecoded.WithLabelValues("json").Inc()
	return []ByteEvent{event}, nil
}

// splitCols tab-splits a log line, mapping the "-" empty marker to "".
func splitCols(raw []byte) []string {
	cols := strings.Split(strings.TrimSpace(string(raw)), "\t")
	for i, c := range cols {
		if c == "-" {
			cols[i] = ""
		}
	}
	return cols
}

type accessLog struct {
	millis     int64
	method     string
	status     string
	uriStem    string
	query      string
	contentLen string
	rangeStart string
	rangeEnd   string
}

// accessLogEvent normalizes one access-log line, or returns nil for
// lines that should not count: non-GET, non-2XX, zero-length responses,
// or lines missing the listener or digest.
func accessLogEvent(line accessLog) *ByteEvent {
	status, _ := strconv.Atoi(line.status)
	if line.method != "GET" || status < 200 || status >= 300 {
		return nil
	}

	le := queryParam(line.query, "le")
	digest := digestOf(line.uriStem)
	if line.millis == 0 || le == "" || digest == "" {
		return nil
	}

	// range headers are not always present; a full-file response covers
	// [0, content-len - 1]. An explicit sc-range-end of "0" stays a
	// single-byte range: coercing it to full-file would count a
	// bytes=0-0 probe request as a complete download.
	length, _ := strconv.ParseInt(line.contentLen, 10, 64)
	if length < 1 {
		return nil
	}
	start, _ := strconv.ParseInt(line.rangeStart, 10, 64)
	end, err := strconv.ParseInt(line.rangeEnd, 10, 64)
	if err != nil || line.rangeEnd == "" {
		end = length - 1
	}

	return &ByteEvent{
		Time:            line.millis,
		ListenerEpisode: le,
		Digest:          digest,
		Start:           start,
		End:             end,
	}
}

func queryOf(uriStem string) string {
	if i := strings.IndexByte(uriStem, '?'); i >= 0 {
		return uriStem[i+1:]
	}
	return ""
}

func queryParam(query, name string) string {
	values, err := url.ParseQuery(query)
	if err != nil {
		return ""
	}
	return values.Get(name)
}

// digestOf pulls the second-to-last path component, the CDN's content
// digest slot: /<feeder-episode>/<digest>/<filename>.
func digestOf(uriStem string) string {
	path := uriStem
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

// GroupEvents merges events by listener-episode, UTC day, and digest,
// keeping the newest timestamp per group. Events missing their listener
// or digest are dropped with a warning; a missing time gets the current
// time so late pipeline stages always have one.
func GroupEvents(events []ByteEvent) []Group {
	byID := map[string]int{}
	var groups []Group

	for _, event := range events {
		if event.ListenerEpisode == "" || event.Digest == "" {
			logging.Warn().
				Str("digest", event.Digest).
				Msg("byte event missing listener or digest")
			metrics.EventsRejected.Inc()
			continue
		}
		if event.Time == 0 {
			event.Time = time.Now().UnixMilli()
		}

		day := time.UnixMilli(event.Time).UTC().Format("2006-01-02")
		id := event.ListenerEpisode + "/" + day + "/" + event.Digest
		rng := strconv.FormatInt(event.Start, 10) + "-" + strconv.FormatInt(event.End, 10)

		if idx, ok := byID[id]; ok {
			g := &groups[idx]
			g.Ranges = append(g.Ranges, rng)
			if event.Time > g.Time {
				g.Time = event.Time
			}
			if g.Total != event.Total {
				logging.Warn().
					Str("id", id).
					Int64("previous", g.Total).
					Int64("current", event.Total).
					Msg("mismatched byte event totals")
			}
		} else {
			byID[id] = len(groups)
			groups = append(groups, Group{
				ListenerEpisode: event.ListenerEpisode,
				Digest:          event.Digest,
				Day:             day,
				Time:            event.Time,
				Total:           event.Total,
				Ranges:          []string{rng},
			})
		}
	}
	return groups
}
