// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package stream appends impression records to the outbound JetStream
// stream. Subjects carry the listener episode as their final token, so
// per-listener ordering survives consumer partitioning.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	json "github.com/goccy/go-json"

	"github.com/PRX/dovetail-counts/internal/delivery"
	"github.com/PRX/dovetail-counts/internal/logging"
)

// jetStream is the slice of nats.JetStreamContext the appender uses,
// kept narrow so tests can stand in for the broker.
type jetStream interface {
	PublishMsgAsync(msg *natsgo.Msg, opts ...natsgo.PubOpt) (natsgo.PubAckFuture, error)
	PublishAsyncComplete() <-chan struct{}
}

// Config tunes the appender.
type Config struct {
	// SubjectPrefix is prepended to the listener episode to form each
	// record's subject, e.g. "dtcounts.impressions".
	SubjectPrefix string

	// AckTimeout bounds the wait for server acks after a batch publish.
	AckTimeout time.Duration

	// BreakerFailures is the consecutive-failure count that opens the
	// circuit breaker.
	BreakerFailures uint32

	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

// Appender publishes impression batches to JetStream. It implements
// delivery.Stream: per-record failures come back as indexes, a non-nil
// error means the batch never left.
type Appender struct {
	js  jetStream
	cb  *gobreaker.CircuitBreaker[delivery.BatchResult]
	cfg Config
}

// NewAppender creates an Appender on an established JetStream context.
func NewAppender(js jetStream, cfg Config) *Appender {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "dtcounts.impressions"
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[delivery.BatchResult](gobreaker.Settings{
		Name:    "impression-stream",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("impression stream breaker state change")
		},
	})

	return &Appender{js: js, cb: cb, cfg: cfg}
}

// PutBatch publishes every record asynchronously, then waits for the
// server acks. Records whose publish or ack failed are reported by
// index; the breaker opens after repeated whole-batch failures so a
// down broker does not absorb every retry.
func (a *Appender) PutBatch(ctx context.Context, records []delivery.WireRecord) (delivery.BatchResult, error) {
	if len(records) == 0 {
		return delivery.BatchResult{}, nil
	}
	return a.cb.Execute(func() (delivery.BatchResult, error) {
		return a.putBatch(ctx, records)
	})
}

func (a *Appender) putBatch(ctx context.Context, records []delivery.WireRecord) (delivery.BatchResult, error) {
	futures := make([]natsgo.PubAckFuture, len(records))
	var result delivery.BatchResult

	for i, rec := range records {
		data, err := json.Marshal(&rec)
		if err != nil {
			return result, fmt.Errorf("marshal record %d: %w", i, err)
		}
		msg := natsgo.NewMsg(a.cfg.SubjectPrefix + "." + rec.ListenerEpisode)
		msg.Data = data
		msg.Header.Set(natsgo.MsgIdHdr, msgID(rec))

		future, err := a.js.PublishMsgAsync(msg)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("subject", msg.Subject).Msg("async publish failed")
			result.FailedIndexes = append(result.FailedIndexes, i)
			continue
		}
		futures[i] = future
	}

	if len(result.FailedIndexes) == len(records) {
		return result, fmt.Errorf("failed to publish all %d records", len(records))
	}

	select {
	case <-a.js.PublishAsyncComplete():
	case <-ctx.Done():
		return result, ctx.Err()
	case <-time.After(a.cfg.AckTimeout):
		// unresolved futures fall through and report as errors below
	}

	for i, future := range futures {
		if future == nil {
			continue
		}
		select {
		case <-future.Ok():
		case err := <-future.Err():
			logging.Ctx(ctx).Warn().Err(err).Msg("impression record rejected")
			result.FailedIndexes = append(result.FailedIndexes, i)
		default:
			// no ack within the window
			result.FailedIndexes = append(result.FailedIndexes, i)
		}
	}
	return result, nil
}

// msgID is the broker-side deduplication identity, mirroring the
// emission lock: one id per listener, day, digest, and span.
func msgID(rec delivery.WireRecord) string {
	span := "all"
	if rec.Segment != nil {
		span = strconv.Itoa(*rec.Segment)
	}
	day := time.UnixMilli(rec.Timestamp).UTC().Format("2006-01-02")
	return rec.ListenerEpisode + ":" + day + ":" + rec.Digest + ":" + span
}
