// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package ingest consumes raw download events from JetStream and feeds
// them to the pipeline in batches. Acks follow the error taxonomy:
// processed and unparseable batches ack, retryable failures nack so
// JetStream redelivers (the emission locks keep redelivery idempotent).
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/PRX/dovetail-counts/internal/delivery"
	"github.com/PRX/dovetail-counts/internal/errs"
	"github.com/PRX/dovetail-counts/internal/logging"
	"github.com/PRX/dovetail-counts/internal/pipeline"
)

// Handler is the batch processor behind the subscriber; satisfied by
// *pipeline.Pipeline.
type Handler interface {
	Handle(ctx context.Context, raws [][]byte) (map[string]pipeline.KeyResult, delivery.Counts, error)
}

// Config tunes the subscriber connection and batching.
type Config struct {
	// URL of the NATS server.
	URL string

	// Topic is the inbound subject to consume.
	Topic string

	// StreamName binds to a pre-provisioned stream; empty auto-provisions
	// a stream named after the topic.
	StreamName string

	// DurableName and QueueGroup share consumption across instances.
	DurableName string
	QueueGroup  string

	SubscribersCount int
	AckWait          time.Duration
	MaxDeliver       int
	MaxAckPending    int
	CloseTimeout     time.Duration
	MaxReconnects    int
	ReconnectWait    time.Duration

	// BatchSize and BatchInterval bound how many messages one pipeline
	// invocation covers and how long a partial batch may wait.
	BatchSize     int
	BatchInterval time.Duration
}

func (c *Config) defaults() {
	if c.Topic == "" {
		c.Topic = "dtcounts.bytes"
	}
	if c.SubscribersCount <= 0 {
		c.SubscribersCount = 1
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1000
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 30 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = time.Second
	}
}

// NewSubscriber creates the durable JetStream subscriber for the
// inbound event stream.
func NewSubscriber(cfg Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	cfg.defaults()
	if logger == nil {
		logger = logging.NewWatermillAdapter()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("subscriber disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("subscriber reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(cfg.MaxDeliver),
		natsgo.MaxAckPending(cfg.MaxAckPending),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverNew(),
	}
	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision:    autoProvision,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create subscriber: %w", err)
	}
	return sub, nil
}

// Service consumes the inbound topic and runs the pipeline per batch.
// It implements suture.Service.
type Service struct {
	sub     message.Subscriber
	handler Handler
	cfg     Config
}

// NewService creates the ingest service on an existing subscriber.
func NewService(sub message.Subscriber, handler Handler, cfg Config) *Service {
	cfg.defaults()
	return &Service{sub: sub, handler: handler, cfg: cfg}
}

// String identifies the service in supervisor logs.
func (s *Service) String() string { return "ingest" }

// Serve subscribes and processes batches until the context is canceled.
// A partial batch flushes when the batch interval elapses; messages
// still buffered at shutdown are nacked for redelivery.
func (s *Service) Serve(ctx context.Context) error {
	messages, err := s.sub.Subscribe(ctx, s.cfg.Topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Topic, err)
	}
	logging.Ctx(ctx).Info().Str("topic", s.cfg.Topic).Msg("ingest started")

	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	var batch []*message.Message
	for {
		select {
		case <-ctx.Done():
			for _, msg := range batch {
				msg.Nack()
			}
			return ctx.Err()
		case <-ticker.C:
			s.flush(ctx, batch)
			batch = nil
		case msg, ok := <-messages:
			if !ok {
				s.flush(ctx, batch)
				return nil
			}
			batch = append(batch, msg)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(ctx, batch)
				batch = nil
				ticker.Reset(s.cfg.BatchInterval)
			}
		}
	}
}

// flush runs one pipeline invocation over the batch. Retryable failures
// nack every message in the batch: byte ranges were merged and locks
// claimed for whatever got through, so redelivery cannot double-count.
func (s *Service) flush(ctx context.Context, batch []*message.Message) {
	if len(batch) == 0 {
		return
	}
	raws := make([][]byte, len(batch))
	for i, msg := range batch {
		raws[i] = msg.Payload
	}

	_, _, err := s.handler.Handle(logging.ContextWithNewCorrelationID(ctx), raws)
	if err != nil && errs.IsRetryable(err) {
		logging.Ctx(ctx).Error().Err(err).Int("messages", len(batch)).Msg("batch failed, nacking")
		for _, msg := range batch {
			msg.Nack()
		}
		return
	}
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("batch completed with non-retryable error")
	}
	for _, msg := range batch {
		msg.Ack()
	}
}
