// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package main is the entry point for the dovetail-counts server.
//
// The server consumes CDN byte-range download events from a JetStream
// subject, reconciles them against episode arrangements, and emits
// impression records to an outbound JetStream subject exactly once per
// listener episode, UTC day, and arrangement digest.
//
// Components start in the following order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, YAML file,
//     environment variables)
//  2. Logging: zerolog, structured JSON by default
//  3. Byte store: BadgerDB for accumulated ranges and emission locks,
//     optionally dual-written to a backup database
//  4. NATS: external broker or embedded JetStream server, plus the
//     arrangement metadata KeyValue bucket
//  5. Supervision: a suture tree running the ingest loop and the
//     operational HTTP server (health probes, Prometheus metrics)
//
// The server handles graceful shutdown on SIGINT and SIGTERM: the
// ingest loop nacks its pending batch so JetStream redelivers, the HTTP
// server drains connections, and the stores close cleanly.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/PRX/dovetail-counts/internal/api"
	"github.com/PRX/dovetail-counts/internal/config"
	"github.com/PRX/dovetail-counts/internal/delivery"
	"github.com/PRX/dovetail-counts/internal/ingest"
	"github.com/PRX/dovetail-counts/internal/logging"
	"github.com/PRX/dovetail-counts/internal/metadata"
	"github.com/PRX/dovetail-counts/internal/pipeline"
	"github.com/PRX/dovetail-counts/internal/store"
	"github.com/PRX/dovetail-counts/internal/stream"
	"github.com/PRX/dovetail-counts/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_path", cfg.Store.Path).
		Str("inbound_topic", cfg.NATS.InboundTopic).
		Str("outbound_prefix", cfg.NATS.OutboundSubjectPrefix).
		Msg("Starting dovetail-counts")

	// Byte store: accumulated ranges plus emission locks.
	kv, err := openStore(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open byte store")
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing byte store")
		}
	}()

	// Embedded broker for single-binary deployments.
	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		es, err := stream.NewEmbeddedServer(stream.EmbeddedServerConfig{
			Host:     "127.0.0.1",
			Port:     -1, // random port
			StoreDir: cfg.NATS.StoreDir,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := es.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
			}
		}()
		natsURL = es.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	}

	nc, err := connectNATS(natsURL, cfg.NATS)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create JetStream context")
	}

	meta, err := metadata.NewKVStore(js, cfg.NATS.ArrangementBucket)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to bind arrangement bucket")
	}

	// Outbound impression path: publisher behind the lock coordinator.
	appender := stream.NewAppender(js, stream.Config{
		SubjectPrefix:   cfg.NATS.OutboundSubjectPrefix,
		AckTimeout:      cfg.NATS.AckTimeout,
		BreakerFailures: cfg.NATS.BreakerFailures,
		BreakerTimeout:  cfg.NATS.BreakerTimeout,
	})
	coord := delivery.NewCoordinator(kv, appender, delivery.Config{
		LockTTL:      cfg.Store.ImpressionTTL,
		MaxBatchSize: cfg.NATS.MaxPutBatch,
	})

	pipe := pipeline.New(kv, meta, coord, pipeline.Config{
		SecondsThreshold:         cfg.Pipeline.SecondsThreshold,
		PercentThreshold:         cfg.Pipeline.PercentThreshold,
		RequireOverall:           cfg.Pipeline.RequireOverall,
		DefaultBitrate:           cfg.Pipeline.DefaultBitrate,
		BytesTTL:                 cfg.Pipeline.BytesTTL,
		ArrangementTTL:           cfg.Pipeline.ArrangementTTL,
		IncompleteArrangementTTL: cfg.Pipeline.IncompleteArrangementTTL,
		After:                    cfg.Pipeline.AfterMillis(),
		Until:                    cfg.Pipeline.UntilMillis(),
	})

	sub, err := ingest.NewSubscriber(ingest.Config{
		URL:              natsURL,
		Topic:            cfg.NATS.InboundTopic,
		StreamName:       cfg.NATS.InboundStream,
		DurableName:      cfg.NATS.DurableName,
		QueueGroup:       cfg.NATS.QueueGroup,
		SubscribersCount: cfg.NATS.SubscribersCount,
		AckWait:          cfg.NATS.AckWait,
		MaxDeliver:       cfg.NATS.MaxDeliver,
		MaxReconnects:    cfg.NATS.MaxReconnects,
		ReconnectWait:    cfg.NATS.ReconnectWait,
		BatchSize:        cfg.NATS.BatchSize,
		BatchInterval:    cfg.NATS.BatchInterval,
	}, logging.NewWatermillAdapter())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create inbound subscriber")
	}
	ingestSvc := ingest.NewService(sub, pipe, ingest.Config{
		Topic:         cfg.NATS.InboundTopic,
		BatchSize:     cfg.NATS.BatchSize,
		BatchInterval: cfg.NATS.BatchInterval,
	})

	router := api.NewRouter(nc)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Handler(),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// zerolog-backed slog logger for sutureslog.
	slogLogger := slog.New(logging.NewSlogHandler())
	tree := supervisor.NewTree(slogLogger, supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	})
	tree.AddMessagingService(ingestSvc)
	tree.AddAPIService(api.NewHTTPService(server, 10*time.Second))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", server.Addr).Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Stopped gracefully")
}

// openStore opens the primary byte store and, when a backup path is
// configured, wraps it in the dual-write decorator.
func openStore(cfg config.StoreConfig) (store.KV, error) {
	primary, err := store.Open(store.Options{
		Path:       cfg.Path,
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
	})
	if err != nil {
		return nil, err
	}
	if cfg.BackupPath == "" {
		return primary, nil
	}

	secondary, err := store.Open(store.Options{
		Path:       cfg.BackupPath,
		SyncWrites: cfg.SyncWrites,
	})
	if err != nil {
		if closeErr := primary.Close(); closeErr != nil {
			logging.Error().Err(closeErr).Msg("Error closing byte store")
		}
		return nil, fmt.Errorf("open backup store: %w", err)
	}
	return store.NewBackup(primary, secondary), nil
}

// connectNATS dials the broker with reconnect handling mirroring the
// inbound subscriber's settings.
func connectNATS(url string, cfg config.NATSConfig) (*natsgo.Conn, error) {
	return natsgo.Connect(url,
		natsgo.Name("dovetail-counts"),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.RetryOnFailedConnect(true),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			logging.Warn().Err(err).Msg("NATS disconnected")
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
}
