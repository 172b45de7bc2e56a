// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package config loads and validates service configuration from
// defaults, an optional YAML file, and environment variables, in that
// order of precedence.
package config

import (
	"fmt"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Pipeline PipelineConfig `koanf:"pipeline"`
	Store    StoreConfig    `koanf:"store"`
	NATS     NATSConfig     `koanf:"nats"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// PipelineConfig holds the qualification thresholds and TTLs.
type PipelineConfig struct {
	// SecondsThreshold / PercentThreshold decide when a download counts.
	SecondsThreshold float64 `koanf:"seconds_threshold"`
	PercentThreshold float64 `koanf:"percent_threshold"`

	// RequireOverall gates segment impressions on the whole-file one.
	RequireOverall bool `koanf:"require_overall"`

	// DefaultBitrate (bps) for arrangements without usable analysis.
	DefaultBitrate int `koanf:"default_bitrate"`

	BytesTTL                 time.Duration `koanf:"bytes_ttl"`
	ArrangementTTL           time.Duration `koanf:"arrangement_ttl"`
	IncompleteArrangementTTL time.Duration `koanf:"incomplete_arrangement_ttl"`

	// After / Until bound the processed event window (RFC 3339); empty
	// disables the bound.
	After string `koanf:"after"`
	Until string `koanf:"until"`
}

// AfterMillis returns the lower window bound in epoch milliseconds, 0
// when unset. Validate guarantees the format parses.
func (c *PipelineConfig) AfterMillis() int64 { return parseMillis(c.After) }

// UntilMillis returns the upper window bound in epoch milliseconds.
func (c *PipelineConfig) UntilMillis() int64 { return parseMillis(c.Until) }

func parseMillis(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// StoreConfig holds the Badger database settings.
type StoreConfig struct {
	Path       string `koanf:"path"`
	InMemory   bool   `koanf:"in_memory"`
	SyncWrites bool   `koanf:"sync_writes"`

	// BackupPath enables the dual-write decorator onto a second
	// database; empty disables it.
	BackupPath string `koanf:"backup_path"`

	// ImpressionTTL is the emission lock lifetime.
	ImpressionTTL time.Duration `koanf:"impression_ttl"`
}

// NATSConfig holds the broker connection, stream names, and batching.
type NATSConfig struct {
	URL string `koanf:"url"`

	// EmbeddedServer runs an in-process broker for single-binary
	// deployments; StoreDir is its JetStream directory.
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`

	InboundTopic  string `koanf:"inbound_topic"`
	InboundStream string `koanf:"inbound_stream"`
	DurableName   string `koanf:"durable_name"`
	QueueGroup    string `koanf:"queue_group"`

	OutboundSubjectPrefix string `koanf:"outbound_subject_prefix"`
	ArrangementBucket     string `koanf:"arrangement_bucket"`

	SubscribersCount int           `koanf:"subscribers_count"`
	AckWait          time.Duration `koanf:"ack_wait"`
	MaxDeliver       int           `koanf:"max_deliver"`
	MaxReconnects    int           `koanf:"max_reconnects"`
	ReconnectWait    time.Duration `koanf:"reconnect_wait"`

	BatchSize     int           `koanf:"batch_size"`
	BatchInterval time.Duration `koanf:"batch_interval"`

	// MaxPutBatch chunks outbound impression submission.
	MaxPutBatch int `koanf:"max_put_batch"`

	AckTimeout      time.Duration `koanf:"ack_timeout"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig holds the log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			SecondsThreshold:         60,
			PercentThreshold:         0.5,
			RequireOverall:           false,
			DefaultBitrate:           128000,
			BytesTTL:                 24 * time.Hour,
			ArrangementTTL:           24 * time.Hour,
			IncompleteArrangementTTL: 5 * time.Minute,
		},
		Store: StoreConfig{
			Path:          "/data/dovetail-counts",
			SyncWrites:    false,
			ImpressionTTL: 24 * time.Hour,
		},
		NATS: NATSConfig{
			URL:                   "nats://127.0.0.1:4222",
			EmbeddedServer:        false,
			StoreDir:              "/data/nats/jetstream",
			InboundTopic:          "dtcounts.bytes",
			DurableName:           "dtcounts",
			QueueGroup:            "counters",
			OutboundSubjectPrefix: "dtcounts.impressions",
			ArrangementBucket:     "arrangements",
			SubscribersCount:      1,
			AckWait:               30 * time.Second,
			MaxDeliver:            5,
			MaxReconnects:         60,
			ReconnectWait:         2 * time.Second,
			BatchSize:             100,
			BatchInterval:         time.Second,
			MaxPutBatch:           200,
			AckTimeout:            10 * time.Second,
			BreakerFailures:       5,
			BreakerTimeout:        30 * time.Second,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8090,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks cross-field constraints; called by Load.
func (c *Config) Validate() error {
	if c.Pipeline.SecondsThreshold <= 0 {
		return fmt.Errorf("pipeline.seconds_threshold must be positive")
	}
	if c.Pipeline.PercentThreshold <= 0 || c.Pipeline.PercentThreshold > 1 {
		return fmt.Errorf("pipeline.percent_threshold must be in (0,1]")
	}
	if c.Pipeline.DefaultBitrate <= 0 {
		return fmt.Errorf("pipeline.default_bitrate must be positive")
	}
	for name, v := range map[string]string{"pipeline.after": c.Pipeline.After, "pipeline.until": c.Pipeline.Until} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if after, until := c.Pipeline.AfterMillis(), c.Pipeline.UntilMillis(); after > 0 && until > 0 && after > until {
		return fmt.Errorf("pipeline.after is later than pipeline.until")
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.InboundTopic == "" {
		return fmt.Errorf("nats.inbound_topic is required")
	}
	if c.NATS.ArrangementBucket == "" {
		return fmt.Errorf("nats.arrangement_bucket is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q unknown", c.Logging.Format)
	}
	return nil
}
