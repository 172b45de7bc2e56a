// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package metrics provides Prometheus instrumentation for the download
// reconciliation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decoding
	EventsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtcounts_events_decoded_total",
			Help: "Raw byte-range events decoded, by wire format",
		},
		[]string{"format"}, // "bytes", "realtime", "standard", "json"
	)

	EventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dtcounts_events_rejected_total",
			Help: "Raw records that could not be decoded",
		},
	)

	// Pipeline
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dtcounts_pipeline_duration_seconds",
			Help:    "Duration of one pipeline invocation",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContentItemsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtcounts_content_items_skipped_total",
			Help: "Content items dropped from a batch for bad metadata",
		},
		[]string{"reason"},
	)

	// Arrangement cache
	ArrangementCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dtcounts_arrangement_cache_hits_total",
			Help: "Arrangement lookups served from the local cache",
		},
	)

	ArrangementCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dtcounts_arrangement_cache_misses_total",
			Help: "Arrangement lookups that went to the metadata store",
		},
	)

	// Delivery
	ImpressionsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtcounts_impressions_emitted_total",
			Help: "Impression records delivered to the outbound stream",
		},
		[]string{"type"}, // "bytes", "segmentbytes"
	)

	ImpressionsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtcounts_impressions_duplicate_total",
			Help: "Delivered records tagged duplicate, by cause",
		},
		[]string{"type", "cause"}, // cause: "digestCache", "empty"
	)

	LockConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dtcounts_lock_conflicts_total",
			Help: "Emission locks lost to a prior invocation (expected under redelivery)",
		},
		[]string{"kind"}, // "emission", "digest"
	)

	StreamPutFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dtcounts_stream_put_failures_total",
			Help: "Records the outbound stream reported as failed",
		},
	)

	StreamBatches = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dtcounts_stream_batch_size",
			Help:    "Records per outbound stream batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200},
		},
	)

	// Backup store
	BackupWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dtcounts_backup_write_failures_total",
			Help: "Best-effort writes to the backup store that failed",
		},
	)
)

// ObservePipeline records one pipeline invocation's duration.
func ObservePipeline(start time.Time) {
	PipelineDuration.Observe(time.Since(start).Seconds())
}
