// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package arrangement

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/PRX/dovetail-counts/internal/errs"
	"github.com/PRX/dovetail-counts/internal/logging"
	"github.com/PRX/dovetail-counts/internal/metrics"
	"github.com/PRX/dovetail-counts/internal/store"
)

// CacheStore is the subset of the KV store the loader needs.
type CacheStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// MetadataStore fetches raw arrangement payloads by content digest.
// A (nil, nil) result means the digest does not exist.
type MetadataStore interface {
	GetArrangement(ctx context.Context, digest string) ([]byte, error)
}

// LoaderConfig tunes caching and bitrate fallback.
type LoaderConfig struct {
	// TTL for cached arrangements.
	TTL time.Duration

	// IncompleteTTL is the shorter TTL used when the source marks the
	// arrangement incomplete, in case a later re-stitch fills it in.
	IncompleteTTL time.Duration

	// DefaultBitrate in bits per second; <= 0 uses DefaultBitrate.
	DefaultBitrate int
}

// Loader resolves digests to Arrangements through a local cache, with
// request-scoped memoization of in-flight fetches.
//
// Create one Loader per pipeline invocation: the embedded singleflight
// group is the invocation's memo table, so concurrent lookups of the same
// digest within a batch share one fetch (and one warn log), and nothing
// leaks across invocations.
type Loader struct {
	cache CacheStore
	meta  MetadataStore
	cfg   LoaderConfig
	sf    singleflight.Group
}

// NewLoader creates a request-scoped Loader.
func NewLoader(cache CacheStore, meta MetadataStore, cfg LoaderConfig) *Loader {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.IncompleteTTL <= 0 {
		cfg.IncompleteTTL = 5 * time.Minute
	}
	return &Loader{cache: cache, meta: meta, cfg: cfg}
}

// Load returns the Arrangement for a digest. Errors carry an errs kind:
// a missing digest is retryable (the stitcher may not have written it
// yet), malformed or obsolete payloads are skippable.
func (l *Loader) Load(ctx context.Context, digest string) (*Arrangement, error) {
	v, err, _ := l.sf.Do(digest, func() (interface{}, error) {
		return l.load(ctx, digest)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Arrangement), nil
}

func (l *Loader) load(ctx context.Context, digest string) (*Arrangement, error) {
	key := store.PrefixArrangements + digest

	cached, found, err := l.cache.Get(ctx, key)
	if err != nil {
		return nil, errs.Newf(errs.KindRetryable, "arrangement cache get %s: %w", digest, err)
	}
	if found {
		metrics.ArrangementCacheHits.Inc()
		return New(digest, []byte(cached), l.cfg.DefaultBitrate)
	}
	metrics.ArrangementCacheMisses.Inc()

	raw, err := l.meta.GetArrangement(ctx, digest)
	if err != nil {
		return nil, errs.Newf(errs.KindRetryable, "arrangement fetch %s: %w", digest, err)
	}
	if raw == nil {
		return nil, errs.Newf(errs.KindRetryable, "arrangement %s: not found", digest)
	}

	arr, err := New(digest, raw, l.cfg.DefaultBitrate)
	if err != nil {
		return nil, err
	}
	if arr.NonCurrent {
		logging.Ctx(ctx).Warn().Str("digest", digest).Int("version", arr.Version).
			Msg("non-current arrangement, using default bitrate")
	}

	ttl := l.cfg.TTL
	if arr.Incomplete {
		ttl = l.cfg.IncompleteTTL
	}
	encoded, err := arr.Encode()
	if err != nil {
		return nil, errs.Wrap(errs.KindSkippable, err)
	}
	if err := l.cache.SetWithTTL(ctx, key, encoded, ttl); err != nil {
		// cache write failure is not worth failing the item over
		logging.Ctx(ctx).Warn().Err(err).Str("digest", digest).Msg("arrangement cache set failed")
	}

	return arr, nil
}
