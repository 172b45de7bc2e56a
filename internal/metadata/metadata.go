// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package metadata resolves content digests to arrangement documents.
// The stitcher publishes arrangements into a JetStream key-value bucket
// keyed by digest; this adapter reads them back for the pipeline.
package metadata

import (
	"context"
	"errors"
	"fmt"

	natsgo "github.com/nats-io/nats.go"
)

// keyValue is the slice of nats.KeyValue the store uses.
type keyValue interface {
	Get(key string) (natsgo.KeyValueEntry, error)
}

// KVStore implements arrangement.MetadataStore over a JetStream
// key-value bucket.
type KVStore struct {
	kv keyValue
}

// NewKVStore binds to an existing arrangement bucket.
func NewKVStore(js natsgo.JetStreamContext, bucket string) (*KVStore, error) {
	kv, err := js.KeyValue(bucket)
	if err != nil {
		return nil, fmt.Errorf("bind arrangement bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

// GetArrangement returns the raw arrangement document for a digest, or
// (nil, nil) when the stitcher has not written it yet.
func (s *KVStore) GetArrangement(_ context.Context, digest string) ([]byte, error) {
	entry, err := s.kv.Get(digest)
	if errors.Is(err, natsgo.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get arrangement %s: %w", digest, err)
	}
	return entry.Value(), nil
}
