// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

type fakeEntry struct {
	value []byte
}

func (e *fakeEntry) Bucket() string               { return "arrangements" }
func (e *fakeEntry) Key() string                  { return "digest" }
func (e *fakeEntry) Value() []byte                { return e.value }
func (e *fakeEntry) Revision() uint64             { return 1 }
func (e *fakeEntry) Created() time.Time           { return time.Time{} }
func (e *fakeEntry) Delta() uint64                { return 0 }
func (e *fakeEntry) Operation() natsgo.KeyValueOp { return natsgo.KeyValuePut }

type fakeKV struct {
	entries map[string][]byte
	err     error
}

func (f *fakeKV) Get(key string) (natsgo.KeyValueEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.entries[key]; ok {
		return &fakeEntry{value: v}, nil
	}
	return nil, natsgo.ErrKeyNotFound
}

func TestGetArrangement(t *testing.T) {
	s := &KVStore{kv: &fakeKV{entries: map[string][]byte{"d1": []byte(`{"version":4}`)}}}

	t.Run("found", func(t *testing.T) {
		raw, err := s.GetArrangement(context.Background(), "d1")
		if err != nil || string(raw) != `{"version":4}` {
			t.Fatalf("raw = %q, err = %v", raw, err)
		}
	})

	t.Run("missing is nil nil", func(t *testing.T) {
		raw, err := s.GetArrangement(context.Background(), "nope")
		if raw != nil || err != nil {
			t.Fatalf("raw = %q, err = %v", raw, err)
		}
	})

	t.Run("store error surfaces", func(t *testing.T) {
		s := &KVStore{kv: &fakeKV{err: errors.New("bucket gone")}}
		if _, err := s.GetArrangement(context.Background(), "d1"); err == nil {
			t.Fatal("want error")
		}
	})
}
