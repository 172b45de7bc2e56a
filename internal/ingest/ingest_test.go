// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/PRX/dovetail-counts/internal/delivery"
	"github.com/PRX/dovetail-counts/internal/errs"
	"github.com/PRX/dovetail-counts/internal/pipeline"
)

type fakeSubscriber struct {
	ch chan *message.Message
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _ string) (<-chan *message.Message, error) {
	return f.ch, nil
}

func (f *fakeSubscriber) Close() error {
	return nil
}

type fakeHandler struct {
	mu      sync.Mutex
	batches [][][]byte
	err     error
}

func (f *fakeHandler) Handle(_ context.Context, raws [][]byte) (map[string]pipeline.KeyResult, delivery.Counts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, raws)
	return nil, delivery.Counts{}, f.err
}

func (f *fakeHandler) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func startService(t *testing.T, handler Handler, cfg Config) (chan *message.Message, context.CancelFunc) {
	t.Helper()
	sub := &fakeSubscriber{ch: make(chan *message.Message, 16)}
	svc := NewService(sub, handler, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("service did not stop")
		}
	})
	return sub.ch, cancel
}

func newMsg(payload string) *message.Message {
	return message.NewMessage(watermill.NewUUID(), []byte(payload))
}

func waitAcked(t *testing.T, msg *message.Message) {
	t.Helper()
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		t.Fatal("message nacked, want ack")
	case <-time.After(2 * time.Second):
		t.Fatal("message never acked")
	}
}

func waitNacked(t *testing.T, msg *message.Message) {
	t.Helper()
	select {
	case <-msg.Nacked():
	case <-msg.Acked():
		t.Fatal("message acked, want nack")
	case <-time.After(2 * time.Second):
		t.Fatal("message never nacked")
	}
}

func TestBatchBySize(t *testing.T) {
	handler := &fakeHandler{}
	ch, _ := startService(t, handler, Config{BatchSize: 2, BatchInterval: time.Hour})

	m1, m2 := newMsg("a"), newMsg("b")
	ch <- m1
	ch <- m2

	waitAcked(t, m1)
	waitAcked(t, m2)
	if handler.batchCount() != 1 {
		t.Errorf("batches = %d, want 1", handler.batchCount())
	}
	if got := handler.batches[0]; len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Errorf("batch payloads = %q", got)
	}
}

func TestBatchByInterval(t *testing.T) {
	handler := &fakeHandler{}
	ch, _ := startService(t, handler, Config{BatchSize: 100, BatchInterval: 20 * time.Millisecond})

	m := newMsg("solo")
	ch <- m
	waitAcked(t, m)
}

func TestRetryableErrorNacks(t *testing.T) {
	handler := &fakeHandler{err: errs.New(errs.KindRetryable, "store down")}
	ch, _ := startService(t, handler, Config{BatchSize: 1, BatchInterval: time.Hour})

	m := newMsg("a")
	ch <- m
	waitNacked(t, m)
}

func TestBadEventErrorAcks(t *testing.T) {
	// redelivery cannot fix malformed input, so it must not loop
	handler := &fakeHandler{err: errs.New(errs.KindBadEvent, "garbage in")}
	ch, _ := startService(t, handler, Config{BatchSize: 1, BatchInterval: time.Hour})

	m := newMsg("junk")
	ch <- m
	waitAcked(t, m)
}

func TestShutdownNacksPending(t *testing.T) {
	handler := &fakeHandler{}
	ch, cancel := startService(t, handler, Config{BatchSize: 100, BatchInterval: time.Hour})

	m := newMsg("pending")
	ch <- m
	// give the service a moment to buffer it
	time.Sleep(50 * time.Millisecond)
	cancel()
	waitNacked(t, m)
}

func TestClosedChannelFlushes(t *testing.T) {
	handler := &fakeHandler{}
	sub := &fakeSubscriber{ch: make(chan *message.Message, 1)}
	svc := NewService(sub, handler, Config{BatchSize: 100, BatchInterval: time.Hour})

	m := newMsg("last")
	sub.ch <- m
	close(sub.ch)

	done := make(chan error, 1)
	go func() { done <- svc.Serve(context.Background()) }()

	waitAcked(t, m)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
