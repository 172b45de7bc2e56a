// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/PRX/dovetail-counts/internal/delivery"
)

type fakeFuture struct {
	ok  chan *natsgo.PubAck
	err chan error
	msg *natsgo.Msg
}

func newFakeFuture(msg *natsgo.Msg, failure error) *fakeFuture {
	f := &fakeFuture{
		ok:  make(chan *natsgo.PubAck, 1),
		err: make(chan error, 1),
		msg: msg,
	}
	if failure != nil {
		f.err <- failure
	} else {
		f.ok <- &natsgo.PubAck{}
	}
	return f
}

func (f *fakeFuture) Ok() <-chan *natsgo.PubAck { return f.ok }
func (f *fakeFuture) Err() <-chan error         { return f.err }
func (f *fakeFuture) Msg() *natsgo.Msg          { return f.msg }

type fakeJetStream struct {
	published  []*natsgo.Msg
	publishErr error
	ackErrs    map[int]error // by publish order
	calls      int
}

func (f *fakeJetStream) PublishMsgAsync(msg *natsgo.Msg, _ ...natsgo.PubOpt) (natsgo.PubAckFuture, error) {
	f.calls++
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	idx := len(f.published)
	f.published = append(f.published, msg)
	return newFakeFuture(msg, f.ackErrs[idx]), nil
}

func (f *fakeJetStream) PublishAsyncComplete() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func testRecords() []delivery.WireRecord {
	seg := 2
	return []delivery.WireRecord{
		{Timestamp: 1537990270526, ListenerEpisode: "le1", Digest: "d1", Type: delivery.TypeBytes, Bytes: 100},
		{Timestamp: 1537990270526, ListenerEpisode: "le2", Digest: "d1", Type: delivery.TypeSegmentBytes, Segment: &seg},
	}
}

func TestPutBatch(t *testing.T) {
	js := &fakeJetStream{}
	a := NewAppender(js, Config{SubjectPrefix: "test.impressions"})

	result, err := a.PutBatch(context.Background(), testRecords())
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if len(result.FailedIndexes) != 0 {
		t.Errorf("failed = %v, want none", result.FailedIndexes)
	}
	if len(js.published) != 2 {
		t.Fatalf("published = %d, want 2", len(js.published))
	}
	if js.published[0].Subject != "test.impressions.le1" {
		t.Errorf("subject = %q", js.published[0].Subject)
	}
	if js.published[1].Subject != "test.impressions.le2" {
		t.Errorf("subject = %q", js.published[1].Subject)
	}
	if id := js.published[0].Header.Get(natsgo.MsgIdHdr); id != "le1:2018-09-26:d1:all" {
		t.Errorf("msg id = %q", id)
	}
	if id := js.published[1].Header.Get(natsgo.MsgIdHdr); id != "le2:2018-09-26:d1:2" {
		t.Errorf("msg id = %q", id)
	}
}

func TestPutBatchEmpty(t *testing.T) {
	js := &fakeJetStream{}
	a := NewAppender(js, Config{})

	result, err := a.PutBatch(context.Background(), nil)
	if err != nil || len(result.FailedIndexes) != 0 {
		t.Fatalf("result = %v, err = %v", result, err)
	}
	if js.calls != 0 {
		t.Errorf("publish calls = %d, want 0", js.calls)
	}
}

func TestPutBatchRejectedRecord(t *testing.T) {
	js := &fakeJetStream{ackErrs: map[int]error{1: errors.New("no quorum")}}
	a := NewAppender(js, Config{})

	result, err := a.PutBatch(context.Background(), testRecords())
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if len(result.FailedIndexes) != 1 || result.FailedIndexes[0] != 1 {
		t.Errorf("failed = %v, want [1]", result.FailedIndexes)
	}
}

func TestPutBatchTotalFailure(t *testing.T) {
	js := &fakeJetStream{publishErr: errors.New("connection closed")}
	a := NewAppender(js, Config{})

	_, err := a.PutBatch(context.Background(), testRecords())
	if err == nil {
		t.Fatal("want error when nothing published")
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	js := &fakeJetStream{publishErr: errors.New("connection closed")}
	a := NewAppender(js, Config{BreakerFailures: 2, BreakerTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		if _, err := a.PutBatch(context.Background(), testRecords()); err == nil {
			t.Fatalf("call %d: want error", i)
		}
	}
	callsBefore := js.calls

	_, err := a.PutBatch(context.Background(), testRecords())
	if err == nil {
		t.Fatal("want breaker-open error")
	}
	if js.calls != callsBefore {
		t.Errorf("breaker open but broker was called (%d -> %d)", callsBefore, js.calls)
	}
}
