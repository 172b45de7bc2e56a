// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

// Package errs classifies pipeline failures into a closed set of kinds.
//
// The kind decides what the caller does with a failure:
//
//   - Retryable: the whole invocation must be redelivered by the upstream
//     source. Emission locks make the redelivery idempotent.
//   - Skippable: one content item has bad or stale metadata. Log it, drop
//     that item, keep processing the rest of the batch.
//   - BadEvent: the raw input itself is malformed. Redelivery cannot fix
//     it, so the invocation returns a neutral empty result.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the behavioral classification of a pipeline error.
type Kind int

const (
	// KindUnknown is the zero value for errors this package never wrapped.
	// Treated as retryable by Classify, since losing data is worse than
	// reprocessing it.
	KindUnknown Kind = iota

	// KindRetryable errors must surface to the caller so the upstream
	// at-least-once source redelivers the invocation's input.
	KindRetryable

	// KindSkippable errors exclude a single content item from the batch.
	KindSkippable

	// KindBadEvent errors mean the raw event could not be parsed at all.
	KindBadEvent
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindSkippable:
		return "skippable"
	case KindBadEvent:
		return "bad_event"
	default:
		return "unknown"
	}
}

// kindError carries a Kind alongside a wrapped cause.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New creates a classified error from a message.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// Newf creates a classified error from a format string. The %w verb is
// supported, so causes stay reachable through errors.Is / errors.As.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil for a nil error.
// If the error already carries a kind, the outermost one wins.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Classify reports the kind of an error. Unwrapped errors classify as
// KindUnknown; callers that must choose should treat unknown as retryable
// (see IsRetryable).
func Classify(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsRetryable reports whether the invocation should be redelivered.
// Unknown errors count as retryable: silent data loss is the one outcome
// the pipeline may never produce.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	k := Classify(err)
	return k == KindRetryable || k == KindUnknown
}

// IsSkippable reports whether a single content item should be dropped.
func IsSkippable(err error) bool {
	return err != nil && Classify(err) == KindSkippable
}

// IsBadEvent reports whether the raw input was unparseable.
func IsBadEvent(err error) bool {
	return err != nil && Classify(err) == KindBadEvent
}
