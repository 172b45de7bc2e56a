// Dovetail Counts - Podcast Download Reconciliation and Analytics Delivery
// Copyright 2026 PRX (prx.org)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PRX/dovetail-counts

package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// WatermillAdapter bridges watermill's logger interface onto the global
// zerolog logger, so transport internals log through the same sink as
// everything else.
type WatermillAdapter struct {
	fields watermill.LogFields
}

// NewWatermillAdapter creates an adapter with no preset fields.
func NewWatermillAdapter() *WatermillAdapter {
	return &WatermillAdapter{}
}

func (a *WatermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.emit(Error().Err(err), fields, msg)
}

func (a *WatermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.emit(Info(), fields, msg)
}

func (a *WatermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.emit(Debug(), fields, msg)
}

func (a *WatermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.emit(Trace(), fields, msg)
}

// With returns a child adapter carrying additional fields.
func (a *WatermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillAdapter{fields: a.fields.Add(fields)}
}

func (a *WatermillAdapter) emit(event *zerolog.Event, fields watermill.LogFields, msg string) {
	for k, v := range a.fields {
		event = event.Interface(k, v)
	}
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
