// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"context"
	"log/slog"

	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/messaging"
)

// Handler is one registered event handler. Handlers declare whether
// they accept snapshot events: state-section events on reconnect are a
// historical replay, and state-mutating handlers (verification,
// leave-tracking, flagging) must not reprocess history.
type Handler struct {
	// Name identifies the handler in logs.
	Name string
	// Snapshots marks the handler safe for replayed state-section
	// events. Only read-only handlers set this.
	Snapshots bool
	// Fn processes the event. Errors are logged, never propagated: one
	// handler's failure must not starve the others or stop the loop.
	Fn func(ctx context.Context, roomID ref.RoomID, event messaging.Event) error
}

// Dispatcher routes inbound events to their registered handlers: a
// static event-type table, dispatch is a lookup plus ordered
// invocation.
type Dispatcher struct {
	handlers map[ref.EventType][]Handler
	logger   *slog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[ref.EventType][]Handler),
		logger:   logger,
	}
}

// Register appends a handler for an event type. Handlers run in
// registration order.
func (d *Dispatcher) Register(eventType ref.EventType, handler Handler) {
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Dispatch routes one event. snapshot marks replayed state-section
// events, which are delivered only to handlers that declared themselves
// snapshot-safe.
func (d *Dispatcher) Dispatch(ctx context.Context, roomID ref.RoomID, event messaging.Event, snapshot bool) {
	for _, handler := range d.handlers[event.Type] {
		if snapshot && !handler.Snapshots {
			continue
		}
		if err := handler.Fn(ctx, roomID, event); err != nil {
			d.logger.Error("event handler failed",
				"handler", handler.Name, "event_type", event.Type,
				"room_id", roomID, "error", err)
		}
	}
}
