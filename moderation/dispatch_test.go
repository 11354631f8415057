// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/messaging"
	"github.com/warden-community/warden/moderation"
)

func TestDispatcherRoutesByEventType(t *testing.T) {
	dispatcher := moderation.NewDispatcher(nil)
	var calls []string
	dispatcher.Register("m.room.message", moderation.Handler{
		Name: "first",
		Fn: func(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
			calls = append(calls, "first")
			return nil
		},
	})
	dispatcher.Register("m.room.message", moderation.Handler{
		Name: "second",
		Fn: func(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
			calls = append(calls, "second")
			return nil
		},
	})
	dispatcher.Register("m.reaction", moderation.Handler{
		Name: "other",
		Fn: func(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
			calls = append(calls, "other")
			return nil
		},
	})

	dispatcher.Dispatch(context.Background(), childOne, messaging.Event{Type: "m.room.message"}, false)

	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("calls = %v, want registration-order handlers for the matching type", calls)
	}
}

func TestDispatcherWithholdsSnapshotsFromLiveHandlers(t *testing.T) {
	dispatcher := moderation.NewDispatcher(nil)
	var live, snapshot int
	dispatcher.Register("m.room.member", moderation.Handler{
		Name: "live-only",
		Fn: func(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
			live++
			return nil
		},
	})
	dispatcher.Register("m.room.member", moderation.Handler{
		Name:      "snapshot-safe",
		Snapshots: true,
		Fn: func(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
			snapshot++
			return nil
		},
	})

	dispatcher.Dispatch(context.Background(), childOne, messaging.Event{Type: "m.room.member"}, true)
	dispatcher.Dispatch(context.Background(), childOne, messaging.Event{Type: "m.room.member"}, false)

	if live != 1 {
		t.Errorf("live handler ran %d times, want 1 (live event only)", live)
	}
	if snapshot != 2 {
		t.Errorf("snapshot-safe handler ran %d times, want 2", snapshot)
	}
}

func TestDispatcherContainsHandlerErrors(t *testing.T) {
	dispatcher := moderation.NewDispatcher(nil)
	var reached bool
	dispatcher.Register("m.room.message", moderation.Handler{
		Name: "failing",
		Fn: func(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
			return errors.New("boom")
		},
	})
	dispatcher.Register("m.room.message", moderation.Handler{
		Name: "after",
		Fn: func(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
			reached = true
			return nil
		},
	})

	dispatcher.Dispatch(context.Background(), childOne, messaging.Event{Type: "m.room.message"}, false)

	if !reached {
		t.Error("a failing handler must not starve the handlers after it")
	}
}
