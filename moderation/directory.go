// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"context"
	"log/slog"

	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/messaging"
)

// RoomRef is one room in the moderated topology.
type RoomRef struct {
	ID ref.RoomID
	// Name is the room's display name, falling back to the room ID
	// when the room has no m.room.name state.
	Name string
}

// Directory resolves the parent space's current child-room membership.
// The list is always resolved fresh, never cached: space membership
// changes are common, and staleness would cause moderation actions to
// be skipped in removed rooms or missed in newly added ones.
type Directory struct {
	session messaging.Session
	parent  ref.RoomID
	logger  *slog.Logger
}

// NewDirectory creates a Directory rooted at the given parent space.
func NewDirectory(session messaging.Session, parent ref.RoomID, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		session: session,
		parent:  parent,
		logger:  logger,
	}
}

// Parent returns the parent space room ID.
func (d *Directory) Parent() ref.RoomID {
	return d.parent
}

// ListChildRooms reads the parent room's current state and returns the
// child rooms whose m.space.child events carry a non-empty via list. A
// child without routing servers has been unlinked from the space; its
// tombstoned state event remains and must be excluded. An unreadable
// parent room yields an empty slice, not an error: a moderation action
// that cannot see the topology still proceeds against the parent.
func (d *Directory) ListChildRooms(ctx context.Context) []RoomRef {
	events, err := d.session.GetRoomState(ctx, d.parent)
	if err != nil {
		d.logger.Error("reading parent space state", "room_id", d.parent, "error", err)
		return nil
	}

	var children []RoomRef
	for _, event := range events {
		if event.Type != "m.space.child" || event.StateKey == nil {
			continue
		}
		via, ok := event.Content["via"].([]any)
		if !ok || len(via) == 0 {
			continue
		}
		childID, err := ref.ParseRoomID(*event.StateKey)
		if err != nil {
			d.logger.Warn("malformed space child state key",
				"room_id", d.parent, "state_key", *event.StateKey, "error", err)
			continue
		}
		children = append(children, RoomRef{
			ID:   childID,
			Name: d.RoomName(ctx, childID),
		})
	}
	return children
}

// Topology returns the full moderated room set: every child room plus
// the parent room itself. This is the fan-out target list for bans,
// kicks, and power-level syncs.
func (d *Directory) Topology(ctx context.Context) []RoomRef {
	rooms := d.ListChildRooms(ctx)
	return append(rooms, RoomRef{ID: d.parent, Name: d.RoomName(ctx, d.parent)})
}

// RoomName resolves a room's display name for result bookkeeping.
// Falls back to the room ID when the room has no name state or the
// state is unreadable.
func (d *Directory) RoomName(ctx context.Context, roomID ref.RoomID) string {
	content, err := messaging.GetState[struct {
		Name string `json:"name"`
	}](ctx, d.session, roomID, "m.room.name", "")
	if err != nil || content.Name == "" {
		return roomID.String()
	}
	return content.Name
}
