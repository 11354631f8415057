// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation_test

import (
	"context"
	"testing"

	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/moderation"
)

var (
	parentRoom = ref.MustParseRoomID("!parent:test.local")
	childOne   = ref.MustParseRoomID("!childone:test.local")
	childTwo   = ref.MustParseRoomID("!childtwo:test.local")
)

func TestListChildRoomsFiltersOnViaList(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	directory := moderation.NewDirectory(session, parentRoom, nil)

	session.addSpaceChild(parentRoom, childOne)
	// A child unlinked from the space keeps its state event but loses
	// its via list; it must not appear in the topology.
	session.setState(parentRoom, "m.space.child", childTwo.String(), map[string]any{})
	// Unrelated state must be ignored.
	session.setState(parentRoom, "m.room.name", "", map[string]any{"name": "The Space"})
	// A malformed state key must be skipped, not fail the listing.
	session.setState(parentRoom, "m.space.child", "not-a-room-id", map[string]any{
		"via": []string{"test.local"},
	})

	children := directory.ListChildRooms(context.Background())
	if len(children) != 1 {
		t.Fatalf("got %d children, want 1: %v", len(children), children)
	}
	if children[0].ID != childOne {
		t.Errorf("child = %s, want %s", children[0].ID, childOne)
	}
}

func TestTopologyIncludesParent(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	directory := moderation.NewDirectory(session, parentRoom, nil)
	session.addSpaceChild(parentRoom, childOne)

	rooms := directory.Topology(context.Background())
	if len(rooms) != 2 {
		t.Fatalf("got %d rooms, want 2", len(rooms))
	}
	if rooms[len(rooms)-1].ID != parentRoom {
		t.Errorf("last room = %s, want parent %s", rooms[len(rooms)-1].ID, parentRoom)
	}
}

func TestRoomNameFallsBackToID(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	directory := moderation.NewDirectory(session, parentRoom, nil)

	session.setState(childOne, "m.room.name", "", map[string]any{"name": "General"})

	if name := directory.RoomName(context.Background(), childOne); name != "General" {
		t.Errorf("named room = %q, want %q", name, "General")
	}
	if name := directory.RoomName(context.Background(), childTwo); name != childTwo.String() {
		t.Errorf("unnamed room = %q, want room ID fallback", name)
	}
}

func TestListChildRoomsUnreadableParent(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	session.stateErr[parentRoom] = notFoundErr()
	directory := moderation.NewDirectory(session, parentRoom, nil)

	if children := directory.ListChildRooms(context.Background()); children != nil {
		t.Errorf("got %v, want nil for unreadable parent", children)
	}
}
