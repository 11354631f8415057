// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warden-community/warden/lib/ref"
)

// GetState reads a typed state event from a Matrix room. It calls
// GetStateEvent on the session and unmarshals the raw JSON content into
// T. This is the standard way to read typed state events:
//
//	levels, err := messaging.GetState[messaging.PowerLevelsContent](ctx, session, roomID, "m.room.power_levels", "")
//	child, err := messaging.GetState[messaging.SpaceChildContent](ctx, session, spaceID, "m.space.child", childID.String())
//
// Returns an error if the state event does not exist (M_NOT_FOUND) or
// if the content cannot be unmarshaled into T.
func GetState[T any](ctx context.Context, session Session, roomID ref.RoomID, eventType ref.EventType, stateKey string) (T, error) {
	var zero T
	content, err := session.GetStateEvent(ctx, roomID, eventType, stateKey)
	if err != nil {
		return zero, fmt.Errorf("reading %s[%q] from room %s: %w", eventType, stateKey, roomID, err)
	}
	var result T
	if err := json.Unmarshal(content, &result); err != nil {
		return zero, fmt.Errorf("unmarshaling %s from room %s: %w", eventType, roomID, err)
	}
	return result, nil
}

// ResolveRoom turns a configuration room reference, which may be either
// a room ID ("!abc:server") or an alias ("#name:server"), into a room
// ID. IDs pass through without a network round trip.
func ResolveRoom(ctx context.Context, session Session, room string) (ref.RoomID, error) {
	if strings.HasPrefix(room, "!") {
		return ref.ParseRoomID(room)
	}
	alias, err := ref.ParseRoomAlias(room)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: room reference %q is neither a room ID nor an alias: %w", room, err)
	}
	return session.ResolveAlias(ctx, alias)
}
