// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/warden-community/warden/lib/codec"
	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/lib/socket"
	"github.com/warden-community/warden/messaging"
	"github.com/warden-community/warden/moderation"
)

// userRequest covers the actions that take a user and optional
// enforcement knobs.
type userRequest struct {
	User     string `cbor:"user"`
	Reason   string `cbor:"reason"`
	AllRooms bool   `cbor:"all_rooms"`
}

// roomRequest covers the actions that take an optional room. An empty
// room means the whole topology.
type roomRequest struct {
	Room string `cbor:"room"`
}

type redactRequest struct {
	User string `cbor:"user"`
	Room string `cbor:"room"`
}

// activityEntry is the wire form of one activity ledger row.
type activityEntry struct {
	User         string `cbor:"user"`
	LastActiveMS int64  `cbor:"last_active_ms"`
}

func decodeUser(raw []byte) (ref.UserID, userRequest, error) {
	var request userRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return ref.UserID{}, request, fmt.Errorf("invalid request: %w", err)
	}
	if request.User == "" {
		return ref.UserID{}, request, fmt.Errorf("missing required field: user")
	}
	user, err := ref.ParseUserID(request.User)
	if err != nil {
		return ref.UserID{}, request, fmt.Errorf("invalid user %q: %w", request.User, err)
	}
	return user, request, nil
}

// resolveOptionalRoom resolves a room ID or alias, or returns nil for
// the empty string (meaning the whole topology).
func resolveOptionalRoom(ctx context.Context, session messaging.Session, room string) (*ref.RoomID, error) {
	if room == "" {
		return nil, nil
	}
	roomID, err := messaging.ResolveRoom(ctx, session, room)
	if err != nil {
		return nil, fmt.Errorf("resolving room %q: %w", room, err)
	}
	return &roomID, nil
}

// registerActions wires the admin operation surface onto the socket
// server.
func registerActions(server *socket.Server, engine *moderation.Engine, session messaging.Session) {
	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return engine.Status(ctx)
	})

	server.Handle("sync", func(ctx context.Context, raw []byte) (any, error) {
		added, removed, err := engine.Sync(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"added": added, "removed": removed}, nil
	})

	server.Handle("report", func(ctx context.Context, raw []byte) (any, error) {
		report, err := engine.Report(ctx)
		if err != nil {
			return nil, err
		}
		response := struct {
			Warn []activityEntry `cbor:"warn"`
			Kick []activityEntry `cbor:"kick"`
		}{}
		for _, record := range report.Warn {
			response.Warn = append(response.Warn, activityEntry{
				User:         record.User.String(),
				LastActiveMS: record.LastMessageTimestamp,
			})
		}
		for _, record := range report.Kick {
			response.Kick = append(response.Kick, activityEntry{
				User:         record.User.String(),
				LastActiveMS: record.LastMessageTimestamp,
			})
		}
		return response, nil
	})

	server.Handle("ban", func(ctx context.Context, raw []byte) (any, error) {
		user, request, err := decodeUser(raw)
		if err != nil {
			return nil, err
		}
		return engine.Ban(ctx, user, request.Reason, request.AllRooms), nil
	})

	server.Handle("unban", func(ctx context.Context, raw []byte) (any, error) {
		user, request, err := decodeUser(raw)
		if err != nil {
			return nil, err
		}
		return engine.Unban(ctx, user, request.AllRooms), nil
	})

	server.Handle("kick", func(ctx context.Context, raw []byte) (any, error) {
		user, request, err := decodeUser(raw)
		if err != nil {
			return nil, err
		}
		return engine.Kick(ctx, user, request.Reason, request.AllRooms), nil
	})

	server.Handle("check-banned", func(ctx context.Context, raw []byte) (any, error) {
		user, _, err := decodeUser(raw)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"banned": engine.CheckBanned(ctx, user)}, nil
	})

	server.Handle("redact-user", func(ctx context.Context, raw []byte) (any, error) {
		var request redactRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		if request.User == "" {
			return nil, fmt.Errorf("missing required field: user")
		}
		user, err := ref.ParseUserID(request.User)
		if err != nil {
			return nil, fmt.Errorf("invalid user %q: %w", request.User, err)
		}
		room, err := resolveOptionalRoom(ctx, session, request.Room)
		if err != nil {
			return nil, err
		}
		enqueued, err := engine.EnqueueRedaction(ctx, user, room)
		if err != nil {
			return nil, err
		}
		return map[string]int{"enqueued": enqueued}, nil
	})

	server.Handle("sync-power-levels", func(ctx context.Context, raw []byte) (any, error) {
		var request roomRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		room, err := resolveOptionalRoom(ctx, session, request.Room)
		if err != nil {
			return nil, err
		}
		return engine.SyncPowerLevels(ctx, room), nil
	})

	server.Handle("migrate-verification", func(ctx context.Context, raw []byte) (any, error) {
		var request roomRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		if request.Room == "" {
			return nil, fmt.Errorf("missing required field: room")
		}
		return nil, engine.MigrateRoomToVerification(ctx, request.Room)
	})

	server.Handle("purge", func(ctx context.Context, raw []byte) (any, error) {
		results, err := engine.Purge(ctx)
		if err != nil {
			return nil, err
		}
		return results, nil
	})

	server.Handle("ignore", func(ctx context.Context, raw []byte) (any, error) {
		user, _, err := decodeUser(raw)
		if err != nil {
			return nil, err
		}
		return nil, engine.SetIgnore(ctx, user, true)
	})

	server.Handle("unignore", func(ctx context.Context, raw []byte) (any, error) {
		user, _, err := decodeUser(raw)
		if err != nil {
			return nil, err
		}
		return nil, engine.SetIgnore(ctx, user, false)
	})
}
