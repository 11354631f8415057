// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/warden-community/warden/lib/clock"
	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/messaging"
)

// Synchronizer mirrors user power levels from the parent room into the
// rest of the topology. The parent room is the sole source of truth at
// sync time; the synchronizer never persists a copy.
//
// Power-level writes go through raw JSON maps rather than the typed
// PowerLevelsContent so that fields warden does not model
// (notifications, historical) survive the round trip.
type Synchronizer struct {
	session   messaging.Session
	directory *Directory
	clock     clock.Clock

	gated        map[ref.RoomID]bool
	botLevel     int
	requestDelay time.Duration

	logger *slog.Logger
}

// SynchronizerConfig holds the synchronizer's knobs.
type SynchronizerConfig struct {
	// Gated is the set of verification-gated rooms, skipped during bulk
	// sync so that individually granted verification levels survive.
	Gated map[ref.RoomID]bool
	// BotLevel is the administrative level the bot forces for itself
	// after a full sync. Zero means the default of 1000.
	BotLevel int
	// RequestDelay is the pause between successive room writes.
	RequestDelay time.Duration
}

// NewSynchronizer creates a Synchronizer. clk may be nil for the real
// clock.
func NewSynchronizer(session messaging.Session, directory *Directory, clk clock.Clock, cfg SynchronizerConfig, logger *slog.Logger) *Synchronizer {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	botLevel := cfg.BotLevel
	if botLevel == 0 {
		botLevel = 1000
	}
	return &Synchronizer{
		session:      session,
		directory:    directory,
		clock:        clk,
		gated:        cfg.Gated,
		botLevel:     botLevel,
		requestDelay: cfg.RequestDelay,
		logger:       logger,
	}
}

// HandleParentLevels reacts to a power-level change in the parent room:
// it diffs the previous user map against the new one and pushes only
// the changed entries into every other room the bot is joined to. A
// user deleted from the parent map is a demotion to users_default and
// is pushed at that level. The merge is sparse, not a full overwrite,
// so per-room customizations for users outside the delta set are
// preserved.
func (s *Synchronizer) HandleParentLevels(ctx context.Context, event messaging.Event) error {
	var previous map[string]any
	if event.Unsigned != nil {
		previous, _ = event.Unsigned.PrevContent["users"].(map[string]any)
	}
	current, _ := event.Content["users"].(map[string]any)
	defaultLevel, _ := asLevel(event.Content["users_default"])

	delta := make(map[string]int)
	for user, level := range current {
		newLevel, ok := asLevel(level)
		if !ok {
			continue
		}
		oldLevel, hadOld := asLevel(previous[user])
		if !hadOld || oldLevel != newLevel {
			delta[user] = newLevel
		}
	}
	for user := range previous {
		if _, kept := current[user]; kept {
			continue
		}
		// The bot never demotes itself; it must retain administrative
		// precedence in every room.
		if user == s.session.UserID().String() {
			continue
		}
		oldLevel, hadOld := asLevel(previous[user])
		if hadOld && oldLevel != defaultLevel {
			delta[user] = defaultLevel
		}
	}
	if len(delta) == 0 {
		return nil
	}

	rooms, err := s.session.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("moderation: listing joined rooms for level sync: %w", err)
	}

	for _, roomID := range rooms {
		if roomID == s.directory.Parent() {
			continue
		}
		if err := s.mergeLevels(ctx, roomID, delta); err != nil {
			s.logger.Error("merging power-level delta", "room_id", roomID, "error", err)
		}
		s.pause(ctx)
	}
	s.logger.Info("propagated power-level changes", "users", len(delta), "rooms", len(rooms)-1)
	return nil
}

// SyncPowerLevels performs an on-demand full sync: the target room's
// (or, with a nil target, every topology room's) user map is replaced
// verbatim with the parent room's map, with the bot forced to its
// administrative level afterward regardless of what the parent map
// contained. Verification-gated rooms are skipped during a bulk sync
// unless the gated room is the explicit, sole target.
func (s *Synchronizer) SyncPowerLevels(ctx context.Context, target *ref.RoomID) FanoutResult {
	var result FanoutResult

	parentContent, err := s.roomLevels(ctx, s.directory.Parent())
	if err != nil {
		s.logger.Error("reading parent power levels", "error", err)
		result.Failed = append(result.Failed, s.directory.RoomName(ctx, s.directory.Parent()))
		return result
	}
	parentUsers, _ := parentContent["users"].(map[string]any)

	var rooms []RoomRef
	if target != nil {
		rooms = []RoomRef{{ID: *target, Name: s.directory.RoomName(ctx, *target)}}
	} else {
		for _, room := range s.directory.ListChildRooms(ctx) {
			if s.gated[room.ID] {
				s.logger.Info("skipping verification-gated room in bulk sync", "room", room.Name)
				continue
			}
			rooms = append(rooms, room)
		}
	}

	for _, room := range rooms {
		if err := s.overwriteLevels(ctx, room.ID, parentUsers); err != nil {
			s.logger.Error("syncing power levels", "room", room.Name, "error", err)
			result.Failed = append(result.Failed, room.Name)
		} else {
			result.Succeeded = append(result.Succeeded, room.Name)
		}
		s.pause(ctx)
	}
	return result
}

// GrantLevel sets a single user's level in a room, preserving the rest
// of the map. The granted level is clamped to the bot's own level in
// that room: the bot must retain administrative precedence to perform
// future corrections.
func (s *Synchronizer) GrantLevel(ctx context.Context, roomID ref.RoomID, user ref.UserID, level int) error {
	content, err := s.roomLevels(ctx, roomID)
	if err != nil {
		return err
	}

	users, _ := content["users"].(map[string]any)
	if users == nil {
		users = make(map[string]any)
	}
	botLevel := levelOf(content, s.session.UserID().String())
	if level > botLevel {
		level = botLevel
	}
	users[user.String()] = level
	content["users"] = users

	if _, err := s.session.SendStateEvent(ctx, roomID, "m.room.power_levels", "", content); err != nil {
		return fmt.Errorf("moderation: writing power levels in %s: %w", roomID, err)
	}
	s.logger.Info("granted power level", "room_id", roomID, "user_id", user, "level", level)
	return nil
}

// mergeLevels applies a sparse user-level delta to a room's existing
// map, clamping each granted level to the bot's level there.
func (s *Synchronizer) mergeLevels(ctx context.Context, roomID ref.RoomID, delta map[string]int) error {
	content, err := s.roomLevels(ctx, roomID)
	if err != nil {
		return err
	}

	users, _ := content["users"].(map[string]any)
	if users == nil {
		users = make(map[string]any)
	}
	botLevel := levelOf(content, s.session.UserID().String())
	for user, level := range delta {
		if level > botLevel {
			level = botLevel
		}
		users[user] = level
	}
	content["users"] = users

	if _, err := s.session.SendStateEvent(ctx, roomID, "m.room.power_levels", "", content); err != nil {
		return fmt.Errorf("moderation: writing power levels in %s: %w", roomID, err)
	}
	return nil
}

// overwriteLevels replaces a room's user map with the parent's map,
// forcing the bot to its administrative level.
func (s *Synchronizer) overwriteLevels(ctx context.Context, roomID ref.RoomID, parentUsers map[string]any) error {
	content, err := s.roomLevels(ctx, roomID)
	if err != nil {
		return err
	}

	users := make(map[string]any, len(parentUsers)+1)
	for user, level := range parentUsers {
		users[user] = level
	}
	users[s.session.UserID().String()] = s.botLevel
	content["users"] = users

	if _, err := s.session.SendStateEvent(ctx, roomID, "m.room.power_levels", "", content); err != nil {
		return fmt.Errorf("moderation: writing power levels in %s: %w", roomID, err)
	}
	return nil
}

// roomLevels reads a room's current power-level content as a raw map.
func (s *Synchronizer) roomLevels(ctx context.Context, roomID ref.RoomID) (map[string]any, error) {
	raw, err := s.session.GetStateEvent(ctx, roomID, "m.room.power_levels", "")
	if err != nil {
		return nil, fmt.Errorf("moderation: reading power levels in %s: %w", roomID, err)
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("moderation: parsing power levels in %s: %w", roomID, err)
	}
	return content, nil
}

func (s *Synchronizer) pause(ctx context.Context) {
	if s.requestDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-s.clock.After(s.requestDelay):
	}
}

// levelOf returns a user's effective level in a raw power-level map:
// their users entry, or users_default when absent.
func levelOf(content map[string]any, user string) int {
	if users, ok := content["users"].(map[string]any); ok {
		if level, ok := asLevel(users[user]); ok {
			return level
		}
	}
	if level, ok := asLevel(content["users_default"]); ok {
		return level
	}
	return 0
}

// asLevel coerces a decoded JSON value into an integer power level.
func asLevel(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
