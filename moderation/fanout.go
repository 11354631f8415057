// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warden-community/warden/lib/clock"
	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/lib/store"
	"github.com/warden-community/warden/messaging"
)

// FanoutResult records the per-room outcome of a cross-room operation.
// Partial success is the expected common case: one room's failure never
// aborts the others, so callers get a room-name list for each side
// rather than a single pass/fail verdict.
type FanoutResult struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// Fanout enforces membership actions (ban, unban, kick) across every
// room in the current topology plus the parent room. Rooms are
// processed sequentially with a configured inter-request delay to
// respect the homeserver's rate ceiling.
type Fanout struct {
	session   messaging.Session
	directory *Directory
	store     *store.Store
	clock     clock.Clock

	requestDelay time.Duration
	redactOnBan  bool
	backlogLimit int

	logger *slog.Logger
}

// FanoutConfig holds the knobs for cross-room enforcement.
type FanoutConfig struct {
	// RequestDelay is the pause between successive Matrix requests.
	RequestDelay time.Duration
	// RedactOnBan enqueues redaction of the banned user's recent
	// messages in every room the ban succeeds in.
	RedactOnBan bool
	// BacklogLimit bounds how many recent messages are collected per
	// room for redact-on-ban.
	BacklogLimit int
}

// NewFanout creates a Fanout. The store is only used when RedactOnBan
// is set; clk may be nil for the real clock.
func NewFanout(session messaging.Session, directory *Directory, st *store.Store, clk clock.Clock, cfg FanoutConfig, logger *slog.Logger) *Fanout {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		session:      session,
		directory:    directory,
		store:        st,
		clock:        clk,
		requestDelay: cfg.RequestDelay,
		redactOnBan:  cfg.RedactOnBan,
		backlogLimit: cfg.BacklogLimit,
		logger:       logger,
	}
}

// Ban bans the user in every room of the topology. When allRooms is
// false, each room is first checked for the user's presence and skipped
// silently when they are absent; when true, the ban is applied
// unconditionally (banning an already-banned or never-joined user is
// idempotent on the homeserver side). With redact-on-ban enabled, each
// successful ban also enqueues the user's recent messages in that room
// as redaction tasks; redaction is always deferred to the async queue
// so that ban latency is not coupled to bulk content removal.
func (f *Fanout) Ban(ctx context.Context, user ref.UserID, reason string, allRooms bool) FanoutResult {
	var result FanoutResult
	for _, room := range f.directory.Topology(ctx) {
		if !allRooms {
			present, err := f.isPresent(ctx, room.ID, user)
			if err != nil {
				f.logger.Error("checking membership before ban",
					"room", room.Name, "user_id", user, "error", err)
				result.Failed = append(result.Failed, room.Name)
				continue
			}
			if !present {
				continue
			}
		}

		if err := f.session.BanUser(ctx, room.ID, user, reason); err != nil {
			f.logger.Error("banning user", "room", room.Name, "user_id", user, "error", err)
			result.Failed = append(result.Failed, room.Name)
			f.pause(ctx)
			continue
		}
		result.Succeeded = append(result.Succeeded, room.Name)
		f.logger.Info("banned user", "room", room.Name, "user_id", user, "reason", reason)

		if f.redactOnBan && f.store != nil {
			tasks, err := collectUserEvents(ctx, f.session, room.ID, user, f.backlogLimit)
			if err != nil {
				f.logger.Error("collecting messages for redact-on-ban",
					"room", room.Name, "user_id", user, "error", err)
			} else if len(tasks) > 0 {
				if err := f.store.EnqueueRedactions(ctx, tasks); err != nil {
					f.logger.Error("enqueueing redact-on-ban tasks",
						"room", room.Name, "user_id", user, "error", err)
				}
			}
		}
		f.pause(ctx)
	}
	return result
}

// Unban lifts the user's ban in every room of the topology. The
// structural mirror of Ban: same fan-out, same presence pre-check (here
// against the ban state), no redaction side effect.
func (f *Fanout) Unban(ctx context.Context, user ref.UserID, allRooms bool) FanoutResult {
	var result FanoutResult
	for _, room := range f.directory.Topology(ctx) {
		if !allRooms {
			membership, err := f.membership(ctx, room.ID, user)
			if err != nil {
				f.logger.Error("checking membership before unban",
					"room", room.Name, "user_id", user, "error", err)
				result.Failed = append(result.Failed, room.Name)
				continue
			}
			if membership != "ban" {
				continue
			}
		}

		if err := f.session.UnbanUser(ctx, room.ID, user); err != nil {
			f.logger.Error("unbanning user", "room", room.Name, "user_id", user, "error", err)
			result.Failed = append(result.Failed, room.Name)
		} else {
			result.Succeeded = append(result.Succeeded, room.Name)
			f.logger.Info("unbanned user", "room", room.Name, "user_id", user)
		}
		f.pause(ctx)
	}
	return result
}

// Kick removes the user from every room of the topology. When allRooms
// is false, rooms where the user is not currently joined are skipped
// silently.
func (f *Fanout) Kick(ctx context.Context, user ref.UserID, reason string, allRooms bool) FanoutResult {
	var result FanoutResult
	for _, room := range f.directory.Topology(ctx) {
		if !allRooms {
			membership, err := f.membership(ctx, room.ID, user)
			if err != nil {
				f.logger.Error("checking membership before kick",
					"room", room.Name, "user_id", user, "error", err)
				result.Failed = append(result.Failed, room.Name)
				continue
			}
			if membership != "join" {
				continue
			}
		}

		if err := f.session.KickUser(ctx, room.ID, user, reason); err != nil {
			f.logger.Error("kicking user", "room", room.Name, "user_id", user, "error", err)
			result.Failed = append(result.Failed, room.Name)
		} else {
			result.Succeeded = append(result.Succeeded, room.Name)
			f.logger.Info("kicked user", "room", room.Name, "user_id", user, "reason", reason)
		}
		f.pause(ctx)
	}
	return result
}

// isPresent reports whether the user is joined to or invited into the
// room. Absence of a member event is an expected, non-error outcome.
func (f *Fanout) isPresent(ctx context.Context, roomID ref.RoomID, user ref.UserID) (bool, error) {
	membership, err := f.membership(ctx, roomID, user)
	if err != nil {
		return false, err
	}
	return membership == "join" || membership == "invite", nil
}

// membership returns the user's membership state in the room, or ""
// when the user has no member event there.
func (f *Fanout) membership(ctx context.Context, roomID ref.RoomID, user ref.UserID) (string, error) {
	member, err := messaging.GetState[messaging.RoomMemberContent](ctx, f.session, roomID, "m.room.member", user.String())
	if err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("moderation: reading membership of %s in %s: %w", user, roomID, err)
	}
	return member.Membership, nil
}

// pause honors the configured inter-request delay. Returns early when
// the context is cancelled; callers notice the cancellation on their
// next request.
func (f *Fanout) pause(ctx context.Context) {
	if f.requestDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-f.clock.After(f.requestDelay):
	}
}
