// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"

	"github.com/warden-community/warden/lib/clock"
	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/lib/store"
	"github.com/warden-community/warden/messaging"
)

const (
	// dmCreateAttempts bounds retries of the challenge room creation.
	dmCreateAttempts = 3
	// dmCreateDelay is the constant pause between creation attempts.
	dmCreateDelay = 2 * time.Second
	// verificationMaxAge is the staleness bound for in-flight
	// challenges; older states are swept at startup.
	verificationMaxAge = 24 * time.Hour
)

// Verifier drives the human-verification challenge flow: a user joining
// a gated room below the room's message-send level is challenged in a
// private room with a phrase; answering correctly raises their level in
// the target room. State is persisted keyed by the challenge room ID so
// that in-flight challenges survive restarts.
type Verifier struct {
	session      messaging.Session
	store        *store.Store
	synchronizer *Synchronizer
	clock        clock.Clock

	gated      map[ref.RoomID]bool
	phrases    []string
	attempts   int
	notifyRoom *ref.RoomID

	// pick selects a phrase index; tests override it for determinism.
	pick func(n int) int

	logger *slog.Logger
}

// VerifierConfig holds the verification flow's knobs.
type VerifierConfig struct {
	// Gated is the set of rooms whose joins trigger a challenge.
	Gated map[ref.RoomID]bool
	// Phrases is the pool the challenge phrase is drawn from.
	Phrases []string
	// Attempts is how many responses a user may send before the
	// challenge is abandoned.
	Attempts int
	// NotifyRoom, when set, receives a notice whenever a user exhausts
	// their attempts.
	NotifyRoom *ref.RoomID
}

// NewVerifier creates a Verifier. clk may be nil for the real clock.
func NewVerifier(session messaging.Session, st *store.Store, synchronizer *Synchronizer, clk clock.Clock, cfg VerifierConfig, logger *slog.Logger) *Verifier {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		session:      session,
		store:        st,
		synchronizer: synchronizer,
		clock:        clk,
		gated:        cfg.Gated,
		phrases:      cfg.Phrases,
		attempts:     cfg.Attempts,
		notifyRoom:   cfg.NotifyRoom,
		pick:         rand.IntN,
		logger:       logger,
	}
}

// HandleJoin begins a challenge when a user joins a gated room without
// the power level required to post there. A user already at or above
// the message-send level is exempt: they were promoted via another
// path, verification would be redundant.
func (v *Verifier) HandleJoin(ctx context.Context, roomID ref.RoomID, user ref.UserID) error {
	if !v.gated[roomID] || user == v.session.UserID() {
		return nil
	}

	levels, err := messaging.GetState[messaging.PowerLevelsContent](ctx, v.session, roomID, "m.room.power_levels", "")
	if err != nil {
		return fmt.Errorf("moderation: reading power levels for gated room %s: %w", roomID, err)
	}
	required := requiredMessageLevel(levels)
	if userLevel(levels, user) >= required {
		return nil
	}

	// One challenge per user per target room at a time; a rejoin while
	// a challenge is in flight reuses the existing one.
	existing, err := v.store.ListVerifications(ctx)
	if err != nil {
		return fmt.Errorf("moderation: listing verification states: %w", err)
	}
	for _, state := range existing {
		if state.User == user && state.TargetRoomID == roomID {
			return nil
		}
	}

	dmRoomID, err := v.createChallengeRoom(ctx, user)
	if err != nil {
		return fmt.Errorf("moderation: creating challenge room for %s: %w", user, err)
	}

	phrase := v.phrases[v.pick(len(v.phrases))]
	state := store.VerificationState{
		DMRoomID:           dmRoomID,
		User:               user,
		TargetRoomID:       roomID,
		Phrase:             phrase,
		AttemptsRemaining:  v.attempts,
		RequiredPowerLevel: required,
		CreatedAt:          v.clock.Now().UnixMilli(),
	}
	if err := v.store.PutVerification(ctx, state); err != nil {
		return fmt.Errorf("moderation: persisting verification state: %w", err)
	}

	prompt := fmt.Sprintf(
		"Hello! The room you just joined requires human verification before you can post. "+
			"Please reply with the following phrase, exactly:\n\n%s", phrase)
	if _, err := v.session.SendMessage(ctx, dmRoomID, messaging.NewTextMessage(prompt)); err != nil {
		return fmt.Errorf("moderation: sending challenge prompt: %w", err)
	}

	v.logger.Info("verification challenge started",
		"user_id", user, "target_room_id", roomID, "dm_room_id", dmRoomID,
		"required_level", required)
	return nil
}

// HandleMessage processes a message in a room with an active challenge.
// Messages in rooms without a challenge, from the bot itself, or from
// anyone but the challenged user are ignored.
func (v *Verifier) HandleMessage(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
	if event.Sender == v.session.UserID() {
		return nil
	}
	state, found, err := v.store.GetVerification(ctx, roomID)
	if err != nil {
		return fmt.Errorf("moderation: reading verification state: %w", err)
	}
	if !found || event.Sender != state.User {
		return nil
	}

	body, _ := event.Content["body"].(string)
	if normalizePhrase(body) == normalizePhrase(state.Phrase) {
		return v.resolve(ctx, state)
	}
	return v.reject(ctx, state)
}

// resolve completes a successful challenge: the target membership is
// re-confirmed (the user may have left while verifying), the stored
// required level is granted, and the challenge room is torn down.
func (v *Verifier) resolve(ctx context.Context, state store.VerificationState) error {
	member, err := messaging.GetState[messaging.RoomMemberContent](ctx, v.session, state.TargetRoomID, "m.room.member", state.User.String())
	stillJoined := err == nil && member.Membership == "join"

	if stillJoined {
		if err := v.synchronizer.GrantLevel(ctx, state.TargetRoomID, state.User, state.RequiredPowerLevel); err != nil {
			return fmt.Errorf("moderation: granting verified level: %w", err)
		}
		if _, err := v.session.SendMessage(ctx, state.DMRoomID, messaging.NewNotice(
			"Verified. You can now post in the room. Welcome!")); err != nil {
			v.logger.Error("sending verification notice", "dm_room_id", state.DMRoomID, "error", err)
		}
		v.logger.Info("verification succeeded",
			"user_id", state.User, "target_room_id", state.TargetRoomID,
			"level", state.RequiredPowerLevel)
	} else {
		if _, err := v.session.SendMessage(ctx, state.DMRoomID, messaging.NewNotice(
			"You verified correctly, but you are no longer in the room. Rejoin it to verify again.")); err != nil {
			v.logger.Error("sending verification notice", "dm_room_id", state.DMRoomID, "error", err)
		}
		v.logger.Info("verification resolved for departed user",
			"user_id", state.User, "target_room_id", state.TargetRoomID)
	}

	return v.teardown(ctx, state)
}

// reject handles a wrong answer: decrement and reprompt, or, when
// attempts are exhausted, notify and tear the challenge down.
func (v *Verifier) reject(ctx context.Context, state store.VerificationState) error {
	remaining, err := v.store.DecrementVerificationAttempts(ctx, state.DMRoomID)
	if err != nil {
		return fmt.Errorf("moderation: decrementing attempts: %w", err)
	}

	if remaining > 0 {
		prompt := fmt.Sprintf("That's not the phrase. %d attempt(s) remaining. Please reply with:\n\n%s",
			remaining, state.Phrase)
		if _, err := v.session.SendMessage(ctx, state.DMRoomID, messaging.NewTextMessage(prompt)); err != nil {
			return fmt.Errorf("moderation: sending reprompt: %w", err)
		}
		return nil
	}

	if _, err := v.session.SendMessage(ctx, state.DMRoomID, messaging.NewNotice(
		"Verification failed: no attempts remaining. Contact a moderator if you believe this is a mistake.")); err != nil {
		v.logger.Error("sending verification notice", "dm_room_id", state.DMRoomID, "error", err)
	}
	if v.notifyRoom != nil {
		notice := fmt.Sprintf("%s failed verification for %s (attempts exhausted)",
			state.User, state.TargetRoomID)
		if _, err := v.session.SendMessage(ctx, *v.notifyRoom, messaging.NewNotice(notice)); err != nil {
			v.logger.Error("notifying moderator room", "error", err)
		}
	}
	v.logger.Info("verification exhausted",
		"user_id", state.User, "target_room_id", state.TargetRoomID)
	return v.teardown(ctx, state)
}

// teardown leaves the challenge room and deletes the persisted state.
func (v *Verifier) teardown(ctx context.Context, state store.VerificationState) error {
	if err := v.session.LeaveRoom(ctx, state.DMRoomID); err != nil {
		v.logger.Error("leaving challenge room", "dm_room_id", state.DMRoomID, "error", err)
	}
	if err := v.store.DeleteVerification(ctx, state.DMRoomID); err != nil {
		return fmt.Errorf("moderation: deleting verification state: %w", err)
	}
	return nil
}

// SweepStale removes orphaned challenges: states whose challenge room
// the bot is no longer in, whose user has left the target room, or
// older than 24 hours. Run once at process start; it guards against
// states orphaned by crashes, manual room departures, or configuration
// changes.
func (v *Verifier) SweepStale(ctx context.Context) error {
	states, err := v.store.ListVerifications(ctx)
	if err != nil {
		return fmt.Errorf("moderation: listing verification states: %w", err)
	}
	if len(states) == 0 {
		return nil
	}

	joinedRooms, err := v.session.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("moderation: listing joined rooms: %w", err)
	}
	joined := make(map[ref.RoomID]bool, len(joinedRooms))
	for _, roomID := range joinedRooms {
		joined[roomID] = true
	}

	now := v.clock.Now().UnixMilli()
	for _, state := range states {
		reason := ""
		switch {
		case !joined[state.DMRoomID]:
			reason = "challenge room departed"
		case now-state.CreatedAt > verificationMaxAge.Milliseconds():
			reason = "older than 24h"
		default:
			member, err := messaging.GetState[messaging.RoomMemberContent](ctx, v.session, state.TargetRoomID, "m.room.member", state.User.String())
			switch {
			case messaging.IsMatrixError(err, messaging.ErrCodeNotFound):
				reason = "user left target room"
			case err != nil:
				// A transient failure must not discard a live
				// challenge; recheck on the next sweep.
				v.logger.Error("checking target membership in sweep",
					"user_id", state.User, "target_room_id", state.TargetRoomID, "error", err)
			case member.Membership != "join":
				reason = "user left target room"
			}
		}
		if reason == "" {
			continue
		}

		v.logger.Info("sweeping stale verification",
			"user_id", state.User, "dm_room_id", state.DMRoomID, "reason", reason)
		if joined[state.DMRoomID] {
			if err := v.session.LeaveRoom(ctx, state.DMRoomID); err != nil {
				v.logger.Error("leaving stale challenge room",
					"dm_room_id", state.DMRoomID, "error", err)
			}
		}
		if err := v.store.DeleteVerification(ctx, state.DMRoomID); err != nil {
			return fmt.Errorf("moderation: deleting stale verification: %w", err)
		}
	}
	return nil
}

// createChallengeRoom opens the private one-to-one room, retrying a
// small fixed number of times on transient creation failure.
func (v *Verifier) createChallengeRoom(ctx context.Context, user ref.UserID) (ref.RoomID, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(dmCreateDelay), dmCreateAttempts-1),
		ctx)
	response, err := backoff.RetryWithData(func() (*messaging.CreateRoomResponse, error) {
		return v.session.CreateRoom(ctx, messaging.CreateRoomRequest{
			Name:     "Verification",
			Topic:    "Human verification",
			Preset:   "trusted_private_chat",
			IsDirect: true,
			Invite:   []string{user.String()},
		})
	}, policy)
	if err != nil {
		return ref.RoomID{}, err
	}
	return response.RoomID, nil
}

// requiredMessageLevel is the level a user needs to post messages in a
// room: the m.room.message override when present, otherwise
// events_default.
func requiredMessageLevel(levels messaging.PowerLevelsContent) int {
	if override, ok := levels.Events["m.room.message"]; ok {
		return override
	}
	return levels.EventsDefault
}

// userLevel is a user's effective level: their users entry, or
// users_default when absent.
func userLevel(levels messaging.PowerLevelsContent, user ref.UserID) int {
	if level, ok := levels.Users[user.String()]; ok {
		return level
	}
	return levels.UsersDefault
}

// normalizePhrase lowercases and strips everything but letters and
// digits, so that case and punctuation differences never fail a
// human who typed the right words.
func normalizePhrase(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
