// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/warden-community/warden/lib/clock"
	"github.com/warden-community/warden/lib/config"
	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/messaging"
	"github.com/warden-community/warden/moderation"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Homeserver = "https://test.local"
	cfg.UserID = "@warden:test.local"
	cfg.ParentRoom = parentRoom.String()
	cfg.Banlists = []string{banlistRoom.String()}
	cfg.Verification.Phrases = []string{"correct horse battery staple"}
	cfg.RequestDelayMS = 0
	return cfg
}

func newTestEngine(t *testing.T, session *fakeSession, cfg *config.Config, configPath string) *moderation.Engine {
	t.Helper()
	engine, err := moderation.NewEngine(context.Background(), moderation.EngineOptions{
		Session:    session,
		Store:      openTestStore(t),
		Config:     cfg,
		ConfigPath: configPath,
		Clock:      clock.Fake(testTime()),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func syncWithTimeline(roomID ref.RoomID, events ...messaging.Event) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch: "batch-1",
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{
				roomID: {Timeline: messaging.TimelineSection{Events: events}},
			},
		},
	}
}

func joinEvent(user ref.UserID) messaging.Event {
	key := user.String()
	return messaging.Event{
		Type:     "m.room.member",
		StateKey: &key,
		Sender:   user,
		Content:  map[string]any{"membership": "join"},
	}
}

func banRuleEvent(entity string) messaging.Event {
	key := "rule-1"
	return messaging.Event{
		Type:     "m.policy.rule.user",
		StateKey: &key,
		Content: map[string]any{
			"entity":         entity,
			"recommendation": "m.ban",
			"reason":         "spam",
		},
	}
}

func TestEngineEnforcesNewPolicyRule(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	session.addSpaceChild(parentRoom, childOne)
	engine := newTestEngine(t, session, testConfig(), "")

	response := syncWithTimeline(banlistRoom, banRuleEvent(troll.String()))
	engine.HandleSyncResponse(context.Background(), response)

	if len(session.bans) != 2 {
		t.Fatalf("got %d ban calls, want child and parent", len(session.bans))
	}
	for _, ban := range session.bans {
		if ban.User != troll {
			t.Errorf("banned %s, want %s", ban.User, troll)
		}
	}
}

func TestEngineIgnoresRulesOutsideSubscribedLists(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	session.addSpaceChild(parentRoom, childOne)
	engine := newTestEngine(t, session, testConfig(), "")

	// The same rule event in an unsubscribed room must not enforce.
	response := syncWithTimeline(childOne, banRuleEvent(troll.String()))
	engine.HandleSyncResponse(context.Background(), response)

	if len(session.bans) != 0 {
		t.Errorf("bans = %v, want none for unsubscribed rooms", session.bans)
	}
}

func TestEngineBansListedUserOnJoin(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	session.addSpaceChild(parentRoom, childOne)
	session.setState(banlistRoom, "m.policy.rule.user", "rule-1", map[string]any{
		"entity":         troll.String(),
		"recommendation": "m.ban",
	})
	engine := newTestEngine(t, session, testConfig(), "")

	engine.HandleSyncResponse(context.Background(), syncWithTimeline(childOne, joinEvent(troll)))

	if len(session.bans) != 2 {
		t.Errorf("got %d ban calls, want listed user banned across topology", len(session.bans))
	}
}

func TestEngineIgnoresSnapshotMembership(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	session.addSpaceChild(parentRoom, childOne)
	session.setState(banlistRoom, "m.policy.rule.user", "rule-1", map[string]any{
		"entity":         troll.String(),
		"recommendation": "m.ban",
	})
	engine := newTestEngine(t, session, testConfig(), "")

	// The same join event delivered in the state section is a replay
	// and must not re-trigger enforcement.
	response := &messaging.SyncResponse{
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{
				childOne: {State: messaging.StateSection{Events: []messaging.Event{joinEvent(troll)}}},
			},
		},
	}
	engine.HandleSyncResponse(context.Background(), response)

	if len(session.bans) != 0 {
		t.Errorf("bans = %v, want none for snapshot events", session.bans)
	}
}

func TestEngineInitialSyncDoesNotReplayHistory(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	session.addSpaceChild(parentRoom, childOne)
	session.setState(banlistRoom, "m.policy.rule.user", "rule-1", map[string]any{
		"entity":         troll.String(),
		"recommendation": "m.ban",
	})
	cfg := testConfig()
	cfg.Verification.Rooms = []string{childOne.String()}
	engine := newTestEngine(t, session, cfg, "")

	// A restart delivers the recent timeline inside the initial
	// snapshot. These joins were already handled when they were live:
	// re-dispatching them would open a fresh challenge room for every
	// unverified user on every restart.
	response := syncWithTimeline(childOne, joinEvent(troll), joinEvent(alice))
	engine.HandleInitialSync(context.Background(), response)

	if len(session.bans) != 0 {
		t.Errorf("bans = %v, want none for initial-sync timeline events", session.bans)
	}
	if len(session.created) != 0 {
		t.Errorf("created %d challenge rooms, want none for replayed joins", len(session.created))
	}
}

func TestEngineUnlistedJoinIsUntouched(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	session.addSpaceChild(parentRoom, childOne)
	engine := newTestEngine(t, session, testConfig(), "")

	engine.HandleSyncResponse(context.Background(), syncWithTimeline(childOne, joinEvent(alice)))

	if len(session.bans) != 0 {
		t.Errorf("bans = %v, want none for an unlisted user", session.bans)
	}
}

func TestEngineMigrateRoomToVerification(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	configPath := filepath.Join(t.TempDir(), "warden.yaml")
	cfg := testConfig()
	engine := newTestEngine(t, session, cfg, configPath)
	ctx := context.Background()

	if err := engine.MigrateRoomToVerification(ctx, childTwo.String()); err != nil {
		t.Fatalf("MigrateRoomToVerification: %v", err)
	}

	persisted, err := config.LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !persisted.GatedForVerification(childTwo.String()) {
		t.Errorf("persisted config does not gate %s", childTwo)
	}
	// The original configuration value is not mutated in place.
	if cfg.GatedForVerification(childTwo.String()) {
		t.Error("caller's config value mutated in place")
	}

	// Gating is idempotent.
	if err := engine.MigrateRoomToVerification(ctx, childTwo.String()); err != nil {
		t.Fatalf("MigrateRoomToVerification (repeat): %v", err)
	}
	persisted, err = config.LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := len(persisted.Verification.Rooms); got != 1 {
		t.Errorf("verification.rooms has %d entries, want 1", got)
	}
}

func TestEngineStatus(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	session.addSpaceChild(parentRoom, childOne)
	engine := newTestEngine(t, session, testConfig(), "")

	status, err := engine.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Parent != parentRoom.String() {
		t.Errorf("parent = %s, want %s", status.Parent, parentRoom)
	}
	if status.ChildRooms != 1 {
		t.Errorf("child rooms = %d, want 1", status.ChildRooms)
	}
}
