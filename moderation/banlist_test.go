// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation_test

import (
	"context"
	"testing"

	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/messaging"
	"github.com/warden-community/warden/moderation"
)

var banlistRoom = ref.MustParseRoomID("!banlist:test.local")

func policyEvent(eventType ref.EventType, entity, recommendation string) messaging.Event {
	return messaging.Event{
		Type: eventType,
		Content: map[string]any{
			"entity":         entity,
			"recommendation": recommendation,
			"reason":         "spam",
		},
	}
}

func TestIsBannedMatchesGlobRules(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	session.setState(banlistRoom, "m.policy.rule.user", "rule-1", map[string]any{
		"entity":         "@*:spam.example",
		"recommendation": "m.ban",
	})
	session.setState(banlistRoom, "org.matrix.mjolnir.rule.user", "rule-2", map[string]any{
		"entity":         "@troll:test.local",
		"recommendation": "org.matrix.mjolnir.ban",
	})
	evaluator := moderation.NewEvaluator(session, []string{banlistRoom.String()}, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		user   string
		banned bool
	}{
		{"glob match", "@anyone:spam.example", true},
		{"exact match legacy type", "@troll:test.local", true},
		{"no match", "@alice:test.local", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evaluator.IsBanned(ctx, ref.MustParseUserID(tc.user)); got != tc.banned {
				t.Errorf("IsBanned(%s) = %v, want %v", tc.user, got, tc.banned)
			}
		})
	}
}

func TestIsBannedIgnoresNonBanRecommendations(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	session.setState(banlistRoom, "m.policy.rule.user", "rule-1", map[string]any{
		"entity":         "@muted:test.local",
		"recommendation": "m.mute",
	})
	evaluator := moderation.NewEvaluator(session, []string{banlistRoom.String()}, nil)

	if evaluator.IsBanned(context.Background(), ref.MustParseUserID("@muted:test.local")) {
		t.Error("a mute recommendation must not count as a ban")
	}
}

func TestIsBannedFailsOpenPerList(t *testing.T) {
	session := newFakeSession("@warden:test.local")
	unreadable := ref.MustParseRoomID("!gone:test.local")
	session.stateErr[unreadable] = notFoundErr()
	session.setState(banlistRoom, "m.policy.rule.user", "rule-1", map[string]any{
		"entity":         "@troll:test.local",
		"recommendation": "m.ban",
	})
	// The unreadable list comes first; evaluation must continue to the
	// readable one.
	evaluator := moderation.NewEvaluator(session, []string{unreadable.String(), banlistRoom.String()}, nil)

	if !evaluator.IsBanned(context.Background(), ref.MustParseUserID("@troll:test.local")) {
		t.Error("an unreadable list must not block evaluation of later lists")
	}
}

func TestReactiveRule(t *testing.T) {
	cases := []struct {
		name  string
		event messaging.Event
		want  bool
	}{
		{"enforceable rule", policyEvent("m.policy.rule.user", "@troll:test.local", "m.ban"), true},
		{"legacy type", policyEvent("org.matrix.mjolnir.rule.user", "@troll:test.local", "org.matrix.mjolnir.ban"), true},
		{"wildcard deferred to join time", policyEvent("m.policy.rule.user", "@*:spam.example", "m.ban"), false},
		{"non-ban recommendation", policyEvent("m.policy.rule.user", "@troll:test.local", "m.mute"), false},
		{"not a rule type", policyEvent("m.room.message", "@troll:test.local", "m.ban"), false},
		{"malformed entity", policyEvent("m.policy.rule.user", "not-a-user", "m.ban"), false},
		{"retraction", policyEvent("m.policy.rule.user", "", "m.ban"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user, rule, ok := moderation.ReactiveRule(tc.event)
			if ok != tc.want {
				t.Fatalf("ok = %v, want %v", ok, tc.want)
			}
			if !ok {
				return
			}
			if user.String() != "@troll:test.local" {
				t.Errorf("user = %s, want @troll:test.local", user)
			}
			if rule.Reason != "spam" {
				t.Errorf("reason = %q, want %q", rule.Reason, "spam")
			}
		})
	}
}
