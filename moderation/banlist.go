// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/messaging"
)

// policyRuleTypes are the state event types that carry user ban rules:
// the stable spec type, the pre-stabilization type, and the mjolnir
// legacy type still emitted by older list curators.
var policyRuleTypes = map[ref.EventType]bool{
	"m.policy.rule.user":           true,
	"m.room.rule.user":             true,
	"org.matrix.mjolnir.rule.user": true,
}

// Evaluator answers whether a user is banned by any subscribed policy
// list. Lists are resolved from configuration on each evaluation; the
// evaluator holds no list state of its own.
type Evaluator struct {
	session  messaging.Session
	banlists []string
	logger   *slog.Logger
}

// NewEvaluator creates an Evaluator over the configured policy list
// rooms (IDs or aliases, in priority order).
func NewEvaluator(session messaging.Session, banlists []string, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		session:  session,
		banlists: banlists,
		logger:   logger,
	}
}

// IsBanned reports whether any subscribed policy list contains a ban
// rule matching the user. First match wins. A list the bot cannot
// resolve or read is logged and skipped: fail-open per-list, because
// losing access to one shared list must not block all moderation.
func (e *Evaluator) IsBanned(ctx context.Context, user ref.UserID) bool {
	for _, list := range e.banlists {
		roomID, err := messaging.ResolveRoom(ctx, e.session, list)
		if err != nil {
			e.logger.Error("resolving policy list", "list", list, "error", err)
			continue
		}
		events, err := e.session.GetRoomState(ctx, roomID)
		if err != nil {
			e.logger.Error("reading policy list state", "list", list, "room_id", roomID, "error", err)
			continue
		}
		for _, event := range events {
			rule, ok := policyRule(event)
			if !ok {
				continue
			}
			if ruleMatches(rule, user) {
				e.logger.Info("user matched ban rule",
					"user_id", user, "list", list, "entity", rule.Entity, "reason", rule.Reason)
				return true
			}
		}
	}
	return false
}

// ReactiveRule extracts an immediately enforceable ban rule from a
// policy list timeline event. Returns false for non-rule events, for
// non-ban recommendations, for rules with glob wildcards (wildcard
// rules are intentionally excluded from proactive enforcement and
// handled lazily at join time), and for entities that are not
// well-formed user IDs.
func ReactiveRule(event messaging.Event) (ref.UserID, PolicyRule, bool) {
	rule, ok := policyRule(event)
	if !ok {
		return ref.UserID{}, PolicyRule{}, false
	}
	if !recommendsBan(rule.Recommendation) {
		return ref.UserID{}, PolicyRule{}, false
	}
	if strings.ContainsAny(rule.Entity, "*?") {
		return ref.UserID{}, PolicyRule{}, false
	}
	user, err := ref.ParseUserID(rule.Entity)
	if err != nil {
		return ref.UserID{}, PolicyRule{}, false
	}
	return user, rule, true
}

// PolicyRule is a decoded user ban rule.
type PolicyRule struct {
	Entity         string
	Recommendation string
	Reason         string
}

// policyRule decodes a policy rule from a state event. An event whose
// content lacks an entity is a rule retraction (rules are removed by
// writing empty content over the same state key) and is skipped.
func policyRule(event messaging.Event) (PolicyRule, bool) {
	if !policyRuleTypes[event.Type] {
		return PolicyRule{}, false
	}
	entity, _ := event.Content["entity"].(string)
	if entity == "" {
		return PolicyRule{}, false
	}
	recommendation, _ := event.Content["recommendation"].(string)
	reason, _ := event.Content["reason"].(string)
	return PolicyRule{
		Entity:         entity,
		Recommendation: recommendation,
		Reason:         reason,
	}, true
}

// ruleMatches reports whether a rule's entity glob matches the user and
// its recommendation is a ban variant.
func ruleMatches(rule PolicyRule, user ref.UserID) bool {
	if !recommendsBan(rule.Recommendation) {
		return false
	}
	matched, err := path.Match(rule.Entity, user.String())
	if err != nil {
		// A malformed pattern matches nothing.
		return false
	}
	return matched
}

// recommendsBan matches the recommendation against the "ends with ban"
// predicate, covering m.ban, org.matrix.msc3847.ban, and hashed
// variants that share the suffix.
func recommendsBan(recommendation string) bool {
	return strings.HasSuffix(recommendation, "ban")
}
