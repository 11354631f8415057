// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/warden-community/warden/lib/clock"
	"github.com/warden-community/warden/lib/config"
	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/lib/store"
	"github.com/warden-community/warden/messaging"
)

// Engine wires the moderation components together and owns the event
// dispatch table. It exposes the operation surface the admin socket and
// the sync loop drive.
type Engine struct {
	session    messaging.Session
	store      *store.Store
	clock      clock.Clock
	config     *config.Config
	configPath string

	directory    *Directory
	evaluator    *Evaluator
	fanout       *Fanout
	synchronizer *Synchronizer
	verifier     *Verifier
	redactor     *Redactor
	activity     *Activity
	flagger      *Flagger
	dispatcher   *Dispatcher

	// gated is shared with the synchronizer and verifier; adding a
	// room here gates it everywhere at once.
	gated        map[ref.RoomID]bool
	banlistRooms map[ref.RoomID]bool

	logger *slog.Logger
}

// EngineOptions holds the Engine's dependencies.
type EngineOptions struct {
	Session messaging.Session
	Store   *store.Store
	Config  *config.Config
	// ConfigPath is where runtime configuration changes
	// (MigrateRoomToVerification) are persisted.
	ConfigPath string
	// Clock may be nil for the real clock.
	Clock clock.Clock
	// Logger may be nil for slog.Default().
	Logger *slog.Logger
}

// NewEngine builds the engine, resolving the configured room references
// (parent space, gated rooms, notification room) against the
// homeserver. Policy list rooms are resolved lazily on each evaluation.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	cfg := opts.Config

	parent, err := messaging.ResolveRoom(ctx, opts.Session, cfg.ParentRoom)
	if err != nil {
		return nil, fmt.Errorf("moderation: resolving parent room %q: %w", cfg.ParentRoom, err)
	}

	gated := make(map[ref.RoomID]bool, len(cfg.Verification.Rooms))
	for _, room := range cfg.Verification.Rooms {
		roomID, err := messaging.ResolveRoom(ctx, opts.Session, room)
		if err != nil {
			return nil, fmt.Errorf("moderation: resolving gated room %q: %w", room, err)
		}
		gated[roomID] = true
	}

	var notifyRoom *ref.RoomID
	if cfg.Verification.NotifyRoom != "" {
		roomID, err := messaging.ResolveRoom(ctx, opts.Session, cfg.Verification.NotifyRoom)
		if err != nil {
			return nil, fmt.Errorf("moderation: resolving notify room %q: %w", cfg.Verification.NotifyRoom, err)
		}
		notifyRoom = &roomID
	}

	// Policy list rooms the reactive rule handler listens in. A list
	// that fails to resolve is skipped, matching the evaluator's
	// fail-open stance.
	banlistRooms := make(map[ref.RoomID]bool, len(cfg.Banlists))
	for _, list := range cfg.Banlists {
		roomID, err := messaging.ResolveRoom(ctx, opts.Session, list)
		if err != nil {
			logger.Error("resolving policy list for reactive enforcement", "list", list, "error", err)
			continue
		}
		banlistRooms[roomID] = true
	}

	flagRooms := make(map[ref.RoomID]bool, len(cfg.Flagging.Rooms))
	for _, room := range cfg.Flagging.Rooms {
		roomID, err := messaging.ResolveRoom(ctx, opts.Session, room)
		if err != nil {
			return nil, fmt.Errorf("moderation: resolving flagged room %q: %w", room, err)
		}
		flagRooms[roomID] = true
	}

	requestDelay := time.Duration(cfg.RequestDelayMS) * time.Millisecond

	engine := &Engine{
		session:      opts.Session,
		store:        opts.Store,
		clock:        clk,
		config:       cfg,
		configPath:   opts.ConfigPath,
		gated:        gated,
		banlistRooms: banlistRooms,
		logger:       logger,
	}

	engine.directory = NewDirectory(opts.Session, parent, logger)
	engine.evaluator = NewEvaluator(opts.Session, cfg.Banlists, logger)
	engine.fanout = NewFanout(opts.Session, engine.directory, opts.Store, clk, FanoutConfig{
		RequestDelay: requestDelay,
		RedactOnBan:  cfg.RedactOnBan,
		BacklogLimit: cfg.Redaction.BacklogLimit,
	}, logger)
	engine.synchronizer = NewSynchronizer(opts.Session, engine.directory, clk, SynchronizerConfig{
		Gated:        gated,
		RequestDelay: requestDelay,
	}, logger)
	engine.verifier = NewVerifier(opts.Session, opts.Store, engine.synchronizer, clk, VerifierConfig{
		Gated:      gated,
		Phrases:    cfg.Verification.Phrases,
		Attempts:   cfg.Verification.Attempts,
		NotifyRoom: notifyRoom,
	}, logger)
	engine.redactor = NewRedactor(opts.Session, engine.directory, opts.Store, clk, RedactorConfig{
		Interval:     time.Duration(cfg.Redaction.IntervalSeconds) * time.Second,
		RequestDelay: requestDelay,
		BacklogLimit: cfg.Redaction.BacklogLimit,
	}, logger)
	engine.activity = NewActivity(opts.Session, engine.directory, opts.Store, clk, ActivityConfig{
		TrackMessages:  cfg.Activity.TrackMessages,
		TrackReactions: cfg.Activity.TrackReactions,
		WarnThreshold:  time.Duration(cfg.Activity.WarnThresholdDays) * 24 * time.Hour,
		KickThreshold:  time.Duration(cfg.Activity.KickThresholdDays) * 24 * time.Hour,
	}, logger)
	engine.flagger, err = NewFlagger(opts.Session, engine.fanout, FlaggerConfig{
		AllRooms:    cfg.Flagging.AllRooms,
		Rooms:       flagRooms,
		MediaTypes:  cfg.Flagging.MediaTypes,
		Patterns:    cfg.Flagging.Patterns,
		BanPatterns: cfg.Flagging.BanPatterns,
		ExemptLevel: cfg.Flagging.ExemptLevel,
		Admins:      cfg.Admins,
	}, logger)
	if err != nil {
		return nil, err
	}

	engine.dispatcher = NewDispatcher(logger)
	engine.registerHandlers()
	return engine, nil
}

// registerHandlers builds the static dispatch table. None of the
// handlers are snapshot-safe: every one of them mutates state (ledger,
// verification, remote rooms), so replayed state sections on reconnect
// reach nothing.
func (e *Engine) registerHandlers() {
	e.dispatcher.Register("m.room.member", Handler{
		Name: "membership",
		Fn:   e.handleMembership,
	})
	e.dispatcher.Register("m.room.message", Handler{
		Name: "content-flagging",
		Fn:   e.flagger.HandleMessage,
	})
	e.dispatcher.Register("m.room.message", Handler{
		Name: "verification-response",
		Fn: func(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
			return e.verifier.HandleMessage(ctx, roomID, event)
		},
	})
	e.dispatcher.Register("m.room.message", Handler{
		Name: "activity",
		Fn: func(ctx context.Context, _ ref.RoomID, event messaging.Event) error {
			return e.activity.HandleTimelineEvent(ctx, event)
		},
	})
	e.dispatcher.Register("m.reaction", Handler{
		Name: "activity",
		Fn: func(ctx context.Context, _ ref.RoomID, event messaging.Event) error {
			return e.activity.HandleTimelineEvent(ctx, event)
		},
	})
	e.dispatcher.Register("m.room.power_levels", Handler{
		Name: "power-level-sync",
		Fn: func(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
			if roomID != e.directory.Parent() {
				return nil
			}
			return e.synchronizer.HandleParentLevels(ctx, event)
		},
	})
	for eventType := range policyRuleTypes {
		e.dispatcher.Register(eventType, Handler{
			Name: "reactive-ban",
			Fn:   e.handlePolicyRule,
		})
	}
}

// handleMembership routes membership transitions: parent-space joins
// and departures feed the activity ledger, joins anywhere trigger the
// policy-list check and, in gated rooms, the verification flow.
func (e *Engine) handleMembership(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
	if event.StateKey == nil {
		return nil
	}
	user, err := ref.ParseUserID(*event.StateKey)
	if err != nil {
		return nil
	}
	membership, _ := event.Content["membership"].(string)

	if roomID == e.directory.Parent() {
		if err := e.activity.HandleParentMembership(ctx, user, membership); err != nil {
			e.logger.Error("updating activity ledger", "user_id", user, "error", err)
		}
	}

	if membership != "join" || user == e.session.UserID() {
		return nil
	}

	if e.evaluator.IsBanned(ctx, user) {
		result := e.fanout.Ban(ctx, user, "Banned by policy list", true)
		e.logger.Info("enforced policy-list ban on join",
			"user_id", user, "room_id", roomID,
			"succeeded", len(result.Succeeded), "failed", len(result.Failed))
		return nil
	}

	return e.verifier.HandleJoin(ctx, roomID, user)
}

// handlePolicyRule enforces new ban rules pushed into a subscribed
// policy list immediately. Wildcard rules are left to the join-time
// check.
func (e *Engine) handlePolicyRule(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
	if !e.banlistRooms[roomID] {
		return nil
	}
	user, rule, ok := ReactiveRule(event)
	if !ok {
		return nil
	}
	reason := rule.Reason
	if reason == "" {
		reason = "Banned by policy list"
	}
	result := e.fanout.Ban(ctx, user, reason, true)
	e.logger.Info("enforced new policy rule",
		"user_id", user, "list_room_id", roomID,
		"succeeded", len(result.Succeeded), "failed", len(result.Failed))
	return nil
}

// HandleSyncResponse dispatches every event of a sync response: state
// sections as snapshots, timelines as live events.
func (e *Engine) HandleSyncResponse(ctx context.Context, response *messaging.SyncResponse) {
	for roomID, room := range response.Rooms.Join {
		for _, event := range room.State.Events {
			e.dispatcher.Dispatch(ctx, roomID, event, true)
		}
		for _, event := range room.Timeline.Events {
			e.dispatcher.Dispatch(ctx, roomID, event, false)
		}
	}
}

// HandleInitialSync dispatches the startup snapshot. Everything in it,
// timeline sections included, is history the previous run already
// acted on, so every event carries the snapshot flag and state-mutating
// handlers see none of it. Without this a restart would re-challenge
// every unverified user whose join is still inside the timeline window.
func (e *Engine) HandleInitialSync(ctx context.Context, response *messaging.SyncResponse) {
	for roomID, room := range response.Rooms.Join {
		for _, event := range room.State.Events {
			e.dispatcher.Dispatch(ctx, roomID, event, true)
		}
		for _, event := range room.Timeline.Events {
			e.dispatcher.Dispatch(ctx, roomID, event, true)
		}
	}
}

// SweepVerifications runs the verification staleness sweep. Called once
// at startup before the sync loop begins.
func (e *Engine) SweepVerifications(ctx context.Context) error {
	return e.verifier.SweepStale(ctx)
}

// DrainLoop runs the redaction drain loop until ctx is cancelled.
func (e *Engine) DrainLoop(ctx context.Context) {
	e.redactor.DrainLoop(ctx)
}

// Sync reconciles the activity ledger against parent-space membership.
func (e *Engine) Sync(ctx context.Context) (added, removed int, err error) {
	return e.activity.Sync(ctx)
}

// Report computes the inactivity cohorts.
func (e *Engine) Report(ctx context.Context) (InactivityReport, error) {
	return e.activity.Report(ctx)
}

// Ban bans the user across the topology and re-syncs the ledger.
func (e *Engine) Ban(ctx context.Context, user ref.UserID, reason string, allRooms bool) FanoutResult {
	result := e.fanout.Ban(ctx, user, reason, allRooms)
	e.resyncLedger(ctx)
	return result
}

// Unban lifts the user's ban across the topology.
func (e *Engine) Unban(ctx context.Context, user ref.UserID, allRooms bool) FanoutResult {
	result := e.fanout.Unban(ctx, user, allRooms)
	e.resyncLedger(ctx)
	return result
}

// Kick removes the user from the topology and re-syncs the ledger.
func (e *Engine) Kick(ctx context.Context, user ref.UserID, reason string, allRooms bool) FanoutResult {
	result := e.fanout.Kick(ctx, user, reason, allRooms)
	e.resyncLedger(ctx)
	return result
}

// CheckBanned reports whether any subscribed policy list bans the user.
func (e *Engine) CheckBanned(ctx context.Context, user ref.UserID) bool {
	return e.evaluator.IsBanned(ctx, user)
}

// EnqueueRedaction queues the user's recent messages for removal, in
// one room or the whole topology.
func (e *Engine) EnqueueRedaction(ctx context.Context, user ref.UserID, room *ref.RoomID) (int, error) {
	return e.redactor.EnqueueUserMessages(ctx, user, room)
}

// SyncPowerLevels performs an on-demand power-level sync of one room,
// or the whole topology when room is nil.
func (e *Engine) SyncPowerLevels(ctx context.Context, room *ref.RoomID) FanoutResult {
	return e.synchronizer.SyncPowerLevels(ctx, room)
}

// Purge kicks every user in the kick cohort from the topology, then
// re-syncs the ledger. Returns the per-user fan-out results.
func (e *Engine) Purge(ctx context.Context) (map[string]FanoutResult, error) {
	report, err := e.activity.Report(ctx)
	if err != nil {
		return nil, err
	}
	results := make(map[string]FanoutResult, len(report.Kick))
	for _, record := range report.Kick {
		results[record.User.String()] = e.fanout.Kick(ctx, record.User, "Removed for inactivity", false)
	}
	e.resyncLedger(ctx)
	return results, nil
}

// SetIgnore marks or unmarks a user as exempt from inactivity cohorts.
func (e *Engine) SetIgnore(ctx context.Context, user ref.UserID, ignore bool) error {
	return e.activity.SetIgnore(ctx, user, ignore)
}

// MigrateRoomToVerification gates a room for verification at runtime.
// Configuration is immutable in place: a new value is built and
// persisted, and the shared gated set picks the room up for the
// synchronizer and verifier.
func (e *Engine) MigrateRoomToVerification(ctx context.Context, room string) error {
	roomID, err := messaging.ResolveRoom(ctx, e.session, room)
	if err != nil {
		return fmt.Errorf("moderation: resolving room %q: %w", room, err)
	}
	if e.gated[roomID] {
		return nil
	}

	updated := *e.config
	updated.Verification.Rooms = append(slices.Clone(e.config.Verification.Rooms), roomID.String())
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("moderation: gating %s: %w", roomID, err)
	}
	if e.configPath != "" {
		if err := updated.Save(e.configPath); err != nil {
			return fmt.Errorf("moderation: persisting configuration: %w", err)
		}
	}
	e.config = &updated
	e.gated[roomID] = true

	e.logger.Info("room gated for verification", "room_id", roomID)
	return nil
}

// Status summarizes the engine's current state.
type Status struct {
	Parent            string `json:"parent"`
	ChildRooms        int    `json:"child_rooms"`
	RedactionBacklog  int    `json:"redaction_backlog"`
	PendingChallenges int    `json:"pending_challenges"`
	LedgerSize        int    `json:"ledger_size"`
}

// Status reports topology size, queue backlog, and in-flight challenge
// count.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	backlog, err := e.store.RedactionBacklog(ctx)
	if err != nil {
		return Status{}, err
	}
	states, err := e.store.ListVerifications(ctx)
	if err != nil {
		return Status{}, err
	}
	records, err := e.store.ListActivity(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Parent:            e.directory.Parent().String(),
		ChildRooms:        len(e.directory.ListChildRooms(ctx)),
		RedactionBacklog:  int(backlog),
		PendingChallenges: len(states),
		LedgerSize:        len(records),
	}, nil
}

// resyncLedger re-runs the activity sync after a fan-out operation so
// that the ledger reflects the membership the operation just changed.
func (e *Engine) resyncLedger(ctx context.Context) {
	if _, _, err := e.activity.Sync(ctx); err != nil {
		e.logger.Error("re-syncing activity ledger after fan-out", "error", err)
	}
}
