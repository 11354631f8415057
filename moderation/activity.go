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

// Activity maintains the last-activity ledger for parent-space members
// and computes inactivity cohorts. Record existence is a function of
// current parent-space membership, reconciled by the explicit Sync
// operation rather than automatically.
type Activity struct {
	session   messaging.Session
	directory *Directory
	store     *store.Store
	clock     clock.Clock

	trackMessages  bool
	trackReactions bool
	warnThreshold  time.Duration
	kickThreshold  time.Duration

	logger *slog.Logger
}

// ActivityConfig holds the ledger's knobs.
type ActivityConfig struct {
	// TrackMessages records m.room.message timeline events.
	TrackMessages bool
	// TrackReactions records m.reaction timeline events.
	TrackReactions bool
	// WarnThreshold is the inactivity age at which a user enters the
	// warn cohort.
	WarnThreshold time.Duration
	// KickThreshold is the inactivity age at which a user enters the
	// kick cohort.
	KickThreshold time.Duration
}

// NewActivity creates an Activity ledger. clk may be nil for the real
// clock.
func NewActivity(session messaging.Session, directory *Directory, st *store.Store, clk clock.Clock, cfg ActivityConfig, logger *slog.Logger) *Activity {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Activity{
		session:        session,
		directory:      directory,
		store:          st,
		clock:          clk,
		trackMessages:  cfg.TrackMessages,
		trackReactions: cfg.TrackReactions,
		warnThreshold:  cfg.WarnThreshold,
		kickThreshold:  cfg.KickThreshold,
		logger:         logger,
	}
}

// HandleTimelineEvent records the sender's activity for tracked event
// kinds. The upsert only ever moves the timestamp forward, so replayed
// or out-of-order events cannot regress the ledger.
func (a *Activity) HandleTimelineEvent(ctx context.Context, event messaging.Event) error {
	tracked := (event.Type == "m.room.message" && a.trackMessages) ||
		(event.Type == "m.reaction" && a.trackReactions)
	if !tracked || event.Sender.IsZero() {
		return nil
	}
	if err := a.store.RecordActivity(ctx, event.Sender, event.OriginServerTS); err != nil {
		return fmt.Errorf("moderation: recording activity: %w", err)
	}
	return nil
}

// HandleParentMembership tracks parent-space joins and departures. A
// join seeds a record at the current time without overwriting an
// existing timestamp; a leave or ban removes the record.
func (a *Activity) HandleParentMembership(ctx context.Context, user ref.UserID, membership string) error {
	switch membership {
	case "join":
		if err := a.store.EnsureActivity(ctx, user, a.clock.Now().UnixMilli()); err != nil {
			return fmt.Errorf("moderation: seeding activity record: %w", err)
		}
	case "leave", "ban":
		if err := a.store.RemoveActivity(ctx, user); err != nil {
			return fmt.Errorf("moderation: removing activity record: %w", err)
		}
	}
	return nil
}

// Sync reconciles the ledger against the parent space's current
// membership: every current member gets a record, no non-member keeps
// one. Returns the number of records added and removed.
func (a *Activity) Sync(ctx context.Context) (added, removed int, err error) {
	members, err := a.session.GetJoinedMembers(ctx, a.directory.Parent())
	if err != nil {
		return 0, 0, fmt.Errorf("moderation: listing parent space members: %w", err)
	}
	records, err := a.store.ListActivity(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("moderation: listing activity records: %w", err)
	}

	now := a.clock.Now().UnixMilli()
	recorded := make(map[ref.UserID]bool, len(records))
	for _, record := range records {
		recorded[record.User] = true
	}

	for user := range members {
		if recorded[user] {
			continue
		}
		if err := a.store.EnsureActivity(ctx, user, now); err != nil {
			return added, removed, fmt.Errorf("moderation: seeding activity record: %w", err)
		}
		added++
	}
	for _, record := range records {
		if _, member := members[record.User]; member {
			continue
		}
		if err := a.store.RemoveActivity(ctx, record.User); err != nil {
			return added, removed, fmt.Errorf("moderation: removing stale activity record: %w", err)
		}
		removed++
	}

	a.logger.Info("activity ledger synced",
		"members", len(members), "added", added, "removed", removed)
	return added, removed, nil
}

// InactivityReport is the warn and kick cohorts of the ledger.
type InactivityReport struct {
	// Warn lists users inactive past the warn threshold but not yet
	// the kick threshold.
	Warn []store.ActivityRecord `json:"warn"`
	// Kick lists users inactive past the kick threshold.
	Kick []store.ActivityRecord `json:"kick"`
}

// Report computes the inactivity cohorts, honoring the per-user ignore
// flag.
func (a *Activity) Report(ctx context.Context) (InactivityReport, error) {
	records, err := a.store.ListActivity(ctx)
	if err != nil {
		return InactivityReport{}, fmt.Errorf("moderation: listing activity records: %w", err)
	}

	now := a.clock.Now()
	warnCutoff := now.Add(-a.warnThreshold).UnixMilli()
	kickCutoff := now.Add(-a.kickThreshold).UnixMilli()

	var report InactivityReport
	for _, record := range records {
		if record.IgnoreInactivity {
			continue
		}
		switch {
		case record.LastMessageTimestamp < kickCutoff:
			report.Kick = append(report.Kick, record)
		case record.LastMessageTimestamp < warnCutoff:
			report.Warn = append(report.Warn, record)
		}
	}
	return report, nil
}

// SetIgnore marks or unmarks a user as exempt from inactivity cohorts.
func (a *Activity) SetIgnore(ctx context.Context, user ref.UserID, ignore bool) error {
	if err := a.store.SetIgnoreInactivity(ctx, user, ignore); err != nil {
		return fmt.Errorf("moderation: setting inactivity ignore flag: %w", err)
	}
	return nil
}
