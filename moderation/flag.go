// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"

	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/messaging"
)

// Flagger tests inbound messages against the content denylists and
// redacts violations synchronously. This is the only synchronous
// redaction path: it is small and latency-sensitive (the offending
// message should disappear immediately), unlike bulk removal which
// always goes through the queue. The stricter ban-pattern list
// additionally triggers an immediate cross-room ban of the sender.
type Flagger struct {
	session messaging.Session
	fanout  *Fanout

	allRooms    bool
	rooms       map[ref.RoomID]bool
	mediaTypes  map[string]bool
	patterns    []*regexp.Regexp
	banPatterns []*regexp.Regexp
	exemptLevel int
	admins      []string

	logger *slog.Logger
}

// FlaggerConfig holds the content-flagging knobs.
type FlaggerConfig struct {
	// AllRooms applies flagging to every room. When false, only Rooms
	// are in scope.
	AllRooms bool
	// Rooms are the rooms in scope when AllRooms is false.
	Rooms map[ref.RoomID]bool
	// MediaTypes are msgtype values redacted on sight.
	MediaTypes []string
	// Patterns are regular expressions over message bodies that
	// trigger redaction.
	Patterns []string
	// BanPatterns additionally trigger an immediate cross-room ban.
	BanPatterns []string
	// ExemptLevel is the power level at or above which senders are
	// never flagged.
	ExemptLevel int
	// Admins are glob patterns over user IDs that are always exempt.
	Admins []string
}

// NewFlagger creates a Flagger, compiling the pattern lists. A pattern
// that does not compile is a configuration error, not something to
// discover at flag time.
func NewFlagger(session messaging.Session, fanout *Fanout, cfg FlaggerConfig, logger *slog.Logger) (*Flagger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mediaTypes := make(map[string]bool, len(cfg.MediaTypes))
	for _, msgType := range cfg.MediaTypes {
		mediaTypes[msgType] = true
	}
	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("moderation: flag patterns: %w", err)
	}
	banPatterns, err := compilePatterns(cfg.BanPatterns)
	if err != nil {
		return nil, fmt.Errorf("moderation: ban patterns: %w", err)
	}

	return &Flagger{
		session:     session,
		fanout:      fanout,
		allRooms:    cfg.AllRooms,
		rooms:       cfg.Rooms,
		mediaTypes:  mediaTypes,
		patterns:    patterns,
		banPatterns: banPatterns,
		exemptLevel: cfg.ExemptLevel,
		admins:      cfg.Admins,
		logger:      logger,
	}, nil
}

// HandleMessage tests one inbound message. The denylists are checked
// before any state read so that the common case (clean message) costs
// no extra round trips; sender exemptions are only resolved for actual
// violations.
func (f *Flagger) HandleMessage(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
	if event.Sender == f.session.UserID() {
		return nil
	}
	if !f.allRooms && !f.rooms[roomID] {
		return nil
	}

	msgType, _ := event.Content["msgtype"].(string)
	body, _ := event.Content["body"].(string)

	ban := matchesAny(f.banPatterns, body)
	flagged := ban || f.mediaTypes[msgType] || matchesAny(f.patterns, body)
	if !flagged {
		return nil
	}

	if f.isAdmin(event.Sender) {
		return nil
	}
	levels, err := messaging.GetState[messaging.PowerLevelsContent](ctx, f.session, roomID, "m.room.power_levels", "")
	if err != nil {
		return fmt.Errorf("moderation: reading power levels for flag check: %w", err)
	}
	if userLevel(levels, event.Sender) >= f.exemptLevel {
		return nil
	}

	if _, err := f.session.RedactEvent(ctx, roomID, event.EventID, "Flagged content"); err != nil {
		return fmt.Errorf("moderation: redacting flagged message: %w", err)
	}
	f.logger.Info("redacted flagged message",
		"room_id", roomID, "user_id", event.Sender, "event_id", event.EventID,
		"msgtype", msgType, "ban", ban)

	if ban {
		result := f.fanout.Ban(ctx, event.Sender, "Posted banned content", true)
		f.logger.Info("banned sender for flagged content",
			"user_id", event.Sender,
			"succeeded", len(result.Succeeded), "failed", len(result.Failed))
	}
	return nil
}

// isAdmin reports whether the sender matches any administrative glob.
func (f *Flagger) isAdmin(user ref.UserID) bool {
	for _, pattern := range f.admins {
		if matched, err := path.Match(pattern, user.String()); err == nil && matched {
			return true
		}
	}
	return false
}

func matchesAny(patterns []*regexp.Regexp, body string) bool {
	if body == "" {
		return false
	}
	for _, pattern := range patterns {
		if pattern.MatchString(body) {
			return true
		}
	}
	return false
}

func compilePatterns(sources []string) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(sources))
	for _, source := range sources {
		compiled, err := regexp.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", source, err)
		}
		patterns = append(patterns, compiled)
	}
	return patterns, nil
}
