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
	"github.com/warden-community/warden/lib/store"
	"github.com/warden-community/warden/messaging"
)

// redactionReason is attached to every queued redaction.
const redactionReason = "Message removed by moderation"

// Redactor drains the durable redaction queue. It runs independently of
// the event loop, woken on a fixed interval; callers only ever enqueue.
// The queue decouples redaction volume from ban and flagging latency.
type Redactor struct {
	session   messaging.Session
	directory *Directory
	store     *store.Store
	clock     clock.Clock

	interval     time.Duration
	requestDelay time.Duration
	backlogLimit int

	logger *slog.Logger
}

// RedactorConfig holds the drain loop's timing knobs.
type RedactorConfig struct {
	// Interval is how often the drain loop wakes.
	Interval time.Duration
	// RequestDelay is the pause between successive redaction requests.
	RequestDelay time.Duration
	// BacklogLimit bounds how many of a user's recent messages are
	// collected per room by EnqueueUserMessages.
	BacklogLimit int
}

// NewRedactor creates a Redactor. clk may be nil for the real clock.
func NewRedactor(session messaging.Session, directory *Directory, st *store.Store, clk clock.Clock, cfg RedactorConfig, logger *slog.Logger) *Redactor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redactor{
		session:      session,
		directory:    directory,
		store:        st,
		clock:        clk,
		interval:     cfg.Interval,
		requestDelay: cfg.RequestDelay,
		backlogLimit: cfg.BacklogLimit,
		logger:       logger,
	}
}

// DrainLoop runs until ctx is cancelled, draining the queue once per
// interval. Non-cancellation errors are logged and the loop continues;
// a drain failure must never take the process down.
func (r *Redactor) DrainLoop(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			redacted, failed, err := r.DrainOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("redaction drain cycle failed", "error", err)
				continue
			}
			if redacted > 0 || failed > 0 {
				r.logger.Info("redaction drain cycle complete",
					"redacted", redacted, "failed", failed)
			}
		}
	}
}

// DrainOnce processes every room with pending tasks once. Per task: on
// success the row is deleted; on a rate-limit response the rest of the
// room's queue is abandoned for this cycle (retrying in a tight loop
// would only extend the penalty window); on any other failure the row
// is kept for the next cycle and processing continues. A redaction
// target that no longer exists counts as done: the row is deleted, the
// queue is at-least-once and the outcome is already what was asked for.
func (r *Redactor) DrainOnce(ctx context.Context) (redacted, failed int, err error) {
	rooms, err := r.store.PendingRedactionRooms(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("moderation: listing pending redaction rooms: %w", err)
	}

	for _, roomID := range rooms {
		tasks, err := r.store.RedactionsForRoom(ctx, roomID)
		if err != nil {
			return redacted, failed, fmt.Errorf("moderation: reading redaction queue for %s: %w", roomID, err)
		}

	room:
		for i, task := range tasks {
			if ctx.Err() != nil {
				return redacted, failed, ctx.Err()
			}

			_, redactErr := r.session.RedactEvent(ctx, task.RoomID, task.EventID, redactionReason)
			switch {
			case redactErr == nil, messaging.IsMatrixError(redactErr, messaging.ErrCodeNotFound):
				if err := r.store.DeleteRedaction(ctx, task.EventID); err != nil {
					r.logger.Error("deleting completed redaction task",
						"event_id", task.EventID, "error", err)
				} else {
					redacted++
				}
			case messaging.IsMatrixError(redactErr, messaging.ErrCodeLimitExceeded):
				r.logger.Warn("rate limited, abandoning room for this cycle",
					"room_id", roomID, "remaining", len(tasks)-i)
				break room
			default:
				failed++
				r.logger.Error("redacting event",
					"room_id", roomID, "event_id", task.EventID, "error", redactErr)
			}
			r.pause(ctx)
		}
	}
	return redacted, failed, nil
}

// EnqueueUserMessages collects the user's recent messages in one room
// (or, when room is nil, the whole topology) and enqueues them as
// redaction tasks. Returns the number of tasks enqueued.
func (r *Redactor) EnqueueUserMessages(ctx context.Context, user ref.UserID, room *ref.RoomID) (int, error) {
	var rooms []ref.RoomID
	if room != nil {
		rooms = []ref.RoomID{*room}
	} else {
		for _, roomRef := range r.directory.Topology(ctx) {
			rooms = append(rooms, roomRef.ID)
		}
	}

	total := 0
	for _, roomID := range rooms {
		tasks, err := collectUserEvents(ctx, r.session, roomID, user, r.backlogLimit)
		if err != nil {
			return total, fmt.Errorf("moderation: collecting messages of %s in %s: %w", user, roomID, err)
		}
		if len(tasks) == 0 {
			continue
		}
		if err := r.store.EnqueueRedactions(ctx, tasks); err != nil {
			return total, fmt.Errorf("moderation: enqueueing redactions for %s: %w", roomID, err)
		}
		total += len(tasks)
	}
	return total, nil
}

func (r *Redactor) pause(ctx context.Context) {
	if r.requestDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-r.clock.After(r.requestDelay):
	}
}

// collectUserEvents fetches the user's most recent events in a room
// (bounded page, newest first) as redaction tasks. Redaction events and
// events whose content is already empty (previously redacted) are
// excluded: redacting them again would be wasted queue work.
func collectUserEvents(ctx context.Context, session messaging.Session, roomID ref.RoomID, user ref.UserID, limit int) ([]store.RedactionTask, error) {
	filter, err := json.Marshal(map[string]any{
		"senders":   []string{user.String()},
		"not_types": []string{"m.room.redaction"},
	})
	if err != nil {
		return nil, fmt.Errorf("moderation: encoding sender filter: %w", err)
	}

	response, err := session.RoomMessages(ctx, roomID, messaging.RoomMessagesOptions{
		Direction: "b",
		Limit:     limit,
		Filter:    string(filter),
	})
	if err != nil {
		return nil, err
	}

	var tasks []store.RedactionTask
	for _, event := range response.Chunk {
		if event.Type == "m.room.redaction" || len(event.Content) == 0 {
			continue
		}
		if event.Sender != user {
			// Servers are not required to honor the filter.
			continue
		}
		tasks = append(tasks, store.RedactionTask{
			EventID: event.EventID,
			RoomID:  roomID,
		})
	}
	return tasks, nil
}
