// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warden-community/warden/lib/clock"
	"github.com/warden-community/warden/lib/ref"
)

// SyncConfig configures the /sync long-poll loop.
type SyncConfig struct {
	// Filter is the inline JSON filter restricting which event types
	// the homeserver returns.
	Filter string

	// Timeout is the long-poll timeout in milliseconds. The homeserver
	// holds the connection open for this duration when no events are
	// available, then returns an empty response. Default: 30000 (30s).
	Timeout int

	// MaxBackoff is the maximum duration between retry attempts on
	// transient /sync errors. The loop uses exponential backoff
	// starting at 1 second. Default: 30 seconds.
	MaxBackoff time.Duration
}

// SyncHandler is called for each /sync response. The next poll starts
// after the handler returns, so handlers should not block for extended
// periods.
type SyncHandler func(ctx context.Context, response *SyncResponse)

// InitialSync performs the first /sync with no since token to obtain a
// full state snapshot. Returns the next_batch token for the incremental
// loop and the full response for the caller to build initial state
// from.
func InitialSync(ctx context.Context, session Session, filter string) (string, *SyncResponse, error) {
	response, err := session.Sync(ctx, SyncOptions{
		Filter: filter,
	})
	if err != nil {
		return "", nil, fmt.Errorf("messaging: initial sync: %w", err)
	}
	return response.NextBatch, response, nil
}

// RunSyncLoop runs the incremental /sync long-poll loop, calling
// handler for each response until ctx is cancelled. Transient errors
// are retried with exponential backoff.
//
// The caller performs the initial sync (via InitialSync) and processes
// that response before starting this loop, so initial state is built
// synchronously before the event-driven phase begins.
func RunSyncLoop(ctx context.Context, session Session, config SyncConfig, sinceToken string, handler SyncHandler, clk clock.Clock, logger *slog.Logger) {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30000
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 30 * time.Second
	}

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		response, err := session.Sync(ctx, SyncOptions{
			Since:      sinceToken,
			Timeout:    timeout,
			SetTimeout: true,
			Filter:     config.Filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-clk.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		sinceToken = response.NextBatch

		handler(ctx, response)
	}
}

// AcceptInvites joins every room in the invite section of a sync
// response. Returns the room IDs successfully joined. Failures are
// logged and skipped; an invite the bot cannot accept must not stall
// the sync loop.
func AcceptInvites(ctx context.Context, session Session, invites map[ref.RoomID]InvitedRoom, logger *slog.Logger) []ref.RoomID {
	if logger == nil {
		logger = slog.Default()
	}
	var accepted []ref.RoomID
	for roomID := range invites {
		logger.Info("accepting room invite", "room_id", roomID)
		if _, err := session.JoinRoom(ctx, roomID); err != nil {
			logger.Error("failed to accept room invite",
				"room_id", roomID,
				"error", err,
			)
			continue
		}
		accepted = append(accepted, roomID)
	}
	return accepted
}
