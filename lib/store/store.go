// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides warden's SQLite persistence: the activity
// ledger, the durable redaction queue, and pending verification
// challenges. All three tables live in one database file opened through
// lib/sqlitepool.
//
// The store is deliberately dumb: it executes SQL and maps rows to
// typed values. Policy (what counts as activity, when a redaction is
// abandoned, how a challenge resolves) lives in the moderation package.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-community/warden/lib/ref"
	"github.com/warden-community/warden/lib/sqlitepool"
)

// schema is applied to every connection on first use. Statements are
// idempotent; migrations are additive only (new columns via ALTER in
// future revisions, never destructive rewrites).
const schema = `
	CREATE TABLE IF NOT EXISTS user_events (
		mxid                   TEXT PRIMARY KEY,
		last_message_timestamp BIGINT NOT NULL,
		ignore_inactivity      INT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS redaction_tasks (
		event_id TEXT PRIMARY KEY,
		room_id  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_redaction_tasks_room ON redaction_tasks(room_id);

	CREATE TABLE IF NOT EXISTS verification_states (
		dm_room_id           TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL,
		target_room_id       TEXT NOT NULL,
		verification_phrase  TEXT NOT NULL,
		attempts_remaining   INT NOT NULL,
		required_power_level INT NOT NULL,
		created_at           BIGINT NOT NULL
	);
`

// Store wraps the connection pool with typed accessors for the three
// persisted tables. Safe for concurrent use; each method takes its own
// connection.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Config holds the parameters for opening the store.
type Config struct {
	// Path is the SQLite database file. Use ":memory:" with PoolSize 1
	// in tests.
	Path string

	// PoolSize is forwarded to the pool. Zero means the pool default.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Open opens (creating if necessary) the database and applies the
// schema. The caller must call Close when done.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// ActivityRecord is one row of the activity ledger.
type ActivityRecord struct {
	User ref.UserID

	// LastMessageTimestamp is the origin_server_ts of the newest
	// tracked event observed from this user, in milliseconds.
	LastMessageTimestamp int64

	// IgnoreInactivity excludes the user from inactivity reports and
	// purges.
	IgnoreInactivity bool
}

// RecordActivity upserts the user's last activity timestamp. The
// stored timestamp only moves forward: a stale event arriving out of
// order never regresses the ledger.
func (s *Store) RecordActivity(ctx context.Context, user ref.UserID, timestamp int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: record activity: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO user_events (mxid, last_message_timestamp)
		VALUES (?, ?)
		ON CONFLICT(mxid) DO UPDATE
		SET last_message_timestamp = excluded.last_message_timestamp
		WHERE excluded.last_message_timestamp > user_events.last_message_timestamp`,
		&sqlitex.ExecOptions{
			Args: []any{user.String(), timestamp},
		})
	if err != nil {
		return fmt.Errorf("store: record activity for %s: %w", user, err)
	}
	return nil
}

// EnsureActivity inserts a ledger row for the user if none exists,
// with the given timestamp. Existing rows are untouched. Used when
// reconciling the ledger against current room membership: a member
// with no row gets one dated now, so the inactivity clock starts at
// first observation rather than at zero.
func (s *Store) EnsureActivity(ctx context.Context, user ref.UserID, timestamp int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: ensure activity: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR IGNORE INTO user_events (mxid, last_message_timestamp)
		VALUES (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{user.String(), timestamp},
		})
	if err != nil {
		return fmt.Errorf("store: ensure activity for %s: %w", user, err)
	}
	return nil
}

// RemoveActivity deletes the user's ledger row. No-op if absent.
func (s *Store) RemoveActivity(ctx context.Context, user ref.UserID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: remove activity: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM user_events WHERE mxid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{user.String()},
		})
	if err != nil {
		return fmt.Errorf("store: remove activity for %s: %w", user, err)
	}
	return nil
}

// SetIgnoreInactivity sets or clears the user's exclusion from
// inactivity reporting. The row must already exist; setting the flag
// for an unknown user is a silent no-op, matching the ledger's
// observation-driven population.
func (s *Store) SetIgnoreInactivity(ctx context.Context, user ref.UserID, ignore bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: set ignore: %w", err)
	}
	defer s.pool.Put(conn)

	flag := 0
	if ignore {
		flag = 1
	}
	err = sqlitex.Execute(conn, `UPDATE user_events SET ignore_inactivity = ? WHERE mxid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{flag, user.String()},
		})
	if err != nil {
		return fmt.Errorf("store: set ignore for %s: %w", user, err)
	}
	return nil
}

// ListActivity returns the full ledger. Rows with unparseable Matrix
// IDs (possible after a manual database edit) are skipped with a log
// line rather than failing the listing.
func (s *Store) ListActivity(ctx context.Context) ([]ActivityRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list activity: %w", err)
	}
	defer s.pool.Put(conn)

	var records []ActivityRecord
	err = sqlitex.Execute(conn, `
		SELECT mxid, last_message_timestamp, ignore_inactivity
		FROM user_events ORDER BY last_message_timestamp ASC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				user, err := ref.ParseUserID(stmt.ColumnText(0))
				if err != nil {
					s.logger.Warn("skipping ledger row with malformed mxid",
						"mxid", stmt.ColumnText(0),
						"error", err,
					)
					return nil
				}
				records = append(records, ActivityRecord{
					User:                 user,
					LastMessageTimestamp: stmt.ColumnInt64(1),
					IgnoreInactivity:     stmt.ColumnInt(2) != 0,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list activity: %w", err)
	}
	return records, nil
}

// RedactionTask is one pending redaction: a single event in a single
// room. The event ID is the primary key, so re-enqueueing an already
// pending event is a no-op and at-least-once delivery holds.
type RedactionTask struct {
	EventID ref.EventID
	RoomID  ref.RoomID
}

// EnqueueRedactions inserts the tasks, ignoring events already queued.
// All tasks are written in one IMMEDIATE transaction so a crash never
// leaves a partially recorded batch.
func (s *Store) EnqueueRedactions(ctx context.Context, tasks []RedactionTask) error {
	if len(tasks) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: enqueue redactions: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, task := range tasks {
		err = sqlitex.Execute(conn, `
			INSERT OR IGNORE INTO redaction_tasks (event_id, room_id)
			VALUES (?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{task.EventID.String(), task.RoomID.String()},
			})
		if err != nil {
			return fmt.Errorf("store: enqueue redaction %s: %w", task.EventID, err)
		}
	}
	return nil
}

// PendingRedactionRooms returns the distinct rooms with queued tasks.
// The drain loop iterates rooms so a rate limit in one room does not
// stall the others.
func (s *Store) PendingRedactionRooms(ctx context.Context) ([]ref.RoomID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: pending rooms: %w", err)
	}
	defer s.pool.Put(conn)

	var rooms []ref.RoomID
	err = sqlitex.Execute(conn, `SELECT DISTINCT room_id FROM redaction_tasks`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				room, err := ref.ParseRoomID(stmt.ColumnText(0))
				if err != nil {
					s.logger.Warn("skipping redaction row with malformed room ID",
						"room_id", stmt.ColumnText(0),
						"error", err,
					)
					return nil
				}
				rooms = append(rooms, room)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: pending rooms: %w", err)
	}
	return rooms, nil
}

// RedactionsForRoom returns the queued tasks for one room.
func (s *Store) RedactionsForRoom(ctx context.Context, room ref.RoomID) ([]RedactionTask, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: redactions for room: %w", err)
	}
	defer s.pool.Put(conn)

	var tasks []RedactionTask
	err = sqlitex.Execute(conn, `
		SELECT event_id FROM redaction_tasks WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{room.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				eventID, err := ref.ParseEventID(stmt.ColumnText(0))
				if err != nil {
					s.logger.Warn("skipping redaction row with malformed event ID",
						"event_id", stmt.ColumnText(0),
						"error", err,
					)
					return nil
				}
				tasks = append(tasks, RedactionTask{EventID: eventID, RoomID: room})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: redactions for %s: %w", room, err)
	}
	return tasks, nil
}

// DeleteRedaction removes a completed task. No-op if absent.
func (s *Store) DeleteRedaction(ctx context.Context, eventID ref.EventID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete redaction: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM redaction_tasks WHERE event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{eventID.String()},
		})
	if err != nil {
		return fmt.Errorf("store: delete redaction %s: %w", eventID, err)
	}
	return nil
}

// RedactionBacklog returns the number of queued tasks, for the status
// surface.
func (s *Store) RedactionBacklog(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: redaction backlog: %w", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM redaction_tasks`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: redaction backlog: %w", err)
	}
	return count, nil
}

// VerificationState is one pending challenge, keyed by the DM room the
// challenge runs in.
type VerificationState struct {
	DMRoomID     ref.RoomID
	User         ref.UserID
	TargetRoomID ref.RoomID

	// Phrase is the exact challenge phrase sent to the user.
	Phrase string

	// AttemptsRemaining counts down on each mismatched response; the
	// row is deleted when it reaches zero.
	AttemptsRemaining int

	// RequiredPowerLevel is the level the user will be granted in the
	// target room on success, captured when the challenge was created.
	RequiredPowerLevel int

	// CreatedAt is the challenge creation time in Unix milliseconds,
	// used by the startup staleness sweep.
	CreatedAt int64
}

// PutVerification inserts or replaces a challenge.
func (s *Store) PutVerification(ctx context.Context, state VerificationState) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: put verification: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO verification_states
		(dm_room_id, user_id, target_room_id, verification_phrase,
		 attempts_remaining, required_power_level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				state.DMRoomID.String(),
				state.User.String(),
				state.TargetRoomID.String(),
				state.Phrase,
				state.AttemptsRemaining,
				state.RequiredPowerLevel,
				state.CreatedAt,
			},
		})
	if err != nil {
		return fmt.Errorf("store: put verification for %s: %w", state.User, err)
	}
	return nil
}

// GetVerification fetches the challenge for a DM room. The boolean is
// false when no challenge exists there.
func (s *Store) GetVerification(ctx context.Context, dmRoom ref.RoomID) (VerificationState, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return VerificationState{}, false, fmt.Errorf("store: get verification: %w", err)
	}
	defer s.pool.Put(conn)

	var state VerificationState
	var found bool
	err = sqlitex.Execute(conn, `
		SELECT dm_room_id, user_id, target_room_id, verification_phrase,
		       attempts_remaining, required_power_level, created_at
		FROM verification_states WHERE dm_room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{dmRoom.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := scanVerification(stmt)
				if err != nil {
					return err
				}
				state = parsed
				found = true
				return nil
			},
		})
	if err != nil {
		return VerificationState{}, false, fmt.Errorf("store: get verification for %s: %w", dmRoom, err)
	}
	return state, found, nil
}

// DecrementVerificationAttempts subtracts one attempt and returns the
// new count. Returns an error if no challenge exists for the DM room.
func (s *Store) DecrementVerificationAttempts(ctx context.Context, dmRoom ref.RoomID) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: decrement attempts: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		UPDATE verification_states
		SET attempts_remaining = attempts_remaining - 1
		WHERE dm_room_id = ? AND attempts_remaining > 0`,
		&sqlitex.ExecOptions{
			Args: []any{dmRoom.String()},
		})
	if err != nil {
		return 0, fmt.Errorf("store: decrement attempts for %s: %w", dmRoom, err)
	}

	remaining := -1
	err = sqlitex.Execute(conn, `
		SELECT attempts_remaining FROM verification_states WHERE dm_room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{dmRoom.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				remaining = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: read attempts for %s: %w", dmRoom, err)
	}
	if remaining < 0 {
		return 0, fmt.Errorf("store: no verification state for %s", dmRoom)
	}
	return remaining, nil
}

// DeleteVerification removes a challenge. No-op if absent.
func (s *Store) DeleteVerification(ctx context.Context, dmRoom ref.RoomID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete verification: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM verification_states WHERE dm_room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{dmRoom.String()},
		})
	if err != nil {
		return fmt.Errorf("store: delete verification for %s: %w", dmRoom, err)
	}
	return nil
}

// ListVerifications returns all pending challenges, for the startup
// staleness sweep.
func (s *Store) ListVerifications(ctx context.Context) ([]VerificationState, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list verifications: %w", err)
	}
	defer s.pool.Put(conn)

	var states []VerificationState
	err = sqlitex.Execute(conn, `
		SELECT dm_room_id, user_id, target_room_id, verification_phrase,
		       attempts_remaining, required_power_level, created_at
		FROM verification_states`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := scanVerification(stmt)
				if err != nil {
					s.logger.Warn("skipping malformed verification row", "error", err)
					return nil
				}
				states = append(states, parsed)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list verifications: %w", err)
	}
	return states, nil
}

// scanVerification maps a verification_states row to a typed value.
// Column order matches the SELECT lists above.
func scanVerification(stmt *sqlite.Stmt) (VerificationState, error) {
	dmRoom, err := ref.ParseRoomID(stmt.ColumnText(0))
	if err != nil {
		return VerificationState{}, fmt.Errorf("parse dm_room_id: %w", err)
	}
	user, err := ref.ParseUserID(stmt.ColumnText(1))
	if err != nil {
		return VerificationState{}, fmt.Errorf("parse user_id: %w", err)
	}
	target, err := ref.ParseRoomID(stmt.ColumnText(2))
	if err != nil {
		return VerificationState{}, fmt.Errorf("parse target_room_id: %w", err)
	}
	return VerificationState{
		DMRoomID:           dmRoom,
		User:               user,
		TargetRoomID:       target,
		Phrase:             stmt.ColumnText(3),
		AttemptsRemaining:  stmt.ColumnInt(4),
		RequiredPowerLevel: stmt.ColumnInt(5),
		CreatedAt:          stmt.ColumnInt64(6),
	}, nil
}
