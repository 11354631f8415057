// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API for warden's
// moderation needs.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client that handles login, returning authenticated
// [DirectSession] values. Client holds the homeserver URL and HTTP
// transport, shared across all sessions derived from it.
//
// [DirectSession] wraps a Client with an access token for authenticated
// operations: membership enforcement (ban, unban, kick), event redaction,
// room management (create, join, leave, invite), messaging, state events
// (get/set individual events, full room state), incremental sync with
// long-polling, room alias resolution, and identity verification
// (WhoAmI). The [Session] interface abstracts the subset the moderation
// engine uses so that engine tests can substitute an in-memory fake.
//
// Sessions are lightweight: a pointer to the parent Client plus an
// access token in mmap-backed secret.Buffer memory. The access token is
// locked against swap and excluded from core dumps; callers must call
// Close to release the protected memory.
//
// All API errors are returned as [*MatrixError] with the standard Matrix
// error code (M_FORBIDDEN, M_NOT_FOUND, M_LIMIT_EXCEEDED, etc.) and HTTP
// status code. [IsMatrixError] tests for a specific error code, and
// MatrixError.RetryAfter exposes the server's requested backoff on rate
// limit responses. Request URLs are built by string concatenation rather
// than url.URL to avoid double-encoding of path segments that contain
// URL-encoded characters.
package messaging
