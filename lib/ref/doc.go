// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated newtype wrappers for Matrix
// identifiers: room IDs, room aliases, user IDs, event IDs, and event
// types.
//
// Every identifier that crosses a boundary — a /sync response, a state
// event, a configuration file, an admin-socket request — is parsed into
// one of these types at that boundary. Interior code never passes raw
// strings, so a user ID can never end up where a room ID is expected
// and a malformed identifier is rejected before any moderation action
// is taken with it.
//
// All types are immutable value types. The zero value is never valid;
// use IsZero to check. Parse functions validate structure only (sigil,
// localpart, server name) — they do not check that the referent exists.
package ref
