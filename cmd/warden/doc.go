// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Command warden is the moderation daemon for a hierarchical Matrix
// space. It watches the parent space's topology, enforces policy-list
// bans across every room, runs human verification for gated rooms,
// synchronizes power levels, drains the durable redaction queue, and
// keeps the member activity ledger.
//
// Configuration comes from a YAML file (--config flag or the
// WARDEN_CONFIG environment variable). Credentials come from a file
// holding either an access token (--token-path) or a password
// (--password-path); they are never passed on the command line.
//
// A running daemon is driven over its Unix admin socket; see the
// socket action registration in socket.go for the operation surface.
package main
