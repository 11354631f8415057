// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package moderation implements warden's moderation engine for a
// hierarchical Matrix space.
//
// The Engine composes the individual components and owns the event
// dispatch table:
//
//   - Directory resolves the moderated topology from the parent
//     space's m.space.child events.
//   - Evaluator consults policy list rooms for ban rules, and
//     ReactiveRule recognizes newly pushed rules for immediate
//     enforcement.
//   - Fanout applies bans, unbans, and kicks across the topology with
//     a pause between rooms.
//   - Synchronizer propagates parent-space power levels to child
//     rooms, sparsely on change and fully on demand.
//   - Verifier runs the human-verification challenge flow for gated
//     rooms.
//   - Redactor drains the durable redaction queue in the background.
//   - Activity maintains the last-activity ledger and computes
//     inactivity cohorts.
//   - Flagger redacts denylisted content synchronously.
//
// Inbound events arrive through Engine.HandleSyncResponse, which feeds
// the Dispatcher. State-section events on reconnect are historical
// snapshots and are withheld from state-mutating handlers.
package moderation
