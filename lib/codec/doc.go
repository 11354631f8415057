// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Warden's standard CBOR encoding configuration.
//
// Warden uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the Matrix Client-Server API and
//     CLI output.
//   - CBOR for internal protocols: the admin control socket that
//     operator tooling connects to.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Warden package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the control socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON. Examples: control socket request and
//     response envelopes.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Examples: fan-out result types
//     shared between Matrix notices (JSON) and socket replies (CBOR).
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract.
package codec
