// Package ir provides the canonical value and record types shared by every
// rewind component.
//
// This package contains type definitions, canonical serialization and
// content-addressed hashing only. All other internal packages import ir; ir
// imports nothing internal.
//
// Key design constraints:
//   - NO float types in values - numeric payload fields are int64 minor units
//   - Events are immutable once archived and totally ordered per partition by
//     SequenceOffset
//   - Fingerprints are SHA-256 over RFC 8785 canonical JSON with domain
//     separation, so equal (key, value, logic version) always hash equal
//   - All JSON tags use snake_case
package ir
