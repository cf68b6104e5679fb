// Package store provides SQLite-backed durable storage for replay progress.
//
// Two tables back a recovery run:
//   - runs: one row per replay run (range, partition plan, status)
//   - checkpoints: the latest durable position of each replay unit,
//     including the serialized accumulator so a unit resumes mid-fold
//
// Checkpoint writes are upserts keyed by (run_id, partition_id). A checkpoint
// never moves backwards: an upsert carrying a lower offset than the stored one
// is ignored, so a late write from an abandoned attempt cannot rewind progress.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// OpenDB exposes the same configuration to other SQLite-backed components
// (the event archive and the SQLite live store).
package store
