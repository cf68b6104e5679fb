// Package replay recomputes derived per-key results from archived events.
//
// A run covers one TimeRange. It is split into units of work: every archive
// partition crossed with every key-hash bucket of the partition plan. Units
// share nothing; each folds its own events in strict SequenceOffset order into
// its own accumulator, using the logic version resolved from each event's
// original timestamp. Unit results are concatenated after all units finish.
//
// Determinism rules:
//   - no wall-clock reads inside a fold
//   - no writes anywhere except checkpoints
//   - results sorted by key, fingerprints over canonical JSON
//
// Units checkpoint their accumulator and archive position every
// CheckpointEvery events. A retried attempt, or a later run with the same run
// ID, resumes from the checkpoint instead of re-folding, so no event is
// counted twice.
package replay
