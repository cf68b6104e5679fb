// Package archive is the read side of the immutable event archive.
//
// Every backend implements Reader: lazy, per-partition sequences of events in
// strict SequenceOffset order. Readers never mutate the archive. The Append,
// WriteSegment and SetRetention methods on concrete backends stand in for the
// archive collaborator's own write path and are used for seeding and tests.
//
// Two failure classes surface from every backend:
//   - ErrArchiveUnavailable: transport or storage trouble, retry with backoff
//   - ErrRangeNotFound: the interval precedes retention, never retried
package archive
