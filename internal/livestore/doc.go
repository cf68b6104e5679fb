// Package livestore is the contract between recovery and the externally
// owned store of current per-key results.
//
// Recovery only ever writes corrections through a Batch. Every write is a
// compare-and-set on the key's stored fingerprint: if the live value moved
// since reconciliation the whole batch is rejected with ErrConflict and
// nothing is written. Batch IDs are content addressed, so re-applying a
// committed batch is a no-op that reports the version it committed at.
//
// Two write models are supported. Transactional stores apply a batch inside
// one database transaction. Stagers write the batch aside first and then
// swap it in with a single atomic step.
package livestore
