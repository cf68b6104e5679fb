package livestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/rewind/internal/ir"
)

var (
	// ErrConflict means a key's live fingerprint no longer matches the
	// correction's OldFingerprint. Not retryable: reconcile again.
	ErrConflict = errors.New("live store changed since reconciliation")

	// ErrBatchNotStaged is returned by Swap for an unknown batch ID.
	ErrBatchNotStaged = errors.New("batch not staged")
)

// Reader reads live results.
type Reader interface {
	// Get returns the live rows of the given keys. Absent keys are omitted.
	Get(ctx context.Context, keys []string) (map[string]ir.LiveResult, error)

	// Keys lists every live key in ascending order.
	Keys(ctx context.Context) ([]string, error)
}

// Transactional stores apply a batch in one transaction.
type Transactional interface {
	Reader
	ApplyBatch(ctx context.Context, b Batch) (version int64, err error)
}

// Stager stores write a batch aside and swap it in atomically.
type Stager interface {
	Reader
	Stage(ctx context.Context, b Batch) error
	Swap(ctx context.Context, batchID string) (version int64, err error)
	Discard(ctx context.Context, batchID string) error
}

// Batch is an atomic set of corrections, at most one per key.
type Batch struct {
	ID          string          `json:"id"`
	Corrections []ir.Correction `json:"corrections"`
}

// NewBatch sorts corrections by key and derives the content-addressed ID.
func NewBatch(corrections []ir.Correction) (Batch, error) {
	sorted := slices.Clone(corrections)
	slices.SortFunc(sorted, func(a, b ir.Correction) int { return strings.Compare(a.Key, b.Key) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Key == sorted[i-1].Key {
			return Batch{}, fmt.Errorf("new batch: key %q corrected twice", sorted[i].Key)
		}
	}
	id, err := ir.BatchID(sorted)
	if err != nil {
		return Batch{}, fmt.Errorf("new batch: %w", err)
	}
	return Batch{ID: id, Corrections: sorted}, nil
}

// ConflictError names the key whose fingerprint moved.
type ConflictError struct {
	Key  string
	Want string
	Got  string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("CONFLICT: key %q has fingerprint %q, correction expected %q", e.Key, short(e.Got), short(e.Want))
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsConflict reports whether err is a compare-and-set failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// checkFingerprint is the compare-and-set guard shared by every backend.
// An absent key has the empty fingerprint.
func checkFingerprint(c ir.Correction, current ir.LiveResult, exists bool) error {
	got := ""
	if exists {
		got = current.Fingerprint
	}
	if got != c.OldFingerprint {
		return &ConflictError{Key: c.Key, Want: c.OldFingerprint, Got: got}
	}
	return nil
}

// nextRow returns the row a correction writes; ok is false for a delete.
func nextRow(c ir.Correction) (row ir.LiveResult, ok bool, err error) {
	if c.NewValue == nil {
		return ir.LiveResult{}, false, nil
	}
	row = ir.LiveResult{
		Key:          c.Key,
		Value:        c.NewValue,
		LogicVersion: c.LogicVersion,
		Fingerprint:  c.NewFingerprint,
	}
	if row.Fingerprint == "" {
		row.Fingerprint, err = ir.Fingerprint(c.Key, c.NewValue, c.LogicVersion)
		if err != nil {
			return ir.LiveResult{}, false, err
		}
	}
	return row, true, nil
}

// normalize fills a missing fingerprint so stores populated by other writers
// compare the same way as rows written here.
func normalize(r ir.LiveResult) (ir.LiveResult, error) {
	if r.Fingerprint != "" || r.Value == nil {
		return r, nil
	}
	if _, null := r.Value.(ir.IRNull); null {
		return r, nil
	}
	fp, err := ir.Fingerprint(r.Key, r.Value, r.LogicVersion)
	if err != nil {
		return r, err
	}
	r.Fingerprint = fp
	return r, nil
}

// storedRow is the JSON form of a live row in key-value backends.
type storedRow struct {
	Value        json.RawMessage `json:"value"`
	LogicVersion string          `json:"logic_version"`
	Fingerprint  string          `json:"fingerprint"`
}

func encodeRow(r ir.LiveResult) ([]byte, error) {
	value, err := ir.MarshalIRValue(r.Value)
	if err != nil {
		return nil, fmt.Errorf("encode row %q: %w", r.Key, err)
	}
	return json.Marshal(storedRow{Value: value, LogicVersion: r.LogicVersion, Fingerprint: r.Fingerprint})
}

func decodeRow(key string, data []byte) (ir.LiveResult, error) {
	var sr storedRow
	if err := json.Unmarshal(data, &sr); err != nil {
		return ir.LiveResult{}, fmt.Errorf("decode row %q: %w", key, err)
	}
	value, err := ir.DecodeValue(sr.Value)
	if err != nil {
		return ir.LiveResult{}, fmt.Errorf("decode row %q: %w", key, err)
	}
	return normalize(ir.LiveResult{
		Key:          key,
		Value:        value,
		LogicVersion: sr.LogicVersion,
		Fingerprint:  sr.Fingerprint,
	})
}
