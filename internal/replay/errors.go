package replay

import (
	"errors"
	"fmt"

	"github.com/roach88/rewind/internal/ir"
)

var (
	// ErrPartitionFailed matches every *PartitionFailedError.
	ErrPartitionFailed = errors.New("partition failed")

	// ErrKeyOverlap means two units produced the same key. Units must be
	// key-disjoint; results are never merged or dropped to hide it.
	ErrKeyOverlap = errors.New("key produced by more than one replay unit")

	// errAbandoned marks a unit stopped by run cancellation.
	errAbandoned = errors.New("unit abandoned")
)

// PartitionFailedError reports a unit that exhausted its retries or hit a
// permanent error.
type PartitionFailedError struct {
	PartitionID string
	Range       ir.TimeRange
	Attempts    int
	Err         error
}

// Error implements the error interface.
func (e *PartitionFailedError) Error() string {
	return fmt.Sprintf("PARTITION_FAILED: unit %s over %s failed after %d attempt(s): %v",
		e.PartitionID, e.Range, e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *PartitionFailedError) Unwrap() error {
	return e.Err
}

// Is matches ErrPartitionFailed.
func (e *PartitionFailedError) Is(target error) bool {
	return target == ErrPartitionFailed
}

// IsPartitionFailed reports whether err carries a failed unit.
func IsPartitionFailed(err error) bool {
	var pf *PartitionFailedError
	return errors.As(err, &pf)
}

// KeyOverlapError names the key and the units that both produced it.
type KeyOverlapError struct {
	Key   string
	Units [2]string
}

// Error implements the error interface.
func (e *KeyOverlapError) Error() string {
	return fmt.Sprintf("%v: key %q in units %s and %s", ErrKeyOverlap, e.Key, e.Units[0], e.Units[1])
}

// Is matches ErrKeyOverlap.
func (e *KeyOverlapError) Is(target error) bool {
	return target == ErrKeyOverlap
}
