package apply

import (
	"errors"
	"fmt"
)

// ErrCorrectionApplyFailed matches every *CorrectionApplyFailedError.
var ErrCorrectionApplyFailed = errors.New("correction batch apply failed")

// CorrectionApplyFailedError reports a batch that could not be committed.
// The live store is unchanged when this error is returned.
type CorrectionApplyFailedError struct {
	BatchID  string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *CorrectionApplyFailedError) Error() string {
	return fmt.Sprintf("CORRECTION_APPLY_FAILED: batch %s after %d attempt(s): %v", e.BatchID, e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *CorrectionApplyFailedError) Unwrap() error {
	return e.Err
}

// Is matches ErrCorrectionApplyFailed.
func (e *CorrectionApplyFailedError) Is(target error) bool {
	return target == ErrCorrectionApplyFailed
}

// IsApplyFailed reports whether err carries a failed batch.
func IsApplyFailed(err error) bool {
	var af *CorrectionApplyFailedError
	return errors.As(err, &af)
}
