package archive

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// Sentinels matched with errors.Is.
var (
	ErrArchiveUnavailable = errors.New("archive unavailable")
	ErrRangeNotFound      = errors.New("range not found")
)

// ErrorCode categorizes archive errors.
type ErrorCode string

const (
	// CodeUnavailable marks a retryable transport or storage failure.
	CodeUnavailable ErrorCode = "ARCHIVE_UNAVAILABLE"

	// CodeRangeNotFound marks a request that precedes the retention floor.
	CodeRangeNotFound ErrorCode = "RANGE_NOT_FOUND"
)

// Error is a structured archive failure.
type Error struct {
	Code      ErrorCode
	Message   string
	Partition string

	// Floor is the retention floor when Code is CodeRangeNotFound.
	Floor time.Time

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Partition != "" {
		msg += fmt.Sprintf(" (partition=%s)", e.Partition)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is maps codes onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrArchiveUnavailable:
		return e.Code == CodeUnavailable
	case ErrRangeNotFound:
		return e.Code == CodeRangeNotFound
	}
	return false
}

// Unavailable wraps a storage error as a retryable archive failure.
func Unavailable(partition, op string, err error) *Error {
	return &Error{
		Code:      CodeUnavailable,
		Message:   op,
		Partition: partition,
		Err:       err,
	}
}

// RangeNotFound reports a request that reaches before the retention floor.
func RangeNotFound(partition string, r ir.TimeRange, floor time.Time) *Error {
	return &Error{
		Code:      CodeRangeNotFound,
		Message:   fmt.Sprintf("range %s precedes retention floor %s", r, floor.UTC().Format(time.RFC3339)),
		Partition: partition,
		Floor:     floor,
	}
}

// OffsetNotFound reports a resume offset whose events were purged.
func OffsetNotFound(partition string, offset, purgedThrough int64) *Error {
	return &Error{
		Code:      CodeRangeNotFound,
		Message:   fmt.Sprintf("offset %d precedes retained offset %d", offset, purgedThrough),
		Partition: partition,
	}
}

// IsRetryable reports whether err is a transient archive failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrArchiveUnavailable)
}

// IsRangeNotFound reports whether err is a fatal retention failure.
func IsRangeNotFound(err error) bool {
	return errors.Is(err, ErrRangeNotFound)
}
