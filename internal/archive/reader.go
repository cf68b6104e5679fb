package archive

import (
	"context"
	"iter"

	"github.com/roach88/rewind/internal/ir"
)

// Reader is the uniform read interface over the event archive.
//
// Sequences are lazy and ordered by SequenceOffset within the partition.
// A sequence yields at most one non-nil error, after which it stops.
// Implementations must be safe for concurrent reads across partitions.
type Reader interface {
	// Partitions lists the archive partitions in ascending name order.
	Partitions(ctx context.Context) ([]string, error)

	// ReadRange yields the partition's events whose Timestamp is in r.
	ReadRange(ctx context.Context, partition string, r ir.TimeRange) iter.Seq2[ir.Event, error]

	// ReadFromOffset yields the partition's events with SequenceOffset > offset.
	ReadFromOffset(ctx context.Context, partition string, offset int64) iter.Seq2[ir.Event, error]
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[ir.Event, error]) ([]ir.Event, error) {
	var events []ir.Event
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// errSeq yields a single error.
func errSeq(err error) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		yield(ir.Event{}, err)
	}
}
