package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/logic"
	"github.com/roach88/rewind/internal/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var hour = ir.TimeRange{Start: t0, End: t0.Add(time.Hour)}

var errFlaky = errors.New("archive connection reset")

func testEvent(partition string, offset int64, key string, at time.Duration, value int64) ir.Event {
	return ir.Event{
		ID:             fmt.Sprintf("%s-%d", partition, offset),
		Partition:      partition,
		Key:            key,
		Timestamp:      t0.Add(at),
		SequenceOffset: offset,
		Payload:        ir.IRObject{"value": ir.IRInt(value)},
	}
}

// memReader is an in-memory archive with failure injection.
type memReader struct {
	mu     sync.Mutex
	events map[string][]ir.Event

	// failAfter makes every read of a partition fail after yielding n events.
	failAfter map[string]int
	// failTimes makes the first n reads of a partition fail immediately.
	failTimes map[string]int
	// failWith replaces errFlaky as the injected error.
	failWith error
	// onYield runs after each yielded event.
	onYield func(ir.Event)

	reads       map[string]int
	offsetReads []int64
}

func newMemReader(events ...ir.Event) *memReader {
	r := &memReader{
		events:    make(map[string][]ir.Event),
		failAfter: make(map[string]int),
		failTimes: make(map[string]int),
		reads:     make(map[string]int),
	}
	for _, ev := range events {
		r.events[ev.Partition] = append(r.events[ev.Partition], ev)
	}
	for p := range r.events {
		slices.SortFunc(r.events[p], func(a, b ir.Event) int { return int(a.SequenceOffset - b.SequenceOffset) })
	}
	return r
}

func (r *memReader) Partitions(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for p := range r.events {
		out = append(out, p)
	}
	slices.Sort(out)
	return out, nil
}

func (r *memReader) ReadRange(ctx context.Context, partition string, tr ir.TimeRange) iter.Seq2[ir.Event, error] {
	return r.read(ctx, partition, func(ev ir.Event) bool { return tr.Contains(ev.Timestamp) })
}

func (r *memReader) ReadFromOffset(ctx context.Context, partition string, offset int64) iter.Seq2[ir.Event, error] {
	r.mu.Lock()
	r.offsetReads = append(r.offsetReads, offset)
	r.mu.Unlock()
	return r.read(ctx, partition, func(ev ir.Event) bool { return ev.SequenceOffset > offset })
}

func (r *memReader) read(ctx context.Context, partition string, keep func(ir.Event) bool) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		r.mu.Lock()
		r.reads[partition]++
		failErr := r.failWith
		if failErr == nil {
			failErr = errFlaky
		}
		if r.failTimes[partition] > 0 {
			r.failTimes[partition]--
			r.mu.Unlock()
			yield(ir.Event{}, failErr)
			return
		}
		limit, limited := r.failAfter[partition]
		events := slices.Clone(r.events[partition])
		onYield := r.onYield
		r.mu.Unlock()

		n := 0
		for _, ev := range events {
			if !keep(ev) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(ir.Event{}, err)
				return
			}
			if limited && n >= limit {
				yield(ir.Event{}, failErr)
				return
			}
			if !yield(ev, nil) {
				return
			}
			n++
			if onYield != nil {
				onYield(ev)
			}
		}
	}
}

func (r *memReader) readCount(partition string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads[partition]
}

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sumSchedule(t *testing.T) *logic.Schedule {
	t.Helper()
	s, err := logic.NewSchedule([]ir.LogicVersion{
		{ID: "v1", From: t0.Add(-24 * time.Hour), Rule: ir.RuleSpec{Metric: ir.MetricSum, Field: "value"}},
	})
	require.NoError(t, err)
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, r *memReader, s *store.Store, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{
		WithLogger(quietLogger()),
		WithRetryBackoff(time.Millisecond, time.Millisecond),
	}
	return New(r, sumSchedule(t), s, append(base, opts...)...)
}

func resultValues(results []ir.ReplayResult) map[string]ir.IRValue {
	out := make(map[string]ir.IRValue, len(results))
	for _, r := range results {
		out[r.Key] = r.Value
	}
	return out
}
