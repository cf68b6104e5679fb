// Package aggregate reduces raw events into fixed-width time buckets.
//
// The bucket grid is uniform: empty buckets are emitted with value zero so the
// detector always sees an evenly spaced series.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/rewind/internal/archive"
	"github.com/roach88/rewind/internal/ir"
)

// Stats counts what happened to the input events.
type Stats struct {
	Events  int64 // Events folded into a bucket
	OffGrid int64 // Events outside [Start, End)
	Skipped int64 // Events the metric could not extract a value from
}

// Accumulator folds events into a grid. Not safe for concurrent use;
// independent accumulators combine with Merge.
type Accumulator struct {
	grid   Grid
	metric Metric
	values []int64
	counts []int64
	stats  Stats
}

// NewAccumulator creates an empty accumulator for grid and metric.
func NewAccumulator(grid Grid, metric Metric) (*Accumulator, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if metric.Extract == nil || metric.Combine == nil {
		return nil, fmt.Errorf("aggregate: metric %q is incomplete", metric.Name)
	}
	n := grid.Len()
	values := make([]int64, n)
	for i := range values {
		values[i] = metric.Identity
	}
	return &Accumulator{
		grid:   grid,
		metric: metric,
		values: values,
		counts: make([]int64, n),
	}, nil
}

// Add folds one event.
func (a *Accumulator) Add(ev ir.Event) {
	i, ok := a.grid.Index(ev.Timestamp)
	if !ok {
		a.stats.OffGrid++
		return
	}
	v, ok := a.metric.Extract(ev)
	if !ok {
		a.stats.Skipped++
		return
	}
	a.values[i] = a.metric.Combine(a.values[i], v)
	a.counts[i]++
	a.stats.Events++
}

// Merge combines other into a. Both must share grid and metric.
func (a *Accumulator) Merge(other *Accumulator) error {
	if len(other.values) != len(a.values) || !other.grid.Start.Equal(a.grid.Start) || other.grid.Width != a.grid.Width {
		return fmt.Errorf("aggregate: cannot merge accumulators over different grids")
	}
	for i := range a.values {
		if other.counts[i] == 0 {
			continue
		}
		a.values[i] = a.metric.Combine(a.values[i], other.values[i])
		a.counts[i] += other.counts[i]
	}
	a.stats.Events += other.stats.Events
	a.stats.OffGrid += other.stats.OffGrid
	a.stats.Skipped += other.stats.Skipped
	return nil
}

// Buckets returns every bucket of the grid in time order.
func (a *Accumulator) Buckets() []ir.TimeBucket {
	out := make([]ir.TimeBucket, len(a.values))
	for i := range a.values {
		v := a.values[i]
		if a.counts[i] == 0 {
			v = 0
		}
		out[i] = ir.TimeBucket{Start: a.grid.BucketStart(i), Width: a.grid.Width, Value: v}
	}
	return out
}

// Stats returns the accumulated counters.
func (a *Accumulator) Stats() Stats {
	return a.stats
}

// Aggregate buckets a slice of events.
func Aggregate(events []ir.Event, grid Grid, metric Metric) ([]ir.TimeBucket, Stats, error) {
	acc, err := NewAccumulator(grid, metric)
	if err != nil {
		return nil, Stats{}, err
	}
	for _, ev := range events {
		acc.Add(ev)
	}
	return acc.Buckets(), acc.Stats(), nil
}

// Defaults for archive reads.
const (
	DefaultMaxRetries   = 3
	DefaultRetryInitial = 100 * time.Millisecond
)

type archiveConfig struct {
	maxRetries   int
	retryInitial time.Duration
	retryMax     time.Duration
}

// ArchiveOption configures AggregateArchive.
type ArchiveOption func(*archiveConfig)

// WithRetry sets how often a partition read that failed with a retryable
// archive error is restarted, and the first backoff interval.
func WithRetry(maxRetries int, initial time.Duration) ArchiveOption {
	return func(c *archiveConfig) {
		c.maxRetries = maxRetries
		c.retryInitial = initial
		c.retryMax = max(initial, c.retryMax)
	}
}

// AggregateArchive buckets every event of the given partitions (all when
// empty) that falls on the grid. Partitions are read concurrently, each into
// its own accumulator, and merged once all reads finish. A partition read that
// fails with a retryable archive error restarts from scratch.
func AggregateArchive(ctx context.Context, r archive.Reader, partitions []string, grid Grid, metric Metric, opts ...ArchiveOption) ([]ir.TimeBucket, Stats, error) {
	if err := grid.Validate(); err != nil {
		return nil, Stats{}, err
	}
	if _, err := NewAccumulator(grid, metric); err != nil {
		return nil, Stats{}, err
	}
	cfg := archiveConfig{maxRetries: DefaultMaxRetries, retryInitial: DefaultRetryInitial, retryMax: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(partitions) == 0 {
		var err error
		partitions, err = r.Partitions(ctx)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("aggregate: %w", err)
		}
	}

	accs := make([]*Accumulator, len(partitions))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range partitions {
		g.Go(func() error {
			acc, err := readPartition(gctx, r, p, grid, metric, cfg)
			if err != nil {
				return fmt.Errorf("aggregate partition %s: %w", p, err)
			}
			accs[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Stats{}, err
	}

	total, err := NewAccumulator(grid, metric)
	if err != nil {
		return nil, Stats{}, err
	}
	for _, acc := range accs {
		if err := total.Merge(acc); err != nil {
			return nil, Stats{}, err
		}
	}

	slog.Debug("aggregated archive",
		"partitions", len(partitions),
		"buckets", grid.Len(),
		"metric", metric.Name,
		"events", total.stats.Events,
		"skipped", total.stats.Skipped,
	)
	return total.Buckets(), total.stats, nil
}

// readPartition folds one partition into a fresh accumulator per attempt.
func readPartition(ctx context.Context, r archive.Reader, partition string, grid Grid, metric Metric, cfg archiveConfig) (*Accumulator, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.retryInitial
	b.MaxInterval = cfg.retryMax

	attempts := 0
	return backoff.Retry(ctx, func() (*Accumulator, error) {
		attempts++
		acc, err := NewAccumulator(grid, metric)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for ev, err := range r.ReadRange(ctx, partition, ir.TimeRange{Start: grid.Start, End: grid.End}) {
			if err != nil {
				if archive.IsRetryable(err) {
					return nil, err
				}
				return nil, backoff.Permanent(err)
			}
			acc.Add(ev)
		}
		return acc, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(cfg.maxRetries, 0)+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("archive read failed, retrying", "partition", partition, "attempt", attempts, "retry_in", next, "error", err)
		}),
	)
}
