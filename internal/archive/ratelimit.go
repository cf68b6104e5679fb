package archive

import (
	"context"
	"iter"

	"golang.org/x/time/rate"

	"github.com/roach88/rewind/internal/ir"
)

// RateLimited throttles event delivery from an underlying Reader so a large
// replay does not starve the archive's production readers. One token is
// consumed per event across all partitions.
type RateLimited struct {
	inner   Reader
	limiter *rate.Limiter
}

// NewRateLimited wraps r with a limiter of eventsPerSecond and burst.
// A non-positive rate disables throttling.
func NewRateLimited(r Reader, eventsPerSecond float64, burst int) Reader {
	if eventsPerSecond <= 0 {
		return r
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: r, limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

// Partitions delegates to the wrapped reader.
func (r *RateLimited) Partitions(ctx context.Context) ([]string, error) {
	return r.inner.Partitions(ctx)
}

// ReadRange throttles the wrapped ReadRange.
func (r *RateLimited) ReadRange(ctx context.Context, partition string, tr ir.TimeRange) iter.Seq2[ir.Event, error] {
	return r.throttle(ctx, r.inner.ReadRange(ctx, partition, tr))
}

// ReadFromOffset throttles the wrapped ReadFromOffset.
func (r *RateLimited) ReadFromOffset(ctx context.Context, partition string, offset int64) iter.Seq2[ir.Event, error] {
	return r.throttle(ctx, r.inner.ReadFromOffset(ctx, partition, offset))
}

func (r *RateLimited) throttle(ctx context.Context, seq iter.Seq2[ir.Event, error]) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		for ev, err := range seq {
			if err != nil {
				yield(ev, err)
				return
			}
			if werr := r.limiter.Wait(ctx); werr != nil {
				yield(ir.Event{}, werr)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
