//go:build property

package aggregate_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/rewind/internal/aggregate"
	"github.com/roach88/rewind/internal/ir"
)

// TestAggregationOrderIndependence verifies bucket values ignore arrival order.
// Property: Aggregate(events) == Aggregate(shuffle(events))
func TestAggregationOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	grid := aggregate.Grid{Start: start, End: start.Add(time.Hour), Width: 5 * time.Minute}

	properties.Property("bucket values are order independent", prop.ForAll(
		func(offsets []int64, vals []int64, seed int64) bool {
			n := min(len(offsets), len(vals))
			events := make([]ir.Event, n)
			for i := 0; i < n; i++ {
				events[i] = ir.Event{
					Key:            "k",
					Timestamp:      start.Add(time.Duration(offsets[i]) * time.Second),
					SequenceOffset: int64(i),
					Payload:        ir.IRObject{"v": ir.IRInt(vals[i])},
				}
			}
			shuffled := append([]ir.Event(nil), events...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			for _, m := range []aggregate.Metric{aggregate.Sum("v"), aggregate.Count(), aggregate.Max("v"), aggregate.Min("v")} {
				a, _, err1 := aggregate.Aggregate(events, grid, m)
				b, _, err2 := aggregate.Aggregate(shuffled, grid, m)
				if err1 != nil || err2 != nil || len(a) != len(b) {
					return false
				}
				for i := range a {
					if a[i].Value != b[i].Value {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-60, 4000)),
		gen.SliceOf(gen.Int64Range(-1_000_000, 1_000_000)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
