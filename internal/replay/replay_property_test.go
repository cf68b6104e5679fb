//go:build property

package replay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/rewind/internal/ir"
)

// TestReplayPlanIndependence verifies results do not depend on how a run is
// split, checkpointed or interrupted.
// Property: Replay(plan A) == Replay(plan B, crash, resume)
func TestReplayPlanIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("results are plan independent", prop.ForAll(
		func(keys []int, buckets, every, crashAfter int) bool {
			events := make([]ir.Event, len(keys))
			for i, k := range keys {
				part := fmt.Sprintf("p%d", k%2)
				events[i] = testEvent(part, int64(i+1), fmt.Sprintf("k%d", k), time.Duration(i)*time.Second, int64(i*31%17-8))
			}

			baseline := newTestEngine(t, newMemReader(events...), createTestStore(t))
			want, err := baseline.Replay(context.Background(), Request{Range: hour})
			if err != nil || !want.Complete() {
				return false
			}

			s := createTestStore(t)
			plan := PartitionPlan{KeyBuckets: buckets}
			crashing := newMemReader(events...)
			crashing.failAfter["p0"] = crashAfter
			crashing.failAfter["p1"] = crashAfter
			e := newTestEngine(t, crashing, s, WithMaxRetries(0), WithCheckpointEvery(every))
			if _, err := e.Replay(context.Background(), Request{RunID: "r", Range: hour, Plan: plan}); err != nil {
				return false
			}

			e = newTestEngine(t, newMemReader(events...), s, WithCheckpointEvery(every), WithParallelism(3))
			got, err := e.Replay(context.Background(), Request{RunID: "r", Range: hour, Plan: plan})
			if err != nil || !got.Complete() || len(got.Results) != len(want.Results) {
				return false
			}
			for i := range got.Results {
				if got.Results[i] != want.Results[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 9)),
		gen.IntRange(1, 5),
		gen.IntRange(1, 7),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
