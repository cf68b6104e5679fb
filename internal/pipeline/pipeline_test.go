package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/aggregate"
	"github.com/roach88/rewind/internal/apply"
	"github.com/roach88/rewind/internal/archive"
	"github.com/roach88/rewind/internal/detect"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/livestore"
	"github.com/roach88/rewind/internal/logic"
	"github.com/roach88/rewind/internal/reconcile"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var scan = ir.TimeRange{Start: t0, End: t0.Add(time.Hour)}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func order(offset int64, key string, minute int, value int64) ir.Event {
	return ir.Event{
		ID:             fmt.Sprintf("orders-%d", offset),
		Partition:      "orders",
		Key:            key,
		Timestamp:      t0.Add(time.Duration(minute) * time.Minute),
		SequenceOffset: offset,
		Payload:        ir.IRObject{"value": ir.IRInt(value)},
	}
}

// seedArchive writes a health series that drops to zero for minutes 20-24
// and the order events behind it.
func seedArchive(t *testing.T, flat bool) *archive.SQLiteArchive {
	t.Helper()
	a, err := archive.OpenSQLite(filepath.Join(t.TempDir(), "archive.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	var events []ir.Event
	for m := range 60 {
		processed := int64(100)
		if !flat && m >= 20 && m < 25 {
			processed = 0
		}
		events = append(events, ir.Event{
			ID:             fmt.Sprintf("health-%d", m),
			Partition:      "health",
			Key:            "ingest",
			Timestamp:      t0.Add(time.Duration(m) * time.Minute),
			SequenceOffset: int64(m),
			Payload:        ir.IRObject{"processed": ir.IRInt(processed)},
		})
	}
	events = append(events,
		order(1, "user=1", 21, 10),
		order(2, "user=2", 22, 5),
		order(3, "user=1", 23, 7),
		order(4, "user=1", 40, 100),
	)
	require.NoError(t, a.Append(context.Background(), events...))
	return a
}

type fixture struct {
	archive  *archive.SQLiteArchive
	live     *livestore.Memory
	pipeline *Pipeline
}

func newFixture(t *testing.T, flat bool) fixture {
	t.Helper()
	a := seedArchive(t, flat)

	checkpoints, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { checkpoints.Close() })

	schedule, err := logic.NewSchedule([]ir.LogicVersion{
		{ID: "v1", From: t0.Add(-24 * time.Hour), Rule: ir.RuleSpec{Metric: ir.MetricSum, Field: "value"}},
	})
	require.NoError(t, err)

	live, err := livestore.NewMemory(
		ir.LiveResult{Key: "user=1", Value: ir.IRInt(3), LogicVersion: "v1"},
		ir.LiveResult{Key: "user=3", Value: ir.IRInt(1), LogicVersion: "v1"},
	)
	require.NoError(t, err)

	applier, err := apply.New(live, apply.WithLogger(quietLogger()))
	require.NoError(t, err)

	return fixture{
		archive: a,
		live:    live,
		pipeline: &Pipeline{
			Archive:          a,
			Engine:           replay.New(a, schedule, checkpoints, replay.WithLogger(quietLogger())),
			Live:             live,
			Applier:          applier,
			Detector:         detect.Detector{Logger: quietLogger()},
			Metric:           aggregate.Sum("processed"),
			HealthPartitions: []string{"health"},
			Partitions:       []string{"orders"},
			Logger:           quietLogger(),
		},
	}
}

func TestRunDetectsAndApplies(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.pipeline.Run(context.Background(), Request{RunID: "run-1", Scan: scan, BucketWidth: time.Minute})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Len(t, res.Buckets, 60)

	require.Len(t, res.Windows, 1)
	assert.Equal(t, t0.Add(20*time.Minute), res.Windows[0].Start)
	assert.Equal(t, t0.Add(25*time.Minute), res.Windows[0].End)

	require.Len(t, res.Outcomes, 1)
	out := res.Outcomes[0]
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, reconcile.Summary{Missing: 1, Mismatched: 1}, out.Summary)
	require.NotNil(t, out.Applied)
	assert.Equal(t, int64(1), out.Applied.Version)

	rows := f.live.Rows()
	assert.Equal(t, ir.IRInt(17), rows["user=1"].Value)
	assert.Equal(t, ir.IRInt(5), rows["user=2"].Value)
	assert.Equal(t, ir.IRInt(1), rows["user=3"].Value)

	// Recovering again finds nothing left to correct.
	res, err = f.pipeline.Run(context.Background(), Request{RunID: "run-2", Scan: scan, BucketWidth: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, SkipNoCorrections, res.Outcomes[0].Skipped)
	assert.Equal(t, 2, res.Outcomes[0].Summary.Matched)
}

func TestRunDryRunLeavesLiveUntouched(t *testing.T) {
	f := newFixture(t, false)
	before := f.live.Rows()

	res, err := f.pipeline.Run(context.Background(), Request{Scan: scan, BucketWidth: time.Minute, DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)

	out := res.Outcomes[0]
	assert.Equal(t, SkipDryRun, out.Skipped)
	assert.Nil(t, out.Applied)
	require.Len(t, out.Corrections, 2)
	assert.Equal(t, "user=1", out.Corrections[0].Key)
	assert.Equal(t, ir.ReasonMismatched, out.Corrections[0].Reason)
	assert.Equal(t, ir.ReasonMissing, out.Corrections[1].Reason)

	assert.Equal(t, before, f.live.Rows())
}

func TestRunManualWindowSkipsDetection(t *testing.T) {
	f := newFixture(t, true)
	window := ir.TimeRange{Start: t0.Add(22 * time.Minute), End: t0.Add(23 * time.Minute)}

	res, err := f.pipeline.Run(context.Background(), Request{Window: &window, DryRun: true})
	require.NoError(t, err)
	assert.Nil(t, res.Buckets)
	require.Len(t, res.Windows, 1)
	assert.Equal(t, 1.0, res.Windows[0].Confidence)

	out := res.Outcomes[0]
	require.Len(t, out.Corrections, 1)
	assert.Equal(t, "user=2", out.Corrections[0].Key)
}

func TestRunInconclusive(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.pipeline.Run(context.Background(), Request{Scan: scan, BucketWidth: time.Minute})
	require.NoError(t, err)
	assert.True(t, res.Inconclusive)
	assert.Empty(t, res.Windows)
	assert.Empty(t, res.Outcomes)
}

func TestRunRangeNotFoundIsFatal(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.archive.SetRetention(context.Background(), "orders", t0.Add(30*time.Minute)))

	res, err := f.pipeline.Run(context.Background(), Request{Scan: scan, BucketWidth: time.Minute})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	require.NotNil(t, res)
	require.Len(t, res.Outcomes, 1)
	assert.Error(t, res.Outcomes[0].Err)
	assert.True(t, res.Failed())
}

func TestRunRequiresApplierUnlessDryRun(t *testing.T) {
	f := newFixture(t, false)
	f.pipeline.Applier = nil

	_, err := f.pipeline.Run(context.Background(), Request{Scan: scan, BucketWidth: time.Minute})
	require.Error(t, err)
}

func TestRunRetunesBeforeEachWindow(t *testing.T) {
	f := newFixture(t, false)
	calls := 0
	f.pipeline.Retune = func(p *Pipeline) {
		calls++
		p.Reconcile.RequireInReplay = true
	}
	window := ir.TimeRange{Start: t0.Add(20 * time.Minute), End: t0.Add(25 * time.Minute)}

	res, err := f.pipeline.Run(context.Background(), Request{Window: &window, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, reconcile.Summary{Missing: 1, Mismatched: 1, Stale: 1}, res.Outcomes[0].Summary)
}
