package harness

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/roach88/rewind/internal/aggregate"
	"github.com/roach88/rewind/internal/apply"
	"github.com/roach88/rewind/internal/archive"
	"github.com/roach88/rewind/internal/compiler"
	"github.com/roach88/rewind/internal/detect"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/livestore"
	"github.com/roach88/rewind/internal/pipeline"
	"github.com/roach88/rewind/internal/reconcile"
	"github.com/roach88/rewind/internal/replay"
	"github.com/roach88/rewind/internal/store"
	"github.com/roach88/rewind/internal/testutil"
)

const defaultBucketWidth = time.Minute

// Run executes a scenario against a fresh archive and live store.
//
// Every store lives in a temporary directory removed on return. An error
// means the scenario could not be set up; a pipeline failure is recorded
// in the snapshot and checked by assertions instead.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	plan, err := s.compilePlan()
	if err != nil {
		return nil, err
	}
	schedule, err := plan.Schedule()
	if err != nil {
		return nil, fmt.Errorf("plan schedule: %w", err)
	}

	dir, err := os.MkdirTemp("", "rewind-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	arch, err := archive.OpenSQLite(filepath.Join(dir, "archive.db"), 2)
	if err != nil {
		return nil, err
	}
	defer arch.Close()
	if err := s.seedArchive(ctx, arch); err != nil {
		return nil, err
	}

	checkpoints, err := store.Open(filepath.Join(dir, "rewind.db"))
	if err != nil {
		return nil, err
	}
	defer checkpoints.Close()

	rows, err := s.liveRows()
	if err != nil {
		return nil, err
	}
	live, err := livestore.NewMemory(rows...)
	if err != nil {
		return nil, fmt.Errorf("seed live store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	applier, err := apply.New(live,
		apply.WithRetryBackoff(time.Millisecond, 10*time.Millisecond),
		apply.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	metric, err := aggregate.MetricFor(ir.RuleSpec{Metric: ir.Metric(cmp.Or(s.Recover.Metric, string(ir.MetricCount))), Field: s.Recover.Field})
	if err != nil {
		return nil, fmt.Errorf("health metric: %w", err)
	}
	detector, width := s.detector(plan, logger)

	p := &pipeline.Pipeline{
		Archive: arch,
		Engine: replay.New(arch, schedule, checkpoints,
			replay.WithParallelism(2),
			replay.WithRetryBackoff(time.Millisecond, 10*time.Millisecond),
			replay.WithLogger(logger),
		),
		Live:             live,
		Applier:          applier,
		Detector:         detector,
		Metric:           metric,
		HealthPartitions: s.Recover.HealthPartitions,
		Partitions:       plan.Partitions,
		Plan:             replay.PartitionPlan{ArchivePartitions: plan.Partitions, KeyBuckets: s.Recover.KeyBuckets},
		ApplyPartial:     s.Recover.ApplyPartial,
		Reconcile:        reconcile.Options{RequireInReplay: s.Recover.RequireInReplay},
		Logger:           logger,
	}

	req := pipeline.Request{RunID: s.Name, Keys: s.Recover.Keys, DryRun: s.Recover.DryRun}
	if s.Recover.Window != nil {
		w, _ := s.Recover.Window.timeRange()
		req.Window = &w
	} else {
		req.Scan, _ = s.Recover.Scan.timeRange()
		req.BucketWidth = width
	}

	res, runErr := p.Run(ctx, req)

	snap := Snapshot{Scenario: s.Name, Windows: []ir.FailureWindow{}, Outcomes: []pipeline.Outcome{}}
	if res != nil {
		snap.Windows = res.Windows
		snap.Outcomes = res.Outcomes
	}
	if runErr != nil {
		snap.Err = runErr.Error()
	}
	snap.Live = sortedRows(live.Rows())

	result := NewResult()
	result.Snapshot = snap
	evaluate(result, s.Assertions)
	return result, nil
}

func (s *Scenario) compilePlan() (*compiler.Plan, error) {
	var (
		plan *compiler.Plan
		err  error
	)
	if s.PlanFile != "" {
		plan, err = compiler.LoadFile(s.PlanFile)
	} else {
		plan, err = compiler.CompileBytes([]byte(s.Plan), s.Name+".cue")
	}
	if err != nil {
		return nil, fmt.Errorf("compile plan: %w", err)
	}
	if errs := compiler.Validate(plan); len(errs) > 0 {
		return nil, fmt.Errorf("invalid plan: %w", errs[0])
	}
	return plan, nil
}

func (s *Scenario) seedArchive(ctx context.Context, arch *archive.SQLiteArchive) error {
	offsets := testutil.NewOffsetClock()
	for _, ev := range s.Events {
		offsets.Observe(ev.Partition, ev.Offset)
	}

	events := make([]ir.Event, 0, len(s.Events))
	for _, spec := range s.Events {
		payload := ir.IRObject{}
		if spec.Payload != nil {
			v, err := ir.ToIRValue(spec.Payload)
			if err != nil {
				return fmt.Errorf("event %s payload: %w", spec.ID, err)
			}
			payload = v.(ir.IRObject)
		}
		at, _ := parseTime(spec.At)
		offset := spec.Offset
		if offset == 0 {
			offset = offsets.Next(spec.Partition)
		}
		events = append(events, ir.Event{
			ID:             spec.ID,
			Partition:      spec.Partition,
			Key:            spec.Key,
			Timestamp:      at,
			SequenceOffset: offset,
			Payload:        payload,
		})
	}
	if err := arch.Append(ctx, events...); err != nil {
		return fmt.Errorf("seed archive: %w", err)
	}

	for partition, floor := range s.Retention {
		t, _ := parseTime(floor)
		if err := arch.SetRetention(ctx, partition, t); err != nil {
			return fmt.Errorf("set retention %s: %w", partition, err)
		}
	}
	return nil
}

func (s *Scenario) liveRows() ([]ir.LiveResult, error) {
	rows := make([]ir.LiveResult, 0, len(s.Live))
	for _, row := range s.Live {
		v, err := ir.ToIRValue(row.Value)
		if err != nil {
			return nil, fmt.Errorf("live row %s: %w", row.Key, err)
		}
		rows = append(rows, ir.LiveResult{Key: row.Key, Value: v, LogicVersion: row.LogicVersion})
	}
	return rows, nil
}

// detector applies plan tuning; the scenario's bucket width wins over the plan's.
func (s *Scenario) detector(plan *compiler.Plan, logger *slog.Logger) (detect.Detector, time.Duration) {
	d := detect.Detector{Logger: logger}
	width := defaultBucketWidth
	if t := plan.Detect; t != nil {
		d.Threshold = t.Threshold
		d.GapTolerance = t.GapTolerance
		d.MinBuckets = t.MinBuckets
		if t.BucketWidth > 0 {
			width = t.BucketWidth
		}
	}
	if s.Recover.BucketWidth != "" {
		width, _ = time.ParseDuration(s.Recover.BucketWidth)
	}
	return d, width
}

func (r *RangeSpec) timeRange() (ir.TimeRange, error) {
	start, err := parseTime(r.Start)
	if err != nil {
		return ir.TimeRange{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseTime(r.End)
	if err != nil {
		return ir.TimeRange{}, fmt.Errorf("end: %w", err)
	}
	tr := ir.TimeRange{Start: start, End: end}
	return tr, tr.Validate()
}

func sortedRows(rows map[string]ir.LiveResult) []ir.LiveResult {
	out := make([]ir.LiveResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b ir.LiveResult) int { return cmp.Compare(a.Key, b.Key) })
	return out
}
