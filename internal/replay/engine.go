package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/rewind/internal/archive"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/logic"
	"github.com/roach88/rewind/internal/metrics"
	"github.com/roach88/rewind/internal/store"
)

// Defaults for engine options.
const (
	DefaultParallelism     = 4
	DefaultMaxRetries      = 3
	DefaultCheckpointEvery = 1000
)

// CheckpointStore persists unit progress. Implemented by *store.Store.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp ir.Checkpoint) error
	LoadCheckpoint(ctx context.Context, runID, partitionID string) (ir.Checkpoint, bool, error)
}

// RunRegistry records runs so they can be listed and resumed.
// Implemented by *store.Store.
type RunRegistry interface {
	CreateRun(ctx context.Context, run store.Run) (bool, error)
	GetRun(ctx context.Context, runID string) (store.Run, error)
	SetRunStatus(ctx context.Context, runID, status string) error
}

// Request bounds one replay run.
type Request struct {
	// RunID resumes a previous run when it matches; empty generates one.
	RunID string

	Range ir.TimeRange

	// Keys restricts the run to these keys; empty means every key.
	Keys []string

	Plan PartitionPlan
}

// Engine drives partitioned replay runs.
//
// Thread-safety: Replay may be called concurrently for different run IDs.
// Two concurrent calls with the same run ID race on checkpoints.
type Engine struct {
	archive     archive.Reader
	schedule    *logic.Schedule
	checkpoints CheckpointStore
	runs        RunRegistry
	runIDs      RunIDGenerator
	logger      *slog.Logger

	parallelism      int
	maxRetries       int
	checkpointEvery  int
	partitionTimeout time.Duration
	retryInitial     time.Duration
	retryMax         time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithParallelism bounds the number of units replayed at once.
func WithParallelism(n int) EngineOption {
	return func(e *Engine) { e.parallelism = n }
}

// WithMaxRetries sets how many times a failed unit is retried.
// Zero means a unit gets exactly one attempt.
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) { e.maxRetries = n }
}

// WithCheckpointEvery sets how many archive events a unit reads between
// checkpoints. Units always checkpoint on completion.
func WithCheckpointEvery(n int) EngineOption {
	return func(e *Engine) { e.checkpointEvery = n }
}

// WithPartitionTimeout sets a per-attempt deadline for each unit.
// Expiry is treated as a retryable failure. Zero disables the deadline.
func WithPartitionTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.partitionTimeout = d }
}

// WithRetryBackoff sets the exponential backoff bounds between attempts.
func WithRetryBackoff(initial, maxInterval time.Duration) EngineOption {
	return func(e *Engine) {
		e.retryInitial = initial
		e.retryMax = maxInterval
	}
}

// WithRunRegistry records runs and their final status.
func WithRunRegistry(r RunRegistry) EngineOption {
	return func(e *Engine) { e.runs = r }
}

// WithRunIDGenerator replaces the UUIDv7 run ID generator.
func WithRunIDGenerator(g RunIDGenerator) EngineOption {
	return func(e *Engine) { e.runIDs = g }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine reading from r, resolving rules from schedule and
// checkpointing into checkpoints.
func New(r archive.Reader, schedule *logic.Schedule, checkpoints CheckpointStore, opts ...EngineOption) *Engine {
	e := &Engine{
		archive:         r,
		schedule:        schedule,
		checkpoints:     checkpoints,
		runIDs:          UUIDv7Generator{},
		logger:          slog.Default(),
		parallelism:     DefaultParallelism,
		maxRetries:      DefaultMaxRetries,
		checkpointEvery: DefaultCheckpointEvery,
		retryInitial:    100 * time.Millisecond,
		retryMax:        5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	// Checkpoints reference their run, so a store that keeps both registers
	// runs too.
	if e.runs == nil {
		if reg, ok := checkpoints.(RunRegistry); ok {
			e.runs = reg
		}
	}
	return e
}

// unitOutcome is what a unit hands back to the run. Each unit owns its slot.
type unitOutcome struct {
	status  PartitionStatus
	results []ir.ReplayResult
	failure *PartitionFailedError
}

// Replay recomputes results for every key observed in req.Range.
//
// A unit that fails after its retries does not stop the run: the report lists
// it in Failed and Results hold every other unit's keys. The returned error is
// non-nil only when the run could not be set up, when two units produced the
// same key, or when a unit hit ErrRangeNotFound; in the last case the report
// is returned alongside the error.
func (e *Engine) Replay(ctx context.Context, req Request) (*Report, error) {
	if err := req.Range.Validate(); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	if e.schedule == nil {
		return nil, fmt.Errorf("replay: no logic schedule configured")
	}
	if e.checkpoints == nil {
		return nil, fmt.Errorf("replay: no checkpoint store configured")
	}

	partitions := req.Plan.ArchivePartitions
	if len(partitions) == 0 {
		var err error
		partitions, err = e.archive.Partitions(ctx)
		if err != nil {
			return nil, fmt.Errorf("replay: list partitions: %w", err)
		}
	}
	partitions = slices.Clone(partitions)
	slices.Sort(partitions)
	partitions = slices.Compact(partitions)

	runID := req.RunID
	if runID == "" {
		runID = e.runIDs.Generate()
	}
	if err := e.registerRun(ctx, runID, req, partitions); err != nil {
		return nil, err
	}

	var keys map[string]bool
	if len(req.Keys) > 0 {
		keys = make(map[string]bool, len(req.Keys))
		for _, k := range req.Keys {
			keys[k] = true
		}
	}

	started := time.Now()
	units := req.Plan.units(partitions)
	outcomes := make([]unitOutcome, len(units))

	e.logger.Info("replay started",
		"run_id", runID,
		"range", req.Range.String(),
		"partitions", len(partitions),
		"units", len(units),
		"parallelism", e.parallelism,
	)

	var g errgroup.Group
	g.SetLimit(max(e.parallelism, 1))
	for i, u := range units {
		if ctx.Err() != nil {
			outcomes[i] = abandonedOutcome(u, 0)
			continue
		}
		g.Go(func() error {
			outcomes[i] = e.runUnit(ctx, runID, u, req.Range, keys)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{RunID: runID, Range: req.Range, Partitions: make([]PartitionStatus, len(units))}
	owner := make(map[string]string)
	var rangeErr error
	for i, o := range outcomes {
		report.Partitions[i] = o.status
		metrics.ReplayUnits.WithLabelValues(string(o.status.Status)).Inc()
		if o.failure != nil {
			report.Failed = append(report.Failed, o.failure)
			if rangeErr == nil && archive.IsRangeNotFound(o.failure) {
				rangeErr = o.failure
			}
			continue
		}
		for _, r := range o.results {
			if prev, dup := owner[r.Key]; dup {
				e.finishRun(ctx, runID, store.RunFailed)
				return nil, fmt.Errorf("replay %s: %w", runID, &KeyOverlapError{Key: r.Key, Units: [2]string{prev, o.status.ID}})
			}
			owner[r.Key] = o.status.ID
			report.Results = append(report.Results, r)
		}
	}
	slices.SortFunc(report.Results, func(a, b ir.ReplayResult) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	if report.Results == nil {
		report.Results = []ir.ReplayResult{}
	}
	report.Duration = time.Since(started)
	metrics.ReplayDuration.Observe(float64(report.Duration.Milliseconds()))

	status := store.RunCompleted
	if !report.Complete() {
		status = store.RunPartial
	}
	e.finishRun(ctx, runID, status)

	e.logger.Info("replay finished",
		"run_id", runID,
		"status", status,
		"results", len(report.Results),
		"failed", len(report.Failed),
		"abandoned", len(report.Abandoned()),
		"events", report.EventsFolded(),
		"duration", report.Duration,
	)

	if rangeErr != nil {
		return report, fmt.Errorf("replay %s: %w", runID, rangeErr)
	}
	return report, nil
}

// registerRun records the run, or checks a resumed run targets the same range.
func (e *Engine) registerRun(ctx context.Context, runID string, req Request, partitions []string) error {
	if e.runs == nil {
		return nil
	}
	plan := req.Plan.describe(partitions)
	maps.Copy(plan, e.scope(req.Keys))
	inserted, err := e.runs.CreateRun(ctx, store.Run{
		RunID: runID,
		Range: req.Range,
		Plan:  plan,
	})
	if err != nil {
		return fmt.Errorf("replay: register run: %w", err)
	}
	if inserted {
		return nil
	}

	prev, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("replay: load run: %w", err)
	}
	if !prev.Range.Start.Equal(req.Range.Start) || !prev.Range.End.Equal(req.Range.End) {
		return fmt.Errorf("replay: run %s was started for %s, not %s", runID, prev.Range, req.Range)
	}
	for _, field := range scopeFields {
		if !sameValue(prev.Plan[field], plan[field]) {
			return fmt.Errorf("replay: run %s was started with different %s", runID, strings.ReplaceAll(field, "_", " "))
		}
	}
	if err := e.runs.SetRunStatus(ctx, runID, store.RunRunning); err != nil {
		return fmt.Errorf("replay: resume run: %w", err)
	}
	e.logger.Info("resuming replay run", "run_id", runID)
	return nil
}

// scopeFields are the plan fields a resumed run must repeat: checkpointed
// accumulators are only valid for the keys and logic they were folded with.
var scopeFields = []string{"keys", "logic_versions"}

func (e *Engine) scope(keys []string) ir.IRObject {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	keyList := make(ir.IRArray, len(sorted))
	for i, k := range sorted {
		keyList[i] = ir.IRString(k)
	}

	versions := e.schedule.Versions()
	versionList := make(ir.IRArray, len(versions))
	for i, v := range versions {
		obj := ir.IRObject{
			"id":     ir.IRString(v.ID),
			"from":   ir.IRString(v.From.UTC().Format(time.RFC3339Nano)),
			"metric": ir.IRString(string(v.Rule.Metric)),
			"field":  ir.IRString(v.Rule.Field),
		}
		if !v.Until.IsZero() {
			obj["until"] = ir.IRString(v.Until.UTC().Format(time.RFC3339Nano))
		}
		versionList[i] = obj
	}
	return ir.IRObject{"keys": keyList, "logic_versions": versionList}
}

// sameValue compares plan fields by canonical form. Runs registered before a
// field existed only match when the field is still absent.
func sameValue(a, b ir.IRValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ca, errA := ir.MarshalCanonical(a)
	cb, errB := ir.MarshalCanonical(b)
	return errA == nil && errB == nil && bytes.Equal(ca, cb)
}

func (e *Engine) finishRun(ctx context.Context, runID, status string) {
	if e.runs == nil {
		return
	}
	// The status must land even when the run itself was cancelled.
	if err := e.runs.SetRunStatus(context.WithoutCancel(ctx), runID, status); err != nil {
		e.logger.Warn("failed to record run status", "run_id", runID, "status", status, "error", err)
	}
}

func abandonedOutcome(u Unit, attempts int) unitOutcome {
	return unitOutcome{status: PartitionStatus{
		ID:        u.ID,
		Partition: u.Partition,
		Bucket:    u.Bucket,
		Status:    UnitAbandoned,
		Attempts:  attempts,
		Error:     errAbandoned.Error(),
	}}
}

func isPermanent(err error) bool {
	return archive.IsRangeNotFound(err) ||
		errors.Is(err, logic.ErrBadEvent) ||
		errors.Is(err, logic.ErrNoLogicVersion) ||
		errors.Is(err, errOutOfOrder) ||
		errors.Is(err, errCorruptCheckpoint)
}
