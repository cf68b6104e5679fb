package replay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/metrics"
	"github.com/roach88/rewind/internal/telemetry"
)

var (
	errOutOfOrder        = errors.New("archive yielded events out of offset order")
	errCorruptCheckpoint = errors.New("checkpoint state is unreadable")
)

// attemptResult is the output of one successful unit attempt.
type attemptResult struct {
	results []ir.ReplayResult
	events  int64
	resumed bool
}

// runUnit replays one unit with retries. It never returns an error: the
// outcome carries the unit's status.
func (e *Engine) runUnit(ctx context.Context, runID string, u Unit, r ir.TimeRange, keys map[string]bool) unitOutcome {
	ctx, span := telemetry.Tracer("replay").Start(ctx, "replay.unit")
	defer span.End()
	span.SetAttributes(
		attribute.String("rewind.run_id", runID),
		attribute.String("rewind.unit", u.ID),
	)

	log := e.logger.With("run_id", runID, "unit", u.ID)

	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInitial
	b.MaxInterval = e.retryMax

	res, err := backoff.Retry(ctx, func() (attemptResult, error) {
		attempts++
		res, err := e.attempt(ctx, runID, u, r, keys)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, errAbandoned) || isPermanent(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(e.maxRetries, 0)+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.UnitRetries.Inc()
			log.Warn("replay unit attempt failed, retrying", "attempt", attempts, "retry_in", next, "error", err)
		}),
	)

	status := PartitionStatus{
		ID:        u.ID,
		Partition: u.Partition,
		Bucket:    u.Bucket,
		Attempts:  attempts,
	}

	switch {
	case err == nil:
		status.Status = UnitCompleted
		status.Events = res.events
		status.Keys = len(res.results)
		status.Resumed = res.resumed
		log.Debug("replay unit completed", "events", res.events, "keys", len(res.results), "resumed", res.resumed)
		return unitOutcome{status: status, results: res.results}

	case errors.Is(err, errAbandoned) || ctx.Err() != nil:
		span.SetStatus(codes.Error, errAbandoned.Error())
		log.Info("replay unit abandoned", "attempts", attempts)
		return abandonedOutcome(u, attempts)

	default:
		failure := &PartitionFailedError{PartitionID: u.ID, Range: r, Attempts: attempts, Err: err}
		span.RecordError(failure)
		span.SetStatus(codes.Error, "partition failed")
		log.Error("replay unit failed", "attempts", attempts, "error", err)
		status.Status = UnitFailed
		status.Error = err.Error()
		return unitOutcome{status: status, failure: failure}
	}
}

// attempt runs the unit once, starting from its checkpoint if one exists.
func (e *Engine) attempt(runCtx context.Context, runID string, u Unit, r ir.TimeRange, keys map[string]bool) (attemptResult, error) {
	if runCtx.Err() != nil {
		return attemptResult{}, errAbandoned
	}

	ctx := runCtx
	if e.partitionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(runCtx, e.partitionTimeout)
		defer cancel()
	}

	cp, found, err := e.checkpoints.LoadCheckpoint(ctx, runID, u.ID)
	if err != nil {
		return attemptResult{}, fmt.Errorf("load checkpoint: %w", err)
	}

	a := newArena()
	p := progress{cp: ir.Checkpoint{RunID: runID, PartitionID: u.ID, LastOffset: -1}}
	var seq iter.Seq2[ir.Event, error]
	if found {
		a, err = restoreArena(cp.State)
		if err != nil {
			return attemptResult{}, fmt.Errorf("%w: %v", errCorruptCheckpoint, err)
		}
		p.cp = cp
		p.started = true
		if cp.Done {
			results, err := a.results()
			if err != nil {
				return attemptResult{}, err
			}
			return attemptResult{results: results, events: cp.Events, resumed: true}, nil
		}
		seq = e.archive.ReadFromOffset(ctx, u.Partition, cp.LastOffset)
	} else {
		seq = e.archive.ReadRange(ctx, u.Partition, r)
	}

	sinceCheckpoint := 0
	for ev, err := range seq {
		if err != nil {
			if sinceCheckpoint > 0 {
				e.saveProgress(context.WithoutCancel(ctx), &p, a)
			}
			if runCtx.Err() != nil {
				return attemptResult{}, errAbandoned
			}
			return attemptResult{}, fmt.Errorf("read %s: %w", u.Partition, err)
		}
		if p.started && ev.SequenceOffset <= p.cp.LastOffset {
			return attemptResult{}, fmt.Errorf("%w: offset %d after %d in %s",
				errOutOfOrder, ev.SequenceOffset, p.cp.LastOffset, u.Partition)
		}

		// Resumed reads are offset based and may run past the range.
		if r.Contains(ev.Timestamp) && u.owns(ev.Key) && (keys == nil || keys[ev.Key]) {
			v, err := e.schedule.Resolve(ev.Timestamp)
			if err != nil {
				return attemptResult{}, fmt.Errorf("event %s: %w", ev.ID, err)
			}
			if err := a.fold(ev, v); err != nil {
				return attemptResult{}, fmt.Errorf("event %s: %w", ev.ID, err)
			}
			p.cp.Events++
			p.cp.LogicVersion = v.ID
			metrics.EventsReplayed.Inc()
		}
		p.cp.LastOffset = ev.SequenceOffset
		p.started = true

		sinceCheckpoint++
		if sinceCheckpoint >= max(e.checkpointEvery, 1) {
			saveCtx := ctx
			if runCtx.Err() != nil {
				saveCtx = context.WithoutCancel(ctx)
			}
			if err := e.saveCheckpoint(saveCtx, &p, a); err != nil {
				return attemptResult{}, err
			}
			sinceCheckpoint = 0
			if runCtx.Err() != nil {
				return attemptResult{}, errAbandoned
			}
		}
	}

	p.cp.Done = true
	if err := e.saveCheckpoint(ctx, &p, a); err != nil {
		return attemptResult{}, err
	}
	results, err := a.results()
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{results: results, events: p.cp.Events, resumed: found}, nil
}

// progress tracks a unit's position between checkpoints.
type progress struct {
	cp      ir.Checkpoint
	started bool
}

func (e *Engine) saveCheckpoint(ctx context.Context, p *progress, a *arena) error {
	p.cp.State = a.snapshot()
	if err := e.checkpoints.SaveCheckpoint(ctx, p.cp); err != nil {
		return fmt.Errorf("save checkpoint at offset %d: %w", p.cp.LastOffset, err)
	}
	metrics.CheckpointWrites.Inc()
	return nil
}

// saveProgress persists what an interrupted attempt folded so the next
// attempt resumes after it.
func (e *Engine) saveProgress(ctx context.Context, p *progress, a *arena) {
	if err := e.saveCheckpoint(ctx, p, a); err != nil {
		e.logger.Warn("failed to save progress of interrupted unit",
			"run_id", p.cp.RunID, "unit", p.cp.PartitionID, "error", err)
	}
}
