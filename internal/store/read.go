package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// ErrRunNotFound is returned when a run ID is not registered.
var ErrRunNotFound = errors.New("run not found")

// LoadCheckpoint returns the checkpoint for one unit of a run.
// found is false when the unit never checkpointed.
func (s *Store) LoadCheckpoint(ctx context.Context, runID, partitionID string) (cp ir.Checkpoint, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, partition_id, last_offset, logic_version, state, events, done
		FROM checkpoints
		WHERE run_id = ? AND partition_id = ?
	`, runID, partitionID)

	cp, err = scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Checkpoint{}, false, nil
	}
	if err != nil {
		return ir.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, true, nil
}

// ListCheckpoints returns every checkpoint of a run ordered by partition ID.
// Returns an empty slice (not nil) when the run has none.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]ir.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, partition_id, last_offset, logic_version, state, events, done
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY partition_id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []ir.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

// GetRun returns a registered run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, range_start, range_end, plan, status, created_at, updated_at
		FROM runs
		WHERE run_id = ?
	`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("get run: %w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, range_start, range_end, plan, status, created_at, updated_at
		FROM runs
		WHERE ? = '' OR status = ?
		ORDER BY created_at DESC, run_id COLLATE BINARY ASC
		LIMIT ?
	`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (ir.Checkpoint, error) {
	var (
		cp        ir.Checkpoint
		stateJSON string
		done      int
	)
	if err := row.Scan(&cp.RunID, &cp.PartitionID, &cp.LastOffset, &cp.LogicVersion, &stateJSON, &cp.Events, &done); err != nil {
		return ir.Checkpoint{}, err
	}
	state, err := unmarshalState(stateJSON)
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("checkpoint %s/%s: %w", cp.RunID, cp.PartitionID, err)
	}
	cp.State = state
	cp.Done = done != 0
	return cp, nil
}

func scanRun(row scanner) (Run, error) {
	var (
		run                  Run
		start, end           int64
		planJSON             string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&run.RunID, &start, &end, &planJSON, &run.Status, &createdAt, &updatedAt); err != nil {
		return Run{}, err
	}
	plan, err := unmarshalState(planJSON)
	if err != nil {
		return Run{}, fmt.Errorf("run %s: %w", run.RunID, err)
	}
	run.Plan = plan
	run.Range = ir.TimeRange{Start: time.Unix(0, start).UTC(), End: time.Unix(0, end).UTC()}
	run.CreatedAt = time.Unix(0, createdAt).UTC()
	run.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return run, nil
}
