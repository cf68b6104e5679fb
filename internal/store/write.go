package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// Run statuses recorded in the runs table.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// Run is one replay run registered in the store.
type Run struct {
	RunID     string
	Range     ir.TimeRange
	Plan      ir.IRObject
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateRun registers a replay run.
// Uses ON CONFLICT(run_id) DO NOTHING: resuming a run keeps its original row,
// so the stored range stays the one the checkpoints were taken against.
// Returns inserted=false when the run already existed.
func (s *Store) CreateRun(ctx context.Context, run Run) (inserted bool, err error) {
	if run.RunID == "" {
		return false, fmt.Errorf("create run: run_id is required")
	}
	planJSON, err := marshalPlan(run.Plan)
	if err != nil {
		return false, fmt.Errorf("create run: %w", err)
	}
	status := run.Status
	if status == "" {
		status = RunRunning
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, range_start, range_end, plan, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		run.RunID,
		run.Range.Start.UnixNano(),
		run.Range.End.UnixNano(),
		planJSON,
		status,
		created.UnixNano(),
		created.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("create run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create run: rows affected: %w", err)
	}
	return n > 0, nil
}

// SetRunStatus updates the status of a run.
func (s *Store) SetRunStatus(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?
	`, status, time.Now().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set run status: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set run status: %w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// SaveCheckpoint upserts the checkpoint of one replay unit.
//
// The write is idempotent and monotonic: a checkpoint whose offset is lower
// than the stored one, or that would clear a stored done flag, is ignored.
// The run must already be registered (foreign key constraint).
func (s *Store) SaveCheckpoint(ctx context.Context, cp ir.Checkpoint) error {
	stateJSON, err := marshalState(cp.State)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	done := 0
	if cp.Done {
		done = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints
		(run_id, partition_id, last_offset, logic_version, state, events, done)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, partition_id) DO UPDATE SET
			last_offset   = excluded.last_offset,
			logic_version = excluded.logic_version,
			state         = excluded.state,
			events        = excluded.events,
			done          = excluded.done
		WHERE checkpoints.done = 0
		  AND (excluded.last_offset > checkpoints.last_offset
		       OR (excluded.last_offset = checkpoints.last_offset AND excluded.done >= checkpoints.done))
	`,
		cp.RunID,
		cp.PartitionID,
		cp.LastOffset,
		cp.LogicVersion,
		stateJSON,
		cp.Events,
		done,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET updated_at = ? WHERE run_id = ?
	`, time.Now().UnixNano(), cp.RunID); err != nil {
		return fmt.Errorf("save checkpoint: touch run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save checkpoint: commit: %w", err)
	}
	return nil
}
