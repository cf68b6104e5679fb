package store

import (
	"context"
	"fmt"
)

// RunState summarizes a run's checkpoints for resumption decisions.
type RunState struct {
	Run          Run
	Units        int   // Units that wrote at least one checkpoint
	DoneUnits    int   // Units whose final checkpoint is marked done
	EventsFolded int64 // Events folded across all units
}

// Resumable reports whether the run has unfinished work.
func (rs RunState) Resumable() bool {
	return rs.Run.Status != RunCompleted && rs.Units > rs.DoneUnits
}

// GetRunState loads a run and aggregates its checkpoint progress.
func (s *Store) GetRunState(ctx context.Context, runID string) (RunState, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("get run state: %w", err)
	}
	state := RunState{Run: run}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(done), 0), COALESCE(SUM(events), 0)
		FROM checkpoints
		WHERE run_id = ?
	`, runID).Scan(&state.Units, &state.DoneUnits, &state.EventsFolded)
	if err != nil {
		return RunState{}, fmt.Errorf("get run state: %w", err)
	}
	return state, nil
}
