package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// createTestStore creates a new file-backed store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun registers a run covering one hour starting at a fixed instant.
func createTestRun(t *testing.T, s *Store, runID string) Run {
	t.Helper()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	run := Run{
		RunID:     runID,
		Range:     ir.TimeRange{Start: start, End: start.Add(time.Hour)},
		Plan:      ir.IRObject{"key_buckets": ir.IRInt(2)},
		CreatedAt: start,
	}
	if _, err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	return run
}

func testCheckpoint(runID, partitionID string, offset int64) ir.Checkpoint {
	return ir.Checkpoint{
		RunID:        runID,
		PartitionID:  partitionID,
		LastOffset:   offset,
		LogicVersion: "v1",
		State: ir.IRObject{
			"user=1": ir.IRObject{"v": ir.IRInt(offset), "lv": ir.IRString("v1")},
		},
		Events: offset,
	}
}
