package livestore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/rewind/internal/ir"
)

// memSnapshot is an immutable view of the store. Writers build a new one and
// publish it with a single pointer swap, so readers never see half a batch.
type memSnapshot struct {
	rows    map[string]ir.LiveResult
	applied map[string]int64
	version int64
}

// Memory is an in-process Stager.
type Memory struct {
	cur atomic.Pointer[memSnapshot]

	mu     sync.Mutex // serializes writers
	staged map[string]Batch
}

var _ Stager = (*Memory)(nil)

// NewMemory creates a store holding rows. Missing fingerprints are computed.
func NewMemory(rows ...ir.LiveResult) (*Memory, error) {
	snap := &memSnapshot{
		rows:    make(map[string]ir.LiveResult, len(rows)),
		applied: make(map[string]int64),
	}
	for _, r := range rows {
		r, err := normalize(r)
		if err != nil {
			return nil, fmt.Errorf("memory store: %w", err)
		}
		snap.rows[r.Key] = r
	}
	m := &Memory{staged: make(map[string]Batch)}
	m.cur.Store(snap)
	return m, nil
}

// Get implements Reader.
func (m *Memory) Get(ctx context.Context, keys []string) (map[string]ir.LiveResult, error) {
	snap := m.cur.Load()
	out := make(map[string]ir.LiveResult, len(keys))
	for _, k := range keys {
		if r, ok := snap.rows[k]; ok {
			out[k] = r
		}
	}
	return out, nil
}

// Keys implements Reader.
func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	return slices.Sorted(maps.Keys(m.cur.Load().rows)), nil
}

// Version returns the number of batches applied.
func (m *Memory) Version() int64 {
	return m.cur.Load().version
}

// Rows returns a copy of every live row.
func (m *Memory) Rows() map[string]ir.LiveResult {
	return maps.Clone(m.cur.Load().rows)
}

// Stage implements Stager.
func (m *Memory) Stage(ctx context.Context, b Batch) error {
	if b.ID == "" {
		return fmt.Errorf("memory store: stage: batch id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged[b.ID] = b
	return nil
}

// Swap implements Stager.
func (m *Memory) Swap(ctx context.Context, batchID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.cur.Load()
	if v, ok := snap.applied[batchID]; ok {
		delete(m.staged, batchID)
		return v, nil
	}
	b, ok := m.staged[batchID]
	if !ok {
		return 0, fmt.Errorf("memory store: swap %s: %w", batchID, ErrBatchNotStaged)
	}

	next := &memSnapshot{
		rows:    maps.Clone(snap.rows),
		applied: maps.Clone(snap.applied),
		version: snap.version + 1,
	}
	for _, c := range b.Corrections {
		cur, exists := next.rows[c.Key]
		if err := checkFingerprint(c, cur, exists); err != nil {
			return 0, fmt.Errorf("memory store: swap %s: %w", batchID, err)
		}
		row, keep, err := nextRow(c)
		if err != nil {
			return 0, fmt.Errorf("memory store: swap %s: %w", batchID, err)
		}
		if keep {
			next.rows[c.Key] = row
		} else {
			delete(next.rows, c.Key)
		}
	}
	next.applied[batchID] = next.version

	m.cur.Store(next)
	delete(m.staged, batchID)
	return next.version, nil
}

// Discard implements Stager.
func (m *Memory) Discard(ctx context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staged, batchID)
	return nil
}
