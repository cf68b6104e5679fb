package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testEvent(partition string, offset int64, key string, at time.Duration, value int64) ir.Event {
	return ir.Event{
		ID:             fmt.Sprintf("%s-%d", partition, offset),
		Partition:      partition,
		Key:            key,
		Timestamp:      t0.Add(at),
		SequenceOffset: offset,
		Payload:        ir.IRObject{"value": ir.IRInt(value)},
	}
}

func createTestSQLiteArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	a, err := OpenSQLite(filepath.Join(t.TempDir(), "archive.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func offsets(events []ir.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.SequenceOffset
	}
	return out
}

// memObjects is an in-memory ObjectStore.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
	failGet error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failGet != nil {
		return nil, m.failGet
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return data, nil
}

func (m *memObjects) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = slices.Clone(data)
	return nil
}
