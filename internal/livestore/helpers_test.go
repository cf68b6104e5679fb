package livestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
)

func liveRow(key string, value int64) ir.LiveResult {
	return ir.LiveResult{
		Key:          key,
		Value:        ir.IRInt(value),
		LogicVersion: "v1",
		Fingerprint:  ir.MustFingerprint(key, ir.IRInt(value), "v1"),
	}
}

// update corrects key from one value to another under v1.
func update(key string, from, to int64) ir.Correction {
	return ir.Correction{
		Key:            key,
		OldValue:       ir.IRInt(from),
		NewValue:       ir.IRInt(to),
		OldFingerprint: ir.MustFingerprint(key, ir.IRInt(from), "v1"),
		NewFingerprint: ir.MustFingerprint(key, ir.IRInt(to), "v1"),
		LogicVersion:   "v1",
		Reason:         ir.ReasonMismatched,
	}
}

func insert(key string, value int64) ir.Correction {
	return ir.Correction{
		Key:            key,
		NewValue:       ir.IRInt(value),
		NewFingerprint: ir.MustFingerprint(key, ir.IRInt(value), "v1"),
		LogicVersion:   "v1",
		Reason:         ir.ReasonMissing,
	}
}

func remove(key string, old int64) ir.Correction {
	return ir.Correction{
		Key:            key,
		OldValue:       ir.IRInt(old),
		OldFingerprint: ir.MustFingerprint(key, ir.IRInt(old), "v1"),
		LogicVersion:   "v1",
		Reason:         ir.ReasonStale,
	}
}

func mustBatch(t *testing.T, corrections ...ir.Correction) Batch {
	t.Helper()
	b, err := NewBatch(corrections)
	require.NoError(t, err)
	return b
}
