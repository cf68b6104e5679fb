package livestore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
)

func TestNewBatchSortsAndHashes(t *testing.T) {
	a := mustBatch(t, insert("b", 2), update("a", 1, 3))
	b := mustBatch(t, update("a", 1, 3), insert("b", 2))

	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, a.ID, 64)
	assert.Equal(t, "a", a.Corrections[0].Key)

	c := mustBatch(t, update("a", 1, 4), insert("b", 2))
	assert.NotEqual(t, a.ID, c.ID)
}

func TestNewBatchRejectsDuplicateKeys(t *testing.T) {
	_, err := NewBatch([]ir.Correction{insert("a", 1), update("a", 1, 2)})
	require.Error(t, err)
}

func TestConflictError(t *testing.T) {
	err := fmt.Errorf("apply: %w", &ConflictError{Key: "k", Want: "aaa", Got: "bbb"})
	assert.True(t, IsConflict(err))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "CONFLICT")
}

func TestRowCodecFillsFingerprint(t *testing.T) {
	data, err := encodeRow(ir.LiveResult{Key: "k", Value: ir.IRObject{"n": ir.IRInt(1)}, LogicVersion: "v2"})
	require.NoError(t, err)

	row, err := decodeRow("k", data)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"n": ir.IRInt(1)}, row.Value)
	assert.Equal(t, ir.MustFingerprint("k", ir.IRObject{"n": ir.IRInt(1)}, "v2"), row.Fingerprint)
}

func TestStageEntryNormalizesStoredFingerprint(t *testing.T) {
	// Another writer stored the row without a fingerprint.
	raw := `{"value":1,"logic_version":"v1"}`

	entry, err := stageEntry(update("a", 1, 5), raw)
	require.NoError(t, err)
	assert.True(t, entry.Exists)
	assert.Equal(t, raw, entry.Raw)

	row, err := decodeRow("a", []byte(entry.Row))
	require.NoError(t, err)
	assert.Equal(t, liveRow("a", 5), row)
}

func TestStageEntryConflicts(t *testing.T) {
	_, err := stageEntry(update("a", 1, 5), `{"value":2,"logic_version":"v1"}`)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, liveRow("a", 2).Fingerprint, conflict.Got)

	_, err = stageEntry(update("a", 1, 5), nil)
	assert.True(t, IsConflict(err))

	_, err = stageEntry(insert("b", 2), `{"value":2,"logic_version":"v1"}`)
	assert.True(t, IsConflict(err))
}

func TestStageEntryInsertAndDelete(t *testing.T) {
	entry, err := stageEntry(insert("b", 2), nil)
	require.NoError(t, err)
	assert.False(t, entry.Exists)
	assert.NotEmpty(t, entry.Row)

	entry, err = stageEntry(remove("c", 9), `{"value":9,"logic_version":"v1"}`)
	require.NoError(t, err)
	assert.True(t, entry.Exists)
	assert.Empty(t, entry.Row)
}

func TestNormalizeLeavesNullRows(t *testing.T) {
	row, err := normalize(ir.LiveResult{Key: "a", Value: ir.IRNull{}})
	require.NoError(t, err)
	assert.Empty(t, row.Fingerprint)
}
