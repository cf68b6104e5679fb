package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
)

const (
	windowFrom = "2024-06-01T00:00:00Z"
	windowTo   = "2024-06-01T01:00:00Z"
)

func seed(t *testing.T, ws *workspace) {
	t.Helper()
	out, err := execute(t, "--config", ws.config, "seed", ws.events)
	require.NoError(t, err)
	assert.Contains(t, out, "Seeded 3 event(s) into 1 partition(s)")
}

func TestSeedIsIdempotent(t *testing.T) {
	ws := newWorkspace(t)
	seed(t, ws)
	seed(t, ws)

	out, err := execute(t, "--config", ws.config, "--format", "json",
		"replay", "--from", windowFrom, "--to", windowTo)
	require.NoError(t, err)

	var report struct {
		Results []struct {
			Key   string `json:"key"`
			Value int64  `json:"recalculated_value"`
		} `json:"results"`
	}
	decodeData(t, out, &report)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "user=1", report.Results[0].Key)
	assert.Equal(t, int64(17), report.Results[0].Value)
}

func TestSeedRejectsBadLine(t *testing.T) {
	ws := newWorkspace(t)
	writeFile(t, ws.events, "{\"id\":\"e1\"}\n")
	_, err := execute(t, "--config", ws.config, "seed", ws.events)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "needs id and partition")
}

func TestReplayAndRuns(t *testing.T) {
	ws := newWorkspace(t)
	seed(t, ws)

	out, err := execute(t, "--config", ws.config, "replay",
		"--from", windowFrom, "--to", windowTo, "--run-id", "incident-1", "--results")
	require.NoError(t, err)
	assert.Contains(t, out, "Run incident-1 over")
	assert.Contains(t, out, ": complete")
	assert.Contains(t, out, "user=1 = 17 (v1)")
	assert.Contains(t, out, "user=2 = 5 (v1)")

	out, err = execute(t, "--config", ws.config, "--format", "json", "runs")
	require.NoError(t, err)
	var runs []RunSummary
	decodeData(t, out, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "incident-1", runs[0].RunID)
	assert.Equal(t, "completed", runs[0].Status)
	assert.False(t, runs[0].Resumable)
	assert.Equal(t, int64(3), runs[0].Events)

	out, err = execute(t, "--config", ws.config, "runs", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found.")
}

func TestReplayKeyFilter(t *testing.T) {
	ws := newWorkspace(t)
	seed(t, ws)

	out, err := execute(t, "--config", ws.config, "replay",
		"--from", windowFrom, "--to", windowTo, "--keys", "user=2", "--results")
	require.NoError(t, err)
	assert.Contains(t, out, "user=2 = 5 (v1)")
	assert.NotContains(t, out, "user=1 =")
}

func TestReplayRejectsBadRange(t *testing.T) {
	ws := newWorkspace(t)
	_, err := execute(t, "--config", ws.config, "replay", "--from", windowTo, "--to", windowFrom)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--config", ws.config, "replay", "--from", "yesterday", "--to", windowTo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want RFC 3339")
}

func TestReplayRequiresPlan(t *testing.T) {
	ws := newWorkspace(t)
	writeFile(t, ws.config, "store:\n  path: "+ws.dir+"/rewind.db\n")
	_, err := execute(t, "--config", ws.config, "replay", "--from", windowFrom, "--to", windowTo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recovery plan configured")
}

func TestRunsRejectsUnknownStatus(t *testing.T) {
	ws := newWorkspace(t)
	_, err := execute(t, "--config", ws.config, "runs", "--status", "paused")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReconcileDoesNotWrite(t *testing.T) {
	ws := newWorkspace(t)
	seed(t, ws)
	ws.seedLive(t)

	out, err := execute(t, "--config", ws.config, "--format", "json",
		"reconcile", "--from", windowFrom, "--to", windowTo)
	require.NoError(t, err)

	var res struct {
		Complete bool `json:"complete"`
		Summary  struct {
			Matched    int `json:"matched"`
			Missing    int `json:"missing"`
			Mismatched int `json:"mismatched"`
			Stale      int `json:"stale"`
		} `json:"summary"`
		Corrections []struct {
			Key    string `json:"key"`
			Reason string `json:"reason"`
		} `json:"corrections"`
	}
	decodeData(t, out, &res)
	assert.True(t, res.Complete)
	assert.Equal(t, 0, res.Summary.Matched)
	assert.Equal(t, 1, res.Summary.Missing)
	assert.Equal(t, 1, res.Summary.Mismatched)
	assert.Equal(t, 1, res.Summary.Stale)
	require.Len(t, res.Corrections, 3)
	assert.Equal(t, "user=1", res.Corrections[0].Key)
	assert.Equal(t, "mismatched", res.Corrections[0].Reason)
	assert.Equal(t, "user=3", res.Corrections[2].Key)
	assert.Equal(t, "stale", res.Corrections[2].Reason)

	rows := ws.liveRows(t)
	assert.Equal(t, ir.IRInt(3), rows["user=1"].Value)
	assert.Contains(t, rows, "user=3")
	assert.NotContains(t, rows, "user=2")
}

func TestRecoverAppliesCorrections(t *testing.T) {
	ws := newWorkspace(t)
	seed(t, ws)
	ws.seedLive(t)

	out, err := execute(t, "--config", ws.config, "recover",
		"--window-from", windowFrom, "--window-to", windowTo, "--run-id", "fix-1")
	require.NoError(t, err)
	assert.Contains(t, out, "mismatched user=1: 3 -> 17")
	assert.Contains(t, out, "missing    user=2: - -> 5")
	assert.Contains(t, out, "stale      user=3: 1 -> -")
	assert.Contains(t, out, "applied batch")

	rows := ws.liveRows(t)
	assert.Equal(t, ir.IRInt(17), rows["user=1"].Value)
	assert.Equal(t, ir.IRInt(5), rows["user=2"].Value)
	assert.NotContains(t, rows, "user=3")

	// A second pass finds nothing left to correct.
	out, err = execute(t, "--config", ws.config, "recover",
		"--window-from", windowFrom, "--window-to", windowTo, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "matched=2 missing=0 mismatched=0 stale=0")
	assert.Contains(t, out, "not applied: no_corrections")
}

func TestRecoverDryRunLeavesLiveStore(t *testing.T) {
	ws := newWorkspace(t)
	seed(t, ws)
	ws.seedLive(t)

	out, err := execute(t, "--config", ws.config, "recover",
		"--window-from", windowFrom, "--window-to", windowTo, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "not applied: dry_run")
	assert.Equal(t, ir.IRInt(3), ws.liveRows(t)["user=1"].Value)
}

func TestRecoverNeedsARange(t *testing.T) {
	ws := newWorkspace(t)
	_, err := execute(t, "--config", ws.config, "recover")
	require.Error(t, err)
}

func TestDetectAggregatesHealthSeries(t *testing.T) {
	ws := newWorkspace(t)
	seed(t, ws)

	out, err := execute(t, "--config", ws.config, "--format", "json",
		"detect", "--from", windowFrom, "--to", windowTo, "--bucket-width", "10m", "--buckets")
	require.NoError(t, err)

	var res DetectResult
	decodeData(t, out, &res)
	assert.Equal(t, int64(3), res.Events)
	assert.Len(t, res.Buckets, 6)
}
