package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/livestore"
)

const ordersPlan = `
plan: {
	name: "orders"
	partitions: ["orders"]
	versions: v1: {
		from: "2024-01-01T00:00:00Z"
		rule: {metric: "sum", field: "amount"}
	}
}
`

const ordersEvents = `{"id":"e1","partition":"orders","key":"user=1","timestamp":"2024-06-01T00:10:00Z","sequence_offset":1,"payload":{"amount":10}}
{"id":"e2","partition":"orders","key":"user=2","timestamp":"2024-06-01T00:20:00Z","sequence_offset":2,"payload":{"amount":5}}

{"id":"e3","partition":"orders","key":"user=1","timestamp":"2024-06-01T00:30:00Z","sequence_offset":3,"payload":{"amount":7}}
`

// workspace is a config file with every store under one temp dir.
type workspace struct {
	dir    string
	config string
	live   string
	events string
	plan   string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{
		dir:    dir,
		config: filepath.Join(dir, "rewind.yaml"),
		live:   filepath.Join(dir, "live.db"),
		events: filepath.Join(dir, "events.jsonl"),
		plan:   filepath.Join(dir, "plan.cue"),
	}
	writeFile(t, ws.plan, ordersPlan)
	writeFile(t, ws.events, ordersEvents)
	writeFile(t, ws.config, fmt.Sprintf(`
archive:
  kind: sqlite
  path: %s
store:
  path: %s
live:
  kind: sqlite
  path: %s
replay:
  parallelism: 2
  checkpoint_every: 2
apply:
  require_in_replay: true
plan: %s
`, filepath.Join(dir, "archive.db"), filepath.Join(dir, "rewind.db"), ws.live, ws.plan))
	return ws
}

// seedLive stores user=1=3 and user=3=1 under v1.
func (ws *workspace) seedLive(t *testing.T) {
	t.Helper()
	live, err := livestore.OpenSQLite(ws.live)
	require.NoError(t, err)
	defer live.Close()
	require.NoError(t, live.Put(context.Background(),
		ir.LiveResult{Key: "user=1", Value: ir.IRInt(3), LogicVersion: "v1"},
		ir.LiveResult{Key: "user=3", Value: ir.IRInt(1), LogicVersion: "v1"},
	))
}

func (ws *workspace) liveRows(t *testing.T) map[string]ir.LiveResult {
	t.Helper()
	live, err := livestore.OpenSQLite(ws.live)
	require.NoError(t, err)
	defer live.Close()
	rows, err := live.Get(context.Background(), []string{"user=1", "user=2", "user=3"})
	require.NoError(t, err)
	return rows
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimLeft(body, "\n")), 0o644))
}

// execute runs the root command and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeData unmarshals the data field of a JSON envelope.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}
