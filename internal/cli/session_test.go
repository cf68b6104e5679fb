package cli

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/pipeline"
)

func TestSessionRetunesFromReloadedConfig(t *testing.T) {
	ws := newWorkspace(t)
	cmd := &cobra.Command{}
	cmd.SetOut(io.Discard)
	cmd.SetErr(&bytes.Buffer{})

	s, err := openSession(t.Context(), cmd, &RootOptions{Config: ws.config, Format: "text"})
	require.NoError(t, err)
	defer s.Close()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	p := &pipeline.Pipeline{}
	s.retune(p)
	assert.True(t, p.Reconcile.RequireInReplay)
	assert.False(t, p.ApplyPartial)

	data, err := os.ReadFile(ws.config)
	require.NoError(t, err)
	edited := strings.Replace(string(data), "require_in_replay: true", "require_in_replay: false\n  apply_partial: true", 1)
	writeFile(t, ws.config, edited)
	_, err = s.loader.Reload()
	require.NoError(t, err)

	s.retune(p)
	assert.False(t, p.Reconcile.RequireInReplay)
	assert.True(t, p.ApplyPartial)
	assert.True(t, s.cfg.Apply.RequireInReplay, "connection settings stay as opened")
}

func TestSessionKeepsTuningOnBadReload(t *testing.T) {
	ws := newWorkspace(t)
	cmd := &cobra.Command{}
	cmd.SetOut(io.Discard)
	cmd.SetErr(&bytes.Buffer{})

	s, err := openSession(t.Context(), cmd, &RootOptions{Config: ws.config, Format: "text"})
	require.NoError(t, err)
	defer s.Close()

	writeFile(t, ws.config, "replay:\n  parallelism: 0\n")
	_, err = s.loader.Reload()
	require.Error(t, err)

	p := &pipeline.Pipeline{}
	s.retune(p)
	assert.True(t, p.Reconcile.RequireInReplay)
}

func TestSessionWatchNeedsConfigFile(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetOut(io.Discard)
	cmd.SetErr(&bytes.Buffer{})

	s, err := openSession(t.Context(), cmd, &RootOptions{Format: "text"})
	require.NoError(t, err)
	defer s.Close()

	closers := len(s.closers)
	s.watchConfig()
	assert.Len(t, s.closers, closers)
}
