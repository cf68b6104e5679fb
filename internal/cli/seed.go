package cli

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/archive"
	"github.com/roach88/rewind/internal/ir"
)

// SeedResult is the seed command payload.
type SeedResult struct {
	Events     int      `json:"events"`
	Partitions []string `json:"partitions"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <events.jsonl>",
		Short: "Append events to the configured archive",
		Long: `Append events, one JSON object per line, to the configured archive.

A SQLite archive ignores events it already holds. An object archive writes
one segment per partition.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), rootOpts, args[0], cmd)
		},
	}
}

func runSeed(ctx context.Context, opts *RootOptions, path string, cmd *cobra.Command) error {
	s, err := openSession(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	events, err := readEvents(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "read events", err)
	}

	byPartition := make(map[string][]ir.Event)
	for _, ev := range events {
		byPartition[ev.Partition] = append(byPartition[ev.Partition], ev)
	}
	partitions := make([]string, 0, len(byPartition))
	for p := range byPartition {
		partitions = append(partitions, p)
	}
	slices.Sort(partitions)

	switch s.cfg.Archive.Kind {
	case "sqlite":
		a, err := archive.OpenSQLite(s.cfg.Archive.Path, 1)
		if err != nil {
			return WrapExitError(ExitCommandError, "open archive", err)
		}
		defer a.Close()
		if err := a.Append(ctx, events...); err != nil {
			return WrapExitError(ExitCommandError, "append events", err)
		}
	default:
		objects, err := s.openObjects(ctx)
		if err != nil {
			return err
		}
		oa := archive.NewObjectArchive(objects, s.cfg.Archive.Prefix)
		for _, p := range partitions {
			segment := byPartition[p]
			slices.SortFunc(segment, func(a, b ir.Event) int {
				return cmp.Compare(a.SequenceOffset, b.SequenceOffset)
			})
			if err := oa.WriteSegment(ctx, p, segment); err != nil {
				return WrapExitError(ExitCommandError, "write segment", err)
			}
		}
	}

	s.logger.Info("archive seeded", "events", len(events), "partitions", len(partitions))
	return s.out.Success(SeedResult{Events: len(events), Partitions: partitions}, func(w io.Writer) {
		fmt.Fprintf(w, "Seeded %d event(s) into %d partition(s)\n", len(events), len(partitions))
	})
}

// readEvents decodes a JSON Lines file of events. Blank lines are skipped.
func readEvents(path string) ([]ir.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []ir.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev ir.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if ev.Partition == "" || ev.ID == "" {
			return nil, fmt.Errorf("%s:%d: event needs id and partition", path, line)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
