package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/archive"
	"github.com/roach88/rewind/internal/replay"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	From    string
	To      string
	RunID   string   // resumes a previous run when set
	Keys    []string // optional key filter
	Results bool     // include per-key results in text output
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Recompute results from archived events",
		Long: `Replay the archive over a time range under the configured recovery plan
and report the recomputed per-key results.

Runs are checkpointed: passing the --run-id of an interrupted run resumes it
from its last checkpoints instead of starting over.

Exit codes:
  0 - Every partition replayed
  1 - Some partitions failed or the range is no longer archived
  2 - Command error

Examples:
  rewind replay --from 2024-06-01T00:00:00Z --to 2024-06-01T06:00:00Z
  rewind replay --from ... --to ... --run-id incident-42 --keys user=1,user=2`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "range start, RFC 3339 (required)")
	cmd.Flags().StringVar(&opts.To, "to", "", "range end, RFC 3339, exclusive (required)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run id to create or resume")
	cmd.Flags().StringSliceVar(&opts.Keys, "keys", nil, "replay only these keys")
	cmd.Flags().BoolVar(&opts.Results, "results", false, "list per-key results")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, cmd *cobra.Command) error {
	r, err := parseRange(opts.From, opts.To)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	plan, err := s.loadPlan()
	if err != nil {
		return err
	}
	arch, err := s.openArchive(ctx)
	if err != nil {
		return err
	}
	st, err := s.openStore()
	if err != nil {
		return err
	}
	engine, err := s.newEngine(arch, st, plan)
	if err != nil {
		return err
	}

	report, err := engine.Replay(ctx, replay.Request{
		RunID: opts.RunID,
		Range: r,
		Keys:  opts.Keys,
		Plan:  s.partitionPlan(plan),
	})
	if report == nil {
		_ = s.out.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "replay", err)
	}
	if err != nil && archive.IsRangeNotFound(err) {
		_ = s.out.Error(ErrCodeArchive, err.Error(), report)
		return WrapExitError(ExitFailure, "replay", err)
	}

	if outErr := s.out.Success(report, func(w io.Writer) { writeReport(w, report, opts.Results) }); outErr != nil {
		return outErr
	}
	if !report.Complete() {
		return NewExitError(ExitFailure, fmt.Sprintf("replay %s is partial", report.RunID))
	}
	return nil
}

func writeReport(w io.Writer, report *replay.Report, results bool) {
	status := "complete"
	if !report.Complete() {
		status = "partial"
	}
	fmt.Fprintf(w, "Run %s over %s: %s\n", report.RunID, report.Range, status)
	fmt.Fprintf(w, "  %d event(s) folded into %d key(s) in %s\n",
		report.EventsFolded(), len(report.Results), report.Duration.Round(1e6))
	for _, p := range report.Partitions {
		line := fmt.Sprintf("  %-24s %-9s attempts=%d events=%d keys=%d", p.ID, p.Status, p.Attempts, p.Events, p.Keys)
		if p.Resumed {
			line += " resumed"
		}
		if p.Error != "" {
			line += " error=" + p.Error
		}
		fmt.Fprintln(w, line)
	}
	if results {
		for _, res := range report.Results {
			fmt.Fprintf(w, "  %s = %v (%s)\n", res.Key, res.Value, res.LogicVersion)
		}
	}
}
