package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/archive"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/reconcile"
	"github.com/roach88/rewind/internal/replay"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	From  string
	To    string
	RunID string
	Keys  []string
}

// ReconcileResult is the reconcile command payload.
type ReconcileResult struct {
	RunID       string            `json:"run_id"`
	Range       ir.TimeRange      `json:"range"`
	Complete    bool              `json:"complete"`
	Summary     reconcile.Summary `json:"summary"`
	Corrections []ir.Correction   `json:"corrections"`
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Diff replayed results against the live store without applying",
		Long: `Replay a range and compare the recomputed results with the live store by
fingerprint. Prints the corrections a recovery would apply; nothing is
written to the live store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "range start, RFC 3339 (required)")
	cmd.Flags().StringVar(&opts.To, "to", "", "range end, RFC 3339, exclusive (required)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run id to create or resume")
	cmd.Flags().StringSliceVar(&opts.Keys, "keys", nil, "reconcile only these keys")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runReconcile(ctx context.Context, opts *ReconcileOptions, cmd *cobra.Command) error {
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
	live, err := s.openLive(ctx)
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
	if report == nil || (err != nil && archive.IsRangeNotFound(err)) {
		_ = s.out.Error(ErrCodeArchive, err.Error(), nil)
		return WrapExitError(ExitFailure, "replay", err)
	}

	rOpts := s.reconcileOptions()
	if !report.Complete() {
		rOpts.RequireInReplay = false
	}
	if len(opts.Keys) > 0 {
		rOpts.InScope = func(key string) bool { return slices.Contains(opts.Keys, key) }
	}
	corrections, summary, err := reconcile.Fetch(ctx, live, report.Results, rOpts)
	if err != nil {
		return WrapExitError(ExitCommandError, "reconcile", err)
	}
	if corrections == nil {
		corrections = []ir.Correction{}
	}

	result := ReconcileResult{
		RunID:       report.RunID,
		Range:       r,
		Complete:    report.Complete(),
		Summary:     summary,
		Corrections: corrections,
	}
	return s.out.Success(result, func(w io.Writer) {
		writeSummary(w, summary)
		writeCorrections(w, corrections)
		if !result.Complete {
			fmt.Fprintln(w, "Replay was partial: keys of failed partitions are not compared.")
		}
	})
}

func writeSummary(w io.Writer, sum reconcile.Summary) {
	fmt.Fprintf(w, "matched=%d missing=%d mismatched=%d stale=%d\n",
		sum.Matched, sum.Missing, sum.Mismatched, sum.Stale)
}

func writeCorrections(w io.Writer, corrections []ir.Correction) {
	for _, c := range corrections {
		fmt.Fprintf(w, "  %-10s %s: %s -> %s\n", c.Reason, c.Key, renderValue(c.OldValue), renderValue(c.NewValue))
	}
}

func renderValue(v ir.IRValue) string {
	if v == nil {
		return "-"
	}
	data, err := ir.MarshalIRValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
