package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/pipeline"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	From       string // scan start
	To         string // scan end
	WindowFrom string // manual window start; skips detection
	WindowTo   string
	RunID      string
	Keys       []string
	DryRun     bool
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Detect failure windows, replay them and apply corrections",
		Long: `Run a full recovery: detect failure windows over the scan range (or take
an explicit window), replay each, reconcile against the live store and apply
the corrections atomically.

Exit codes:
  0 - Every window recovered (or nothing to recover)
  1 - A window failed or replayed partially
  2 - Command error

Examples:
  rewind recover --from 2024-06-01T00:00:00Z --to 2024-06-02T00:00:00Z
  rewind recover --window-from 2024-06-01T03:00:00Z --window-to 2024-06-01T04:00:00Z --dry-run`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "detection scan start, RFC 3339")
	cmd.Flags().StringVar(&opts.To, "to", "", "detection scan end, RFC 3339, exclusive")
	cmd.Flags().StringVar(&opts.WindowFrom, "window-from", "", "recover exactly this window (start)")
	cmd.Flags().StringVar(&opts.WindowTo, "window-to", "", "recover exactly this window (end)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run id to create or resume")
	cmd.Flags().StringSliceVar(&opts.Keys, "keys", nil, "recover only these keys")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "reconcile without applying")
	cmd.MarkFlagsRequiredTogether("from", "to")
	cmd.MarkFlagsRequiredTogether("window-from", "window-to")
	cmd.MarkFlagsOneRequired("from", "window-from")

	return cmd
}

func runRecover(ctx context.Context, opts *RecoverOptions, cmd *cobra.Command) error {
	req := pipeline.Request{RunID: opts.RunID, Keys: opts.Keys, DryRun: opts.DryRun}
	if opts.WindowFrom != "" {
		w, err := parseRange(opts.WindowFrom, opts.WindowTo)
		if err != nil {
			return err
		}
		req.Window = &w
	} else {
		scan, err := parseRange(opts.From, opts.To)
		if err != nil {
			return err
		}
		req.Scan = scan
	}

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	p, width, err := s.newPipeline(ctx)
	if err != nil {
		return err
	}
	req.BucketWidth = width
	p.Retune = s.retune
	s.watchConfig()

	res, err := p.Run(ctx, req)
	if err != nil {
		if pipeline.IsFatal(err) {
			_ = s.out.Error(ErrCodeArchive, err.Error(), res)
			return WrapExitError(ExitFailure, "recover", err)
		}
		_ = s.out.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "recover", err)
	}

	if outErr := s.out.Success(res, func(w io.Writer) { writeRecovery(w, res) }); outErr != nil {
		return outErr
	}
	if res.Failed() {
		return NewExitError(ExitFailure, "recovery incomplete")
	}
	return nil
}

func writeRecovery(w io.Writer, res *pipeline.Result) {
	if res.Inconclusive {
		fmt.Fprintln(w, "No failure window detected; nothing to recover.")
		return
	}
	for _, o := range res.Outcomes {
		fmt.Fprintf(w, "Window %s (confidence %.2f)\n", o.Window.Range(), o.Window.Confidence)
		if o.Report != nil {
			writeReport(w, o.Report, false)
		}
		writeSummary(w, o.Summary)
		writeCorrections(w, o.Corrections)
		switch {
		case o.Err != nil:
			fmt.Fprintf(w, "  failed: %v\n", o.Err)
		case o.Applied != nil:
			fmt.Fprintf(w, "  applied batch %s at version %d (%d correction(s))\n",
				shortID(o.Applied.BatchID), o.Applied.Version, o.Applied.Corrections)
		case o.Skipped != "":
			fmt.Fprintf(w, "  not applied: %s\n", o.Skipped)
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
