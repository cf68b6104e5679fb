package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/store"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Status string
	Limit  int
}

// RunSummary is one row of the runs command payload.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Status    string    `json:"status"`
	Units     int       `json:"units"`
	DoneUnits int       `json:"done_units"`
	Events    int64     `json:"events"`
	Resumable bool      `json:"resumable"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List replay runs",
		Long: `List replay runs newest first. Runs that did not complete can be resumed
by passing their id to replay, reconcile or recover with --run-id.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (running|completed|partial|failed)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list")

	return cmd
}

func runRuns(ctx context.Context, opts *RunsOptions, cmd *cobra.Command) error {
	switch opts.Status {
	case "", store.RunRunning, store.RunCompleted, store.RunPartial, store.RunFailed:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --status %q", opts.Status))
	}

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.openStore()
	if err != nil {
		return err
	}
	runs, err := st.ListRuns(ctx, opts.Status, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "list runs", err)
	}

	rows := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		state, err := st.GetRunState(ctx, r.RunID)
		if err != nil {
			return WrapExitError(ExitCommandError, "load run state", err)
		}
		rows = append(rows, RunSummary{
			RunID:     r.RunID,
			Start:     r.Range.Start,
			End:       r.Range.End,
			Status:    r.Status,
			Units:     state.Units,
			DoneUnits: state.DoneUnits,
			Events:    state.EventsFolded,
			Resumable: state.Resumable(),
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}

	return s.out.Success(rows, func(w io.Writer) {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No runs found.")
			return
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%-36s %-9s %s .. %s  units %d/%d  events %d\n", r.RunID, r.Status,
				r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), r.DoneUnits, r.Units, r.Events)
		}
	})
}
