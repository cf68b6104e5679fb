package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/aggregate"
	"github.com/roach88/rewind/internal/compiler"
	"github.com/roach88/rewind/internal/ir"
)

// DetectOptions holds flags for the detect command.
type DetectOptions struct {
	*RootOptions
	From        string
	To          string
	BucketWidth time.Duration
	Buckets     bool // include the aggregated series in the output
}

// DetectResult is the detect command payload.
type DetectResult struct {
	Scan         ir.TimeRange       `json:"scan"`
	Events       int64              `json:"events"`
	Buckets      []ir.TimeBucket    `json:"buckets,omitempty"`
	Windows      []ir.FailureWindow `json:"windows"`
	Inconclusive bool               `json:"inconclusive"`
}

// NewDetectCommand creates the detect command.
func NewDetectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DetectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Find failure windows in the archive's health series",
		Long: `Aggregate the health partitions into a time bucket series and report the
windows whose buckets deviate from the series median.

Examples:
  rewind detect --from 2024-06-01T00:00:00Z --to 2024-06-02T00:00:00Z
  rewind detect --from ... --to ... --bucket-width 5m --buckets --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "scan start, RFC 3339 (required)")
	cmd.Flags().StringVar(&opts.To, "to", "", "scan end, RFC 3339, exclusive (required)")
	cmd.Flags().DurationVar(&opts.BucketWidth, "bucket-width", 0, "override the configured bucket width")
	cmd.Flags().BoolVar(&opts.Buckets, "buckets", false, "include the aggregated buckets")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runDetect(ctx context.Context, opts *DetectOptions, cmd *cobra.Command) error {
	scan, err := parseRange(opts.From, opts.To)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	var plan *compiler.Plan
	if s.cfg.Plan != "" {
		if plan, err = s.loadPlan(); err != nil {
			return err
		}
	}
	detector, width := s.detector(plan)
	if opts.BucketWidth > 0 {
		width = opts.BucketWidth
	}

	arch, err := s.openArchive(ctx)
	if err != nil {
		return err
	}
	metric, err := s.healthMetric()
	if err != nil {
		return err
	}

	grid := aggregate.Grid{Start: scan.Start, End: scan.End, Width: width}
	buckets, stats, err := aggregate.AggregateArchive(ctx, arch, s.healthPartitions(plan), grid, metric)
	if err != nil {
		_ = s.out.Error(ErrCodeArchive, err.Error(), nil)
		return WrapExitError(ExitCommandError, "aggregate", err)
	}

	windows := detector.Detect(buckets)
	result := DetectResult{
		Scan:         scan,
		Events:       stats.Events,
		Windows:      windows,
		Inconclusive: len(windows) == 0,
	}
	if result.Windows == nil {
		result.Windows = []ir.FailureWindow{}
	}
	if opts.Buckets {
		result.Buckets = buckets
	}

	return s.out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Scanned %s: %d bucket(s) of %s, %d event(s)\n", scan, len(buckets), width, stats.Events)
		if result.Inconclusive {
			fmt.Fprintln(w, "No failure window detected.")
			return
		}
		for _, win := range windows {
			fmt.Fprintf(w, "  window %s  %d bucket(s)  confidence %.2f\n",
				win.Range(), len(win.BucketIndexes), win.Confidence)
		}
		if opts.Buckets {
			for _, b := range buckets {
				fmt.Fprintf(w, "  %s  %d\n", b.Start.Format(time.RFC3339), b.Value)
			}
		}
	})
}
