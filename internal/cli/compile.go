package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/compiler"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <plan.cue>",
		Short: "Compile a CUE recovery plan to JSON",
		Long: `Compile a CUE recovery plan into its logic version schedule.

The compiled plan lists every logic version with the range it was in effect
and its rule, plus any detector tuning the plan overrides.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the compiled plan to this file")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	plan, err := compiler.LoadFile(path)
	if err != nil {
		_ = formatter.Error(ErrCodePlan, err.Error(), nil)
		return WrapExitError(ExitFailure, "compile failed", err)
	}

	if opts.Output != "" {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return WrapExitError(ExitCommandError, "encode plan", err)
		}
		if err := os.WriteFile(opts.Output, append(data, '\n'), 0o644); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("write %s", opts.Output), err)
		}
	}

	return formatter.Success(plan, func(w io.Writer) {
		name := plan.Name
		if name == "" {
			name = path
		}
		fmt.Fprintf(w, "Compiled plan %s: %d logic version(s)\n", name, len(plan.Versions))
		for _, v := range plan.Versions {
			until := "open"
			if !v.Until.IsZero() {
				until = v.Until.Format("2006-01-02T15:04:05Z07:00")
			}
			fmt.Fprintf(w, "  %s  %s .. %s  %s", v.ID, v.From.Format("2006-01-02T15:04:05Z07:00"), until, v.Rule.Metric)
			if v.Rule.Field != "" {
				fmt.Fprintf(w, "(%s)", v.Rule.Field)
			}
			fmt.Fprintln(w)
		}
		if opts.Output != "" {
			fmt.Fprintf(w, "Written to %s\n", opts.Output)
		}
	})
}
