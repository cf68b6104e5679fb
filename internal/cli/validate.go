package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/compiler"
)

// ValidateResult is the validate command payload.
type ValidateResult struct {
	Valid    bool                       `json:"valid"`
	Versions int                        `json:"versions"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.cue>",
		Short: "Validate a CUE recovery plan",
		Long: `Validate a recovery plan without running it.

Reports every problem found: unknown metrics, missing fields, overlapping
versions and invalid detector tuning.

Exit codes:
  0 - Plan is valid
  1 - Plan has errors
  2 - Command error`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	plan, err := compiler.LoadFile(path)
	if err != nil {
		_ = formatter.Error(ErrCodePlan, err.Error(), nil)
		return WrapExitError(ExitFailure, "compile failed", err)
	}

	errs := compiler.Validate(plan)
	if len(errs) > 0 {
		_ = formatter.Error(ErrCodePlanInvalid, fmt.Sprintf("%d validation error(s) in %s", len(errs), path), errs)
		return NewExitError(ExitFailure, "plan is invalid")
	}

	return formatter.Success(ValidateResult{Valid: true, Versions: len(plan.Versions)}, func(w io.Writer) {
		fmt.Fprintf(w, "%s is valid (%d logic version(s))\n", path, len(plan.Versions))
	})
}
