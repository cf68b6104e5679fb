package harness

import (
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/pipeline"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates every assertion held.
	Pass bool `json:"pass"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Snapshot is what the run produced.
	Snapshot Snapshot `json:"snapshot"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot captures a pipeline run and the live state it left behind.
type Snapshot struct {
	Scenario string             `json:"scenario"`
	Windows  []ir.FailureWindow `json:"windows"`
	Outcomes []pipeline.Outcome `json:"outcomes"`

	// Live is the final live store, sorted by key.
	Live []ir.LiveResult `json:"live"`

	// Err is the error that stopped the run, if any.
	Err string `json:"error,omitempty"`
}
