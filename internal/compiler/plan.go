// Package compiler turns CUE recovery plans into logic version schedules.
//
// A plan declares the rules in effect over history plus optional detector
// tuning:
//
//	plan: {
//		name: "orders-2024"
//		partitions: ["orders"]
//		detect: {threshold: 3.5, bucket_width: "1m"}
//		versions: {
//			v1: {from: "2024-01-01T00:00:00Z", until: "2024-06-01T00:00:00Z", rule: {metric: "sum", field: "amount"}}
//			v2: {from: "2024-06-01T00:00:00Z", rule: {metric: "sum", field: "amount_cents"}}
//		}
//	}
//
// Uses the CUE SDK's Go API directly, not a CLI subprocess.
package compiler

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/logic"
)

// Plan is a compiled recovery plan.
type Plan struct {
	Name       string            `json:"name"`
	Partitions []string          `json:"partitions,omitempty"`
	Versions   []ir.LogicVersion `json:"versions"`
	Detect     *DetectTuning     `json:"detect,omitempty"`
}

// DetectTuning overrides detector settings for one plan. Zero fields keep
// the configured value.
type DetectTuning struct {
	Threshold    float64       `json:"threshold,omitempty"`
	GapTolerance int           `json:"gap_tolerance,omitempty"`
	MinBuckets   int           `json:"min_buckets,omitempty"`
	BucketWidth  time.Duration `json:"bucket_width,omitempty"`
}

// Schedule compiles the plan's versions into a logic schedule.
func (p *Plan) Schedule() (*logic.Schedule, error) {
	return logic.NewSchedule(p.Versions)
}

// LoadFile reads and compiles the plan in a .cue file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	return CompileBytes(data, path)
}

// CompileBytes compiles CUE source holding a top-level plan field.
// filename only labels error positions.
func CompileBytes(src []byte, filename string) (*Plan, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	planVal := v.LookupPath(cue.ParsePath("plan"))
	if !planVal.Exists() {
		return nil, &CompileError{Field: "plan", Message: "plan is required", Pos: v.Pos()}
	}
	return CompilePlan(planVal)
}

// CompilePlan parses a CUE value into a Plan.
//
// The CUE value should be the plan struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`plan: { versions: { ... } }`)
//	plan, err := CompilePlan(v.LookupPath(cue.ParsePath("plan")))
func CompilePlan(v cue.Value) (*Plan, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	plan := &Plan{}

	if nameVal := v.LookupPath(cue.ParsePath("name")); nameVal.Exists() {
		name, err := nameVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		plan.Name = name
	}

	if partsVal := v.LookupPath(cue.ParsePath("partitions")); partsVal.Exists() {
		iter, err := partsVal.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			p, err := iter.Value().String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			plan.Partitions = append(plan.Partitions, p)
		}
	}

	var err error
	plan.Versions, err = parseVersions(v)
	if err != nil {
		return nil, err
	}
	if len(plan.Versions) == 0 {
		return nil, &CompileError{
			Field:   "versions",
			Message: "at least one logic version is required",
			Pos:     v.Pos(),
		}
	}

	if detectVal := v.LookupPath(cue.ParsePath("detect")); detectVal.Exists() {
		plan.Detect, err = parseDetect(detectVal)
		if err != nil {
			return nil, err
		}
	}

	return plan, nil
}

// parseVersions reads versions in declaration order. The label is the ID.
func parseVersions(v cue.Value) ([]ir.LogicVersion, error) {
	versionsVal := v.LookupPath(cue.ParsePath("versions"))
	if !versionsVal.Exists() {
		return nil, nil
	}

	iter, err := versionsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var versions []ir.LogicVersion
	for iter.Next() {
		id := iter.Label()
		val := iter.Value()

		lv := ir.LogicVersion{ID: id}

		lv.From, err = parseTime(val, "from", true)
		if err != nil {
			return nil, err
		}
		lv.Until, err = parseTime(val, "until", false)
		if err != nil {
			return nil, err
		}

		ruleVal := val.LookupPath(cue.ParsePath("rule"))
		if !ruleVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("versions.%s.rule", id),
				Message: "rule is required",
				Pos:     val.Pos(),
			}
		}
		lv.Rule, err = parseRule(ruleVal, id)
		if err != nil {
			return nil, err
		}

		versions = append(versions, lv)
	}
	return versions, nil
}

func parseRule(v cue.Value, id string) (ir.RuleSpec, error) {
	var spec ir.RuleSpec

	metricVal := v.LookupPath(cue.ParsePath("metric"))
	if !metricVal.Exists() {
		return spec, &CompileError{
			Field:   fmt.Sprintf("versions.%s.rule.metric", id),
			Message: "metric is required",
			Pos:     v.Pos(),
		}
	}
	metric, err := metricVal.String()
	if err != nil {
		return spec, formatCUEError(err)
	}
	if !ir.ValidMetrics[ir.Metric(metric)] {
		return spec, &CompileError{
			Field:   fmt.Sprintf("versions.%s.rule.metric", id),
			Message: fmt.Sprintf("unknown metric %q (want sum, count, max, min or last)", metric),
			Pos:     metricVal.Pos(),
		}
	}
	spec.Metric = ir.Metric(metric)

	if fieldVal := v.LookupPath(cue.ParsePath("field")); fieldVal.Exists() {
		field, err := fieldVal.String()
		if err != nil {
			return spec, formatCUEError(err)
		}
		spec.Field = field
	}
	return spec, nil
}

func parseTime(v cue.Value, field string, required bool) (time.Time, error) {
	tv := v.LookupPath(cue.ParsePath(field))
	if !tv.Exists() {
		if required {
			return time.Time{}, &CompileError{
				Field:   field,
				Message: field + " is required",
				Pos:     v.Pos(),
			}
		}
		return time.Time{}, nil
	}
	s, err := tv.String()
	if err != nil {
		return time.Time{}, formatCUEError(err)
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("%q is not an RFC 3339 timestamp", s),
			Pos:     tv.Pos(),
		}
	}
	return ts.UTC(), nil
}

func parseDetect(v cue.Value) (*DetectTuning, error) {
	tuning := &DetectTuning{}

	if tv := v.LookupPath(cue.ParsePath("threshold")); tv.Exists() {
		f, err := tv.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		tuning.Threshold = f
	}
	if gv := v.LookupPath(cue.ParsePath("gap_tolerance")); gv.Exists() {
		n, err := gv.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		tuning.GapTolerance = int(n)
	}
	if mv := v.LookupPath(cue.ParsePath("min_buckets")); mv.Exists() {
		n, err := mv.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		tuning.MinBuckets = int(n)
	}
	if wv := v.LookupPath(cue.ParsePath("bucket_width")); wv.Exists() {
		s, err := wv.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, &CompileError{
				Field:   "detect.bucket_width",
				Message: fmt.Sprintf("invalid duration %q", s),
				Pos:     wv.Pos(),
			}
		}
		tuning.BucketWidth = d
	}
	return tuning, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
