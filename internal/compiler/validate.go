package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/rewind/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrPlanNoVersions      = "E101" // at least one version required
	ErrVersionNoID         = "E102" // version id is empty
	ErrDuplicateVersion    = "E103" // duplicate version id
	ErrInvalidMetric       = "E104" // unknown rule metric
	ErrMetricNeedsField    = "E105" // metric other than count without field
	ErrVersionBadRange     = "E106" // until not after from
	ErrVersionOverlap      = "E107" // two versions cover the same instant
	ErrOpenVersionNotLast  = "E108" // open-ended version followed by another
	ErrInvalidDetectTuning = "E110" // negative or zero detector setting
	ErrEmptyPartition      = "E111" // blank partition name
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled plan against the schedule rules.
// Returns all errors found (does not fail-fast).
func Validate(plan *Plan) []ValidationError {
	var errs []ValidationError

	if len(plan.Versions) == 0 {
		errs = append(errs, ValidationError{
			Field:   "versions",
			Message: "at least one logic version is required",
			Code:    ErrPlanNoVersions,
		})
	}

	seen := make(map[string]bool, len(plan.Versions))
	for i, v := range plan.Versions {
		field := fmt.Sprintf("versions[%d]", i)
		if strings.TrimSpace(v.ID) == "" {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "version id is required", Code: ErrVersionNoID})
		} else {
			field = "versions." + v.ID
			if seen[v.ID] {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("duplicate version id %q", v.ID),
					Code:    ErrDuplicateVersion,
				})
			}
			seen[v.ID] = true
		}

		if !ir.ValidMetrics[v.Rule.Metric] {
			errs = append(errs, ValidationError{
				Field:   field + ".rule.metric",
				Message: fmt.Sprintf("unknown metric %q", v.Rule.Metric),
				Code:    ErrInvalidMetric,
			})
		} else if v.Rule.Metric != ir.MetricCount && v.Rule.Field == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".rule.field",
				Message: fmt.Sprintf("metric %s requires a field", v.Rule.Metric),
				Code:    ErrMetricNeedsField,
			})
		}

		if !v.Until.IsZero() && !v.Until.After(v.From) {
			errs = append(errs, ValidationError{
				Field:   field + ".until",
				Message: "until must be after from",
				Code:    ErrVersionBadRange,
			})
		}
	}

	errs = append(errs, validateCoverage(plan.Versions)...)

	if d := plan.Detect; d != nil {
		if d.Threshold < 0 {
			errs = append(errs, ValidationError{Field: "detect.threshold", Message: "threshold must not be negative", Code: ErrInvalidDetectTuning})
		}
		if d.GapTolerance < 0 {
			errs = append(errs, ValidationError{Field: "detect.gap_tolerance", Message: "gap_tolerance must not be negative", Code: ErrInvalidDetectTuning})
		}
		if d.MinBuckets < 0 {
			errs = append(errs, ValidationError{Field: "detect.min_buckets", Message: "min_buckets must not be negative", Code: ErrInvalidDetectTuning})
		}
		if d.BucketWidth < 0 {
			errs = append(errs, ValidationError{Field: "detect.bucket_width", Message: "bucket_width must not be negative", Code: ErrInvalidDetectTuning})
		}
	}

	for i, p := range plan.Partitions {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("partitions[%d]", i),
				Message: "partition name must be non-empty",
				Code:    ErrEmptyPartition,
			})
		}
	}

	return errs
}

// validateCoverage reports overlapping versions and open-ended versions
// that are not last in time.
func validateCoverage(versions []ir.LogicVersion) []ValidationError {
	sorted := slices.Clone(versions)
	slices.SortFunc(sorted, func(a, b ir.LogicVersion) int { return a.From.Compare(b.From) })

	var errs []ValidationError
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Until.IsZero() {
			errs = append(errs, ValidationError{
				Field:   "versions." + prev.ID + ".until",
				Message: fmt.Sprintf("open-ended version is followed by %q", cur.ID),
				Code:    ErrOpenVersionNotLast,
			})
			continue
		}
		if cur.From.Before(prev.Until) {
			errs = append(errs, ValidationError{
				Field:   "versions." + cur.ID + ".from",
				Message: fmt.Sprintf("overlaps version %q", prev.ID),
				Code:    ErrVersionOverlap,
			})
		}
	}
	return errs
}
