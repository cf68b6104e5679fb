package compiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/rewind/internal/ir"
)

var (
	jan = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	sep = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
)

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateValidPlan(t *testing.T) {
	plan := &Plan{Versions: []ir.LogicVersion{
		{ID: "v1", From: jan, Until: jun, Rule: ir.RuleSpec{Metric: ir.MetricCount}},
		{ID: "v2", From: jun, Rule: ir.RuleSpec{Metric: ir.MetricSum, Field: "amount"}},
	}}
	assert.Empty(t, Validate(plan))
}

func TestValidateNoVersions(t *testing.T) {
	errs := Validate(&Plan{})
	assert.Equal(t, []string{ErrPlanNoVersions}, codes(errs))
}

func TestValidateRuleErrors(t *testing.T) {
	plan := &Plan{Versions: []ir.LogicVersion{
		{ID: "v1", From: jan, Until: jun, Rule: ir.RuleSpec{Metric: "median"}},
		{ID: "v2", From: jun, Rule: ir.RuleSpec{Metric: ir.MetricMax}},
	}}
	errs := Validate(plan)
	assert.ElementsMatch(t, []string{ErrInvalidMetric, ErrMetricNeedsField}, codes(errs))
}

func TestValidateDuplicateAndMissingID(t *testing.T) {
	plan := &Plan{Versions: []ir.LogicVersion{
		{ID: "v1", From: jan, Until: jun, Rule: ir.RuleSpec{Metric: ir.MetricCount}},
		{ID: "v1", From: jun, Until: sep, Rule: ir.RuleSpec{Metric: ir.MetricCount}},
		{ID: "", From: sep, Rule: ir.RuleSpec{Metric: ir.MetricCount}},
	}}
	errs := Validate(plan)
	assert.ElementsMatch(t, []string{ErrDuplicateVersion, ErrVersionNoID}, codes(errs))
}

func TestValidateOverlapAndOpenEnded(t *testing.T) {
	overlap := &Plan{Versions: []ir.LogicVersion{
		{ID: "v1", From: jan, Until: sep, Rule: ir.RuleSpec{Metric: ir.MetricCount}},
		{ID: "v2", From: jun, Rule: ir.RuleSpec{Metric: ir.MetricCount}},
	}}
	assert.Equal(t, []string{ErrVersionOverlap}, codes(Validate(overlap)))

	open := &Plan{Versions: []ir.LogicVersion{
		{ID: "v1", From: jan, Rule: ir.RuleSpec{Metric: ir.MetricCount}},
		{ID: "v2", From: jun, Rule: ir.RuleSpec{Metric: ir.MetricCount}},
	}}
	assert.Equal(t, []string{ErrOpenVersionNotLast}, codes(Validate(open)))
}

func TestValidateBadRange(t *testing.T) {
	plan := &Plan{Versions: []ir.LogicVersion{
		{ID: "v1", From: jun, Until: jan, Rule: ir.RuleSpec{Metric: ir.MetricCount}},
	}}
	errs := Validate(plan)
	assert.Equal(t, []string{ErrVersionBadRange}, codes(errs))
	assert.Contains(t, errs[0].Error(), "[E106] versions.v1.until")
}

func TestValidateDetectAndPartitions(t *testing.T) {
	plan := &Plan{
		Partitions: []string{"orders", " "},
		Versions: []ir.LogicVersion{
			{ID: "v1", From: jan, Rule: ir.RuleSpec{Metric: ir.MetricCount}},
		},
		Detect: &DetectTuning{Threshold: -1, MinBuckets: -2},
	}
	errs := Validate(plan)
	assert.ElementsMatch(t, []string{ErrInvalidDetectTuning, ErrInvalidDetectTuning, ErrEmptyPartition}, codes(errs))
}
