package compiler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
)

const ordersPlan = `
plan: {
	name: "orders-2024"
	partitions: ["orders", "refunds"]
	detect: {
		threshold:     4
		gap_tolerance: 1
		bucket_width:  "5m"
	}
	versions: {
		v1: {
			from:  "2024-01-01T00:00:00Z"
			until: "2024-06-01T00:00:00Z"
			rule: {metric: "sum", field: "amount"}
		}
		v2: {
			from: "2024-06-01T00:00:00Z"
			rule: {metric: "sum", field: "amount_cents"}
		}
	}
}
`

func TestCompilePlanBasic(t *testing.T) {
	plan, err := CompileBytes([]byte(ordersPlan), "orders.cue")
	require.NoError(t, err)

	assert.Equal(t, "orders-2024", plan.Name)
	assert.Equal(t, []string{"orders", "refunds"}, plan.Partitions)
	require.Len(t, plan.Versions, 2)

	v1 := plan.Versions[0]
	assert.Equal(t, "v1", v1.ID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), v1.From)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), v1.Until)
	assert.Equal(t, ir.RuleSpec{Metric: ir.MetricSum, Field: "amount"}, v1.Rule)

	v2 := plan.Versions[1]
	assert.Equal(t, "v2", v2.ID)
	assert.True(t, v2.Until.IsZero())

	require.NotNil(t, plan.Detect)
	assert.Equal(t, 4.0, plan.Detect.Threshold)
	assert.Equal(t, 1, plan.Detect.GapTolerance)
	assert.Equal(t, 5*time.Minute, plan.Detect.BucketWidth)

	assert.Empty(t, Validate(plan))
}

func TestPlanSchedule(t *testing.T) {
	plan, err := CompileBytes([]byte(ordersPlan), "orders.cue")
	require.NoError(t, err)

	sched, err := plan.Schedule()
	require.NoError(t, err)

	v, err := sched.Resolve(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "v1", v.ID)

	v, err = sched.Resolve(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "v2", v.ID)
}

func TestCompilePlanFromValue(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		plan: versions: only: {
			from: "2024-01-01T00:00:00Z"
			rule: metric: "count"
		}
	`)
	require.NoError(t, v.Err())

	plan, err := CompilePlan(v.LookupPath(cue.ParsePath("plan")))
	require.NoError(t, err)
	require.Len(t, plan.Versions, 1)
	assert.Equal(t, ir.MetricCount, plan.Versions[0].Rule.Metric)
	assert.Nil(t, plan.Detect)
}

func TestCompilePlanMissingPlan(t *testing.T) {
	_, err := CompileBytes([]byte(`other: 1`), "x.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plan is required")
}

func TestCompilePlanNoVersions(t *testing.T) {
	_, err := CompileBytes([]byte(`plan: name: "empty"`), "x.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one logic version")
}

func TestCompilePlanMissingFrom(t *testing.T) {
	_, err := CompileBytes([]byte(`
plan: versions: v1: rule: {metric: "count"}
`), "x.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from is required")
}

func TestCompilePlanBadTimestamp(t *testing.T) {
	_, err := CompileBytes([]byte(`
plan: versions: v1: {
	from: "last tuesday"
	rule: {metric: "count"}
}
`), "x.cue")
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "from", ce.Field)
	assert.True(t, ce.Pos.IsValid())
	assert.Contains(t, err.Error(), "x.cue:")
}

func TestCompilePlanUnknownMetric(t *testing.T) {
	_, err := CompileBytes([]byte(`
plan: versions: v1: {
	from: "2024-01-01T00:00:00Z"
	rule: {metric: "median", field: "amount"}
}
`), "x.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown metric")
	assert.Contains(t, err.Error(), "versions.v1.rule.metric")
}

func TestCompilePlanSyntaxError(t *testing.T) {
	_, err := CompileBytes([]byte(`plan: {`), "broken.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.cue")
}

func TestCompilePlanIncomplete(t *testing.T) {
	_, err := CompileBytes([]byte(`
plan: versions: v1: {
	from: string
	rule: {metric: "count"}
}
`), "x.cue")
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.cue")
	require.NoError(t, os.WriteFile(path, []byte(ordersPlan), 0o644))

	plan, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "orders-2024", plan.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cue"))
	require.Error(t, err)
}

func TestCompileErrorWithoutPosition(t *testing.T) {
	err := &CompileError{Field: "plan", Message: "plan is required"}
	assert.Equal(t, "plan: plan is required", err.Error())
}
