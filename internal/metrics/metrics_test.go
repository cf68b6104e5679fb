package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(ReplayUnits.WithLabelValues("completed"))
	ReplayUnits.WithLabelValues("completed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ReplayUnits.WithLabelValues("completed")))

	before = testutil.ToFloat64(Corrections.WithLabelValues("missing"))
	Corrections.WithLabelValues("missing").Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(Corrections.WithLabelValues("missing")))
}
