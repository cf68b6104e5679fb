package aggregate

import (
	"fmt"
	"math"

	"github.com/roach88/rewind/internal/ir"
)

// Metric reduces events to one integer per bucket.
// Combine must be commutative and associative with Identity as its neutral
// element, so a bucket's value does not depend on event arrival order.
type Metric struct {
	Name     string
	Identity int64

	// Extract returns the event's contribution; ok=false skips the event.
	Extract func(ev ir.Event) (v int64, ok bool)
	Combine func(a, b int64) int64
}

// Sum adds the integer payload field.
func Sum(field string) Metric {
	return Metric{
		Name:     "sum(" + field + ")",
		Identity: 0,
		Extract:  fieldExtractor(field),
		Combine:  func(a, b int64) int64 { return a + b },
	}
}

// Count counts events.
func Count() Metric {
	return Metric{
		Name:     "count",
		Identity: 0,
		Extract:  func(ir.Event) (int64, bool) { return 1, true },
		Combine:  func(a, b int64) int64 { return a + b },
	}
}

// Max keeps the largest value of the integer payload field.
func Max(field string) Metric {
	return Metric{
		Name:     "max(" + field + ")",
		Identity: math.MinInt64,
		Extract:  fieldExtractor(field),
		Combine:  func(a, b int64) int64 { return max(a, b) },
	}
}

// Min keeps the smallest value of the integer payload field.
func Min(field string) Metric {
	return Metric{
		Name:     "min(" + field + ")",
		Identity: math.MaxInt64,
		Extract:  fieldExtractor(field),
		Combine:  func(a, b int64) int64 { return min(a, b) },
	}
}

// MetricFor builds the metric named by spec. "last" is order-dependent and
// therefore not an aggregation metric.
func MetricFor(spec ir.RuleSpec) (Metric, error) {
	switch spec.Metric {
	case ir.MetricCount:
		return Count(), nil
	case ir.MetricSum, ir.MetricMax, ir.MetricMin:
		if spec.Field == "" {
			return Metric{}, fmt.Errorf("metric %s requires a field", spec.Metric)
		}
		switch spec.Metric {
		case ir.MetricSum:
			return Sum(spec.Field), nil
		case ir.MetricMax:
			return Max(spec.Field), nil
		default:
			return Min(spec.Field), nil
		}
	default:
		return Metric{}, fmt.Errorf("metric %q is not commutative and associative", spec.Metric)
	}
}

func fieldExtractor(field string) func(ir.Event) (int64, bool) {
	return func(ev ir.Event) (int64, bool) {
		return ev.Payload.Int(field)
	}
}
