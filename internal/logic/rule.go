package logic

import (
	"errors"
	"fmt"

	"github.com/roach88/rewind/internal/ir"
)

// ErrBadEvent marks an event a rule cannot fold. It is permanent: replaying
// the same event again fails the same way.
var ErrBadEvent = errors.New("event cannot be folded")

// Rule is a per-key fold. Fold must be a pure function of its inputs.
type Rule interface {
	// Initial returns the accumulator before any event; nil means "no value yet".
	Initial() ir.IRValue
	Fold(acc ir.IRValue, ev ir.Event) (ir.IRValue, error)
}

// NewRule builds the rule named by spec.
func NewRule(spec ir.RuleSpec) (Rule, error) {
	if !ir.ValidMetrics[spec.Metric] {
		return nil, fmt.Errorf("unknown metric %q", spec.Metric)
	}
	if spec.Metric != ir.MetricCount && spec.Field == "" {
		return nil, fmt.Errorf("metric %s requires a field", spec.Metric)
	}

	switch spec.Metric {
	case ir.MetricSum:
		return sumRule{field: spec.Field}, nil
	case ir.MetricCount:
		return countRule{}, nil
	case ir.MetricMax:
		return extremeRule{field: spec.Field, keep: func(a, b int64) bool { return b > a }}, nil
	case ir.MetricMin:
		return extremeRule{field: spec.Field, keep: func(a, b int64) bool { return b < a }}, nil
	default:
		return lastRule{field: spec.Field}, nil
	}
}

type sumRule struct{ field string }

func (sumRule) Initial() ir.IRValue { return ir.IRInt(0) }

func (r sumRule) Fold(acc ir.IRValue, ev ir.Event) (ir.IRValue, error) {
	cur, err := accInt(acc)
	if err != nil {
		return nil, err
	}
	v, err := fieldInt(ev, r.field)
	if err != nil {
		return nil, err
	}
	sum, ok := addInt64(cur, v)
	if !ok {
		return nil, fmt.Errorf("%w: event %s overflows sum of %q", ErrBadEvent, ev.ID, r.field)
	}
	return ir.IRInt(sum), nil
}

type countRule struct{}

func (countRule) Initial() ir.IRValue { return ir.IRInt(0) }

func (countRule) Fold(acc ir.IRValue, ev ir.Event) (ir.IRValue, error) {
	cur, err := accInt(acc)
	if err != nil {
		return nil, err
	}
	n, ok := addInt64(cur, 1)
	if !ok {
		return nil, fmt.Errorf("%w: event %s overflows count", ErrBadEvent, ev.ID)
	}
	return ir.IRInt(n), nil
}

// addInt64 reports ok=false when a+b wraps.
func addInt64(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}

type extremeRule struct {
	field string
	keep  func(cur, next int64) bool
}

func (extremeRule) Initial() ir.IRValue { return nil }

func (r extremeRule) Fold(acc ir.IRValue, ev ir.Event) (ir.IRValue, error) {
	v, err := fieldInt(ev, r.field)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return ir.IRInt(v), nil
	}
	cur, err := accInt(acc)
	if err != nil {
		return nil, err
	}
	if r.keep(cur, v) {
		return ir.IRInt(v), nil
	}
	return acc, nil
}

// lastRule keeps the payload field of the latest event by sequence offset.
// It is order dependent; replay folds each partition in offset order.
type lastRule struct{ field string }

func (lastRule) Initial() ir.IRValue { return nil }

func (r lastRule) Fold(_ ir.IRValue, ev ir.Event) (ir.IRValue, error) {
	v, ok := ev.Payload[r.field]
	if !ok {
		return nil, fmt.Errorf("%w: event %s has no field %q", ErrBadEvent, ev.ID, r.field)
	}
	if _, isNull := v.(ir.IRNull); isNull {
		return nil, fmt.Errorf("%w: event %s field %q is null", ErrBadEvent, ev.ID, r.field)
	}
	return v, nil
}

func fieldInt(ev ir.Event, field string) (int64, error) {
	v, ok := ev.Payload.Int(field)
	if !ok {
		return 0, fmt.Errorf("%w: event %s has no integer field %q", ErrBadEvent, ev.ID, field)
	}
	return v, nil
}

func accInt(acc ir.IRValue) (int64, error) {
	switch v := acc.(type) {
	case nil:
		return 0, nil
	case ir.IRInt:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: accumulator holds %T, want integer", ErrBadEvent, acc)
	}
}
