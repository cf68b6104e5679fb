package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/reconcile"
)

// AssertionError describes a failed assertion with context.
type AssertionError struct {
	Index   int
	Type    string
	Message string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion[%d] (%s): %s", e.Index, e.Type, e.Message)
}

// evaluate checks every assertion against the result's snapshot. A run
// error no assertion expected is reported as a failure too.
func evaluate(result *Result, assertions []Assertion) {
	snap := &result.Snapshot
	expectedErr := false
	for i, a := range assertions {
		if a.Type == AssertError {
			expectedErr = true
		}
		if err := checkAssertion(snap, a); err != nil {
			result.AddError((&AssertionError{Index: i, Type: a.Type, Message: err.Error()}).Error())
		}
	}
	if snap.Err != "" && !expectedErr {
		result.AddError("run failed: " + snap.Err)
	}
	for _, out := range snap.Outcomes {
		if out.Err != nil && !expectedErr {
			result.AddError(fmt.Sprintf("window %s failed: %v", out.Window.Range(), out.Err))
		}
	}
}

func checkAssertion(snap *Snapshot, a Assertion) error {
	switch a.Type {
	case AssertLiveValue:
		return checkLiveValue(snap, a)
	case AssertCorrection:
		for _, out := range snap.Outcomes {
			for _, c := range out.Corrections {
				if c.Key == a.Key && string(c.Reason) == a.Reason {
					return nil
				}
			}
		}
		return fmt.Errorf("no %s correction for key %q", a.Reason, a.Key)
	case AssertSummary:
		return checkSummary(snap, a.Expect)
	case AssertWindowCount:
		if got := len(snap.Windows); got != *a.Count {
			return fmt.Errorf("expected %d window(s), got %d", *a.Count, got)
		}
	case AssertAppliedCount:
		got := 0
		for _, out := range snap.Outcomes {
			if out.Applied != nil {
				got++
			}
		}
		if got != *a.Count {
			return fmt.Errorf("expected %d applied batch(es), got %d", *a.Count, got)
		}
	case AssertError:
		for _, msg := range runErrors(snap) {
			if strings.Contains(msg, a.Contains) {
				return nil
			}
		}
		return fmt.Errorf("no error containing %q", a.Contains)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func checkLiveValue(snap *Snapshot, a Assertion) error {
	var row *ir.LiveResult
	for i := range snap.Live {
		if snap.Live[i].Key == a.Key {
			row = &snap.Live[i]
			break
		}
	}
	if a.Absent {
		if row != nil {
			return fmt.Errorf("expected key %q to be absent, found %s", a.Key, render(row.Value))
		}
		return nil
	}
	if row == nil {
		return fmt.Errorf("key %q not found in live store", a.Key)
	}
	want, err := ir.ToIRValue(a.Value)
	if err != nil {
		return fmt.Errorf("expected value: %w", err)
	}
	if !ir.ValuesEqual(want, row.Value) {
		return fmt.Errorf("key %q: expected %s, got %s", a.Key, render(want), render(row.Value))
	}
	return nil
}

func checkSummary(snap *Snapshot, expect map[string]int) error {
	var total reconcile.Summary
	for _, out := range snap.Outcomes {
		total.Matched += out.Summary.Matched
		total.Missing += out.Summary.Missing
		total.Mismatched += out.Summary.Mismatched
		total.Stale += out.Summary.Stale
	}
	got := map[string]int{
		"matched":    total.Matched,
		"missing":    total.Missing,
		"mismatched": total.Mismatched,
		"stale":      total.Stale,
	}

	var diffs []string
	for _, k := range []string{"matched", "missing", "mismatched", "stale"} {
		want, ok := expect[k]
		if ok && got[k] != want {
			diffs = append(diffs, fmt.Sprintf("%s: expected %d, got %d", k, want, got[k]))
		}
	}
	if len(diffs) > 0 {
		return fmt.Errorf("%s", strings.Join(diffs, "; "))
	}
	return nil
}

func runErrors(snap *Snapshot) []string {
	var msgs []string
	if snap.Err != "" {
		msgs = append(msgs, snap.Err)
	}
	for _, out := range snap.Outcomes {
		if out.Err != nil {
			msgs = append(msgs, out.Err.Error())
		}
	}
	return msgs
}

func render(v ir.IRValue) string {
	b, err := ir.MarshalIRValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
