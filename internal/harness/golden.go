package harness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/pipeline"
)

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON.
// Fingerprints, batch IDs, attempts and durations are left out so the
// snapshot only changes when recovered state does.
func (s *Snapshot) toCanonicalMap() map[string]any {
	windows := make([]any, len(s.Windows))
	for i, w := range s.Windows {
		windows[i] = map[string]any{
			"start":      w.Start.UTC().Format(time.RFC3339),
			"end":        w.End.UTC().Format(time.RFC3339),
			"confidence": fmt.Sprintf("%.2f", w.Confidence),
			"buckets":    len(w.BucketIndexes),
		}
	}

	outcomes := make([]any, len(s.Outcomes))
	for i, out := range s.Outcomes {
		outcomes[i] = outcomeMap(out)
	}

	live := make([]any, len(s.Live))
	for i, row := range s.Live {
		live[i] = rowMap(row.Key, row.Value, row.LogicVersion)
	}

	m := map[string]any{
		"scenario": s.Scenario,
		"windows":  windows,
		"outcomes": outcomes,
		"live":     live,
	}
	if s.Err != "" {
		m["error"] = s.Err
	}
	return m
}

func outcomeMap(out pipeline.Outcome) map[string]any {
	m := map[string]any{}
	if out.RunID != "" {
		m["run_id"] = out.RunID
	}
	if out.Report != nil {
		var events int64
		for _, p := range out.Report.Partitions {
			events += p.Events
		}
		results := make([]any, len(out.Report.Results))
		for i, r := range out.Report.Results {
			results[i] = rowMap(r.Key, r.Value, r.LogicVersion)
		}
		m["complete"] = out.Report.Complete()
		m["events"] = events
		m["results"] = results
	}

	corrections := make([]any, len(out.Corrections))
	for i, c := range out.Corrections {
		cm := map[string]any{"key": c.Key, "reason": string(c.Reason)}
		if c.OldValue != nil {
			cm["old"] = c.OldValue
		}
		if c.NewValue != nil {
			cm["new"] = c.NewValue
		}
		corrections[i] = cm
	}
	m["corrections"] = corrections
	m["summary"] = map[string]any{
		"matched":    out.Summary.Matched,
		"missing":    out.Summary.Missing,
		"mismatched": out.Summary.Mismatched,
		"stale":      out.Summary.Stale,
	}
	if out.Applied != nil {
		m["applied"] = out.Applied.Corrections
	}
	if out.Skipped != "" {
		m["skipped"] = out.Skipped
	}
	if out.Err != nil {
		m["error"] = out.Err.Error()
	}
	return m
}

func rowMap(key string, value ir.IRValue, logicVersion string) map[string]any {
	return map[string]any{"key": key, "value": value, "logic_version": logicVersion}
}

// MarshalSnapshot renders a snapshot as one line of canonical JSON.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	data, err := ir.MarshalCanonical(s.toCanonicalMap())
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's snapshot against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(&result.Snapshot)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
