package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines one end-to-end recovery run.
type Scenario struct {
	// Name uniquely identifies this scenario. It is also the run ID.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Plan is inline CUE holding a top-level plan field.
	Plan string `yaml:"plan,omitempty"`

	// PlanFile points at a .cue plan. Relative paths resolve against the
	// scenario file location.
	PlanFile string `yaml:"plan_file,omitempty"`

	// Events are appended to the archive before the run.
	Events []EventSpec `yaml:"events"`

	// Retention maps a partition to its RFC 3339 retention floor.
	Retention map[string]string `yaml:"retention,omitempty"`

	// Live rows seed the live store.
	Live []LiveRow `yaml:"live,omitempty"`

	Recover RecoverSpec `yaml:"recover"`

	// Assertions validate the outcome and the final live state.
	Assertions []Assertion `yaml:"assertions"`
}

// EventSpec is one archived event. A zero Offset is assigned on seeding.
type EventSpec struct {
	ID        string         `yaml:"id"`
	Partition string         `yaml:"partition"`
	Key       string         `yaml:"key"`
	At        string         `yaml:"at"`
	Offset    int64          `yaml:"offset,omitempty"`
	Payload   map[string]any `yaml:"payload,omitempty"`
}

// LiveRow is one row of the live store before the run.
type LiveRow struct {
	Key          string `yaml:"key"`
	Value        any    `yaml:"value"`
	LogicVersion string `yaml:"logic_version"`
}

// RecoverSpec selects what to recover and how.
type RecoverSpec struct {
	// Window skips detection. Exactly one of Window and Scan is set.
	Window *RangeSpec `yaml:"window,omitempty"`

	// Scan is searched for failure windows.
	Scan *RangeSpec `yaml:"scan,omitempty"`

	// BucketWidth defaults to the plan's detect tuning, then one minute.
	BucketWidth string `yaml:"bucket_width,omitempty"`

	HealthPartitions []string `yaml:"health_partitions,omitempty"`

	// Metric and Field select the health metric. Metric defaults to count.
	Metric string `yaml:"metric,omitempty"`
	Field  string `yaml:"field,omitempty"`

	KeyBuckets      int      `yaml:"key_buckets,omitempty"`
	Keys            []string `yaml:"keys,omitempty"`
	DryRun          bool     `yaml:"dry_run,omitempty"`
	RequireInReplay bool     `yaml:"require_in_replay,omitempty"`
	ApplyPartial    bool     `yaml:"apply_partial,omitempty"`
}

// RangeSpec is a right-open RFC 3339 interval.
type RangeSpec struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Assertion validates the run outcome or the final live state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Key is the live key (live_value, correction).
	Key string `yaml:"key,omitempty"`

	// Value is the expected live value (live_value).
	Value any `yaml:"value,omitempty"`

	// Absent expects the key to be missing from the live store (live_value).
	Absent bool `yaml:"absent,omitempty"`

	// Reason is missing, mismatched or stale (correction).
	Reason string `yaml:"reason,omitempty"`

	// Expect holds a subset of matched/missing/mismatched/stale (summary).
	Expect map[string]int `yaml:"expect,omitempty"`

	// Count is the expected number (window_count, applied_count).
	Count *int `yaml:"count,omitempty"`

	// Contains is a substring of the run error (error).
	Contains string `yaml:"contains,omitempty"`
}

// Assertion type constants.
const (
	AssertLiveValue    = "live_value"
	AssertCorrection   = "correction"
	AssertSummary      = "summary"
	AssertWindowCount  = "window_count"
	AssertAppliedCount = "applied_count"
	AssertError        = "error"
)

var summaryFields = map[string]bool{"matched": true, "missing": true, "mismatched": true, "stale": true}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.PlanFile != "" && !filepath.IsAbs(scenario.PlanFile) {
		scenario.PlanFile = filepath.Join(filepath.Dir(path), scenario.PlanFile)
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if (s.Plan == "") == (s.PlanFile == "") {
		return fmt.Errorf("exactly one of plan and plan_file is required")
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("at least one event is required")
	}

	ids := make(map[string]bool, len(s.Events))
	for i, ev := range s.Events {
		if ev.ID == "" || ev.Partition == "" {
			return fmt.Errorf("events[%d]: id and partition are required", i)
		}
		if ids[ev.ID] {
			return fmt.Errorf("events[%d]: duplicate id %q", i, ev.ID)
		}
		ids[ev.ID] = true
		if _, err := parseTime(ev.At); err != nil {
			return fmt.Errorf("events[%d].at: %w", i, err)
		}
		if ev.Offset < 0 {
			return fmt.Errorf("events[%d].offset must not be negative", i)
		}
	}

	for partition, floor := range s.Retention {
		if _, err := parseTime(floor); err != nil {
			return fmt.Errorf("retention[%s]: %w", partition, err)
		}
	}

	for i, row := range s.Live {
		if row.Key == "" || row.Value == nil {
			return fmt.Errorf("live[%d]: key and value are required", i)
		}
	}

	if err := validateRecover(&s.Recover); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(&assertion); err != nil {
			return fmt.Errorf("assertion[%d]: %w", i, err)
		}
	}
	return nil
}

func validateRecover(r *RecoverSpec) error {
	if (r.Window == nil) == (r.Scan == nil) {
		return fmt.Errorf("exactly one of window and scan is required")
	}
	for name, rng := range map[string]*RangeSpec{"window": r.Window, "scan": r.Scan} {
		if rng == nil {
			continue
		}
		if _, err := rng.timeRange(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if r.BucketWidth != "" {
		d, err := time.ParseDuration(r.BucketWidth)
		if err != nil || d <= 0 {
			return fmt.Errorf("bucket_width %q is not a positive duration", r.BucketWidth)
		}
	}
	if r.KeyBuckets < 0 {
		return fmt.Errorf("key_buckets must not be negative")
	}
	return nil
}

func validateAssertion(a *Assertion) error {
	switch a.Type {
	case AssertLiveValue:
		if a.Key == "" {
			return fmt.Errorf("live_value requires 'key' field")
		}
		if (a.Value == nil) == !a.Absent {
			return fmt.Errorf("live_value requires exactly one of 'value' and 'absent'")
		}
	case AssertCorrection:
		if a.Key == "" || a.Reason == "" {
			return fmt.Errorf("correction requires 'key' and 'reason' fields")
		}
		switch a.Reason {
		case "missing", "mismatched", "stale":
		default:
			return fmt.Errorf("unknown correction reason %q", a.Reason)
		}
	case AssertSummary:
		if len(a.Expect) == 0 {
			return fmt.Errorf("summary requires 'expect' field")
		}
		for k := range a.Expect {
			if !summaryFields[k] {
				return fmt.Errorf("summary: unknown count %q", k)
			}
		}
	case AssertWindowCount, AssertAppliedCount:
		if a.Count == nil {
			return fmt.Errorf("%s requires 'count' field", a.Type)
		}
	case AssertError:
		if a.Contains == "" {
			return fmt.Errorf("error requires 'contains' field")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not an RFC 3339 timestamp", s)
	}
	return t.UTC(), nil
}
