package ir

import (
	"fmt"
	"time"
)

// Event is one immutable archived record.
// Events are totally ordered within a partition by SequenceOffset.
type Event struct {
	ID             string    `json:"id"`
	Partition      string    `json:"partition"`
	Key            string    `json:"key"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceOffset int64     `json:"sequence_offset"`
	Payload        IRObject  `json:"payload"`
}

// TimeRange is a right-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks that the range is non-empty.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("time range: start and end are required")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("time range: end %s must be after start %s",
			r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside [Start, End).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// String formats the range for logs and error messages.
func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339))
}

// TimeBucket is one cell of the aggregation grid, covering [Start, Start+Width).
// Derived and regenerated on demand; never a source of truth.
type TimeBucket struct {
	Start time.Time     `json:"bucket_start"`
	Width time.Duration `json:"width"`
	Value int64         `json:"metric_value"`
}

// End returns the exclusive end of the bucket.
func (b TimeBucket) End() time.Time {
	return b.Start.Add(b.Width)
}

// FailureWindow is a candidate interval of missed or mis-processed events.
// A detection run produces new instances; windows are never edited in place.
type FailureWindow struct {
	ID            string      `json:"id"`
	Start         time.Time   `json:"start"`
	End           time.Time   `json:"end"`
	Confidence    float64     `json:"confidence"`
	BucketIndexes []int       `json:"bucket_ids"`
	BucketStarts  []time.Time `json:"bucket_starts"`
}

// Range returns the window as a TimeRange.
func (w FailureWindow) Range() TimeRange {
	return TimeRange{Start: w.Start, End: w.End}
}

// ReplayResult is the recomputed value for one key in one replay run.
type ReplayResult struct {
	Key          string  `json:"key"`
	Value        IRValue `json:"recalculated_value"`
	LogicVersion string  `json:"logic_version"`
	Fingerprint  string  `json:"fingerprint"`
}

// LiveResult is the externally owned current value for one key.
type LiveResult struct {
	Key          string  `json:"key"`
	Value        IRValue `json:"value"`
	LogicVersion string  `json:"logic_version"`
	Fingerprint  string  `json:"fingerprint"`
}

// Reason classifies a discrepancy between replayed and live state.
type Reason string

const (
	// ReasonMissing marks a key the live store never had.
	ReasonMissing Reason = "missing"
	// ReasonMismatched marks a key whose fingerprints differ.
	ReasonMismatched Reason = "mismatched"
	// ReasonStale marks a live key absent from a replay that must cover it.
	ReasonStale Reason = "stale"
)

// Correction is a single key's old/new pair destined for atomic application.
// NewValue nil means the key is removed from the live store.
type Correction struct {
	Key            string  `json:"key"`
	OldValue       IRValue `json:"old_value"`
	NewValue       IRValue `json:"new_value"`
	OldFingerprint string  `json:"old_fingerprint,omitempty"`
	NewFingerprint string  `json:"new_fingerprint,omitempty"`
	LogicVersion   string  `json:"logic_version,omitempty"`
	Reason         Reason  `json:"reason"`
}

// Metric names the fold a LogicVersion applies per key.
type Metric string

const (
	MetricSum   Metric = "sum"
	MetricCount Metric = "count"
	MetricMax   Metric = "max"
	MetricMin   Metric = "min"
	MetricLast  Metric = "last"
)

// ValidMetrics defines the allowed rule metrics.
var ValidMetrics = map[Metric]bool{
	MetricSum:   true,
	MetricCount: true,
	MetricMax:   true,
	MetricMin:   true,
	MetricLast:  true,
}

// RuleSpec is the declarative recomputation rule of a LogicVersion.
type RuleSpec struct {
	Metric Metric `json:"metric" yaml:"metric"`
	Field  string `json:"field,omitempty" yaml:"field,omitempty"`
}

// LogicVersion binds a rule set to the historical range it was in effect.
// Until is exclusive; a zero Until means the version is still current.
type LogicVersion struct {
	ID    string    `json:"id"`
	From  time.Time `json:"from"`
	Until time.Time `json:"until,omitzero"`
	Rule  RuleSpec  `json:"rule"`
}

// Covers reports whether the version was in effect at t.
func (v LogicVersion) Covers(t time.Time) bool {
	if t.Before(v.From) {
		return false
	}
	return v.Until.IsZero() || t.Before(v.Until)
}

// Checkpoint is the durable progress marker of one replay partition.
type Checkpoint struct {
	RunID        string   `json:"run_id"`
	PartitionID  string   `json:"partition_id"`
	LastOffset   int64    `json:"last_offset"`
	LogicVersion string   `json:"logic_version"`
	State        IRObject `json:"state"`
	Events       int64    `json:"events"`
	Done         bool     `json:"done"`
}
