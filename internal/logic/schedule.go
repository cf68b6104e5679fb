// Package logic resolves which recomputation rules applied at a point in time.
//
// A Schedule is the ordered history of LogicVersions. Replay resolves the
// version for each event from the event's own timestamp, never from the
// current wall clock, so history is recomputed under the rules that were in
// effect when it happened.
package logic

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// ErrNoLogicVersion is returned when no version covers a timestamp.
var ErrNoLogicVersion = errors.New("no logic version covers timestamp")

// Version is a LogicVersion with its compiled rule.
type Version struct {
	ir.LogicVersion
	Folder Rule
}

// Schedule is an ordered, non-overlapping set of versions.
type Schedule struct {
	versions []Version
}

// NewSchedule validates and compiles versions. Versions may be given in any
// order; they must not overlap and only the last may be open-ended.
func NewSchedule(versions []ir.LogicVersion) (*Schedule, error) {
	if len(versions) == 0 {
		return nil, fmt.Errorf("schedule: at least one logic version is required")
	}

	sorted := slices.Clone(versions)
	slices.SortFunc(sorted, func(a, b ir.LogicVersion) int { return a.From.Compare(b.From) })

	seen := make(map[string]bool, len(sorted))
	compiled := make([]Version, 0, len(sorted))
	for i, v := range sorted {
		if v.ID == "" {
			return nil, fmt.Errorf("schedule: version %d has no id", i)
		}
		if seen[v.ID] {
			return nil, fmt.Errorf("schedule: duplicate version id %q", v.ID)
		}
		seen[v.ID] = true

		if v.From.IsZero() {
			return nil, fmt.Errorf("schedule: version %q has no start", v.ID)
		}
		if !v.Until.IsZero() && !v.Until.After(v.From) {
			return nil, fmt.Errorf("schedule: version %q ends before it starts", v.ID)
		}
		if i > 0 {
			prev := sorted[i-1]
			if prev.Until.IsZero() {
				return nil, fmt.Errorf("schedule: open-ended version %q is followed by %q", prev.ID, v.ID)
			}
			if v.From.Before(prev.Until) {
				return nil, fmt.Errorf("schedule: version %q overlaps %q", v.ID, prev.ID)
			}
		}

		rule, err := NewRule(v.Rule)
		if err != nil {
			return nil, fmt.Errorf("schedule: version %q: %w", v.ID, err)
		}
		compiled = append(compiled, Version{LogicVersion: v, Folder: rule})
	}
	return &Schedule{versions: compiled}, nil
}

// Resolve returns the version in effect at ts.
func (s *Schedule) Resolve(ts time.Time) (Version, error) {
	// First version starting after ts; the candidate is the one before it.
	i := sort.Search(len(s.versions), func(i int) bool { return s.versions[i].From.After(ts) })
	if i > 0 && s.versions[i-1].Covers(ts) {
		return s.versions[i-1], nil
	}
	return Version{}, fmt.Errorf("%w: %s", ErrNoLogicVersion, ts.UTC().Format(time.RFC3339Nano))
}

// Versions returns the compiled versions in time order.
func (s *Schedule) Versions() []ir.LogicVersion {
	out := make([]ir.LogicVersion, len(s.versions))
	for i, v := range s.versions {
		out[i] = v.LogicVersion
	}
	return out
}

// IDs returns the version IDs in time order.
func (s *Schedule) IDs() []string {
	out := make([]string, len(s.versions))
	for i, v := range s.versions {
		out[i] = v.ID
	}
	return out
}
