package replay

import (
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// UnitStatus is the terminal state of one unit.
type UnitStatus string

const (
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitAbandoned UnitStatus = "abandoned"
)

// PartitionStatus describes how one unit ended.
type PartitionStatus struct {
	ID        string     `json:"id"`
	Partition string     `json:"partition"`
	Bucket    int        `json:"bucket"`
	Status    UnitStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Events    int64      `json:"events"`
	Keys      int        `json:"keys"`
	Resumed   bool       `json:"resumed,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Report is the outcome of one replay run.
type Report struct {
	RunID      string                  `json:"run_id"`
	Range      ir.TimeRange            `json:"range"`
	Results    []ir.ReplayResult       `json:"results"`
	Partitions []PartitionStatus       `json:"partitions"`
	Failed     []*PartitionFailedError `json:"-"`
	Duration   time.Duration           `json:"duration"`
}

// Complete reports whether every unit finished. Results of an incomplete
// report cover only the completed units.
func (r *Report) Complete() bool {
	for _, p := range r.Partitions {
		if p.Status != UnitCompleted {
			return false
		}
	}
	return true
}

// Abandoned lists units stopped by cancellation.
func (r *Report) Abandoned() []string {
	var ids []string
	for _, p := range r.Partitions {
		if p.Status == UnitAbandoned {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// EventsFolded sums folded events across units.
func (r *Report) EventsFolded() int64 {
	var n int64
	for _, p := range r.Partitions {
		n += p.Events
	}
	return n
}
