// Package pipeline wires detection, replay, reconciliation and correction
// into one recovery run.
//
// Each failure window is recovered independently: a window whose replay or
// apply fails does not stop the others. Only an archive that no longer holds
// the requested range aborts the whole run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/rewind/internal/aggregate"
	"github.com/roach88/rewind/internal/apply"
	"github.com/roach88/rewind/internal/archive"
	"github.com/roach88/rewind/internal/detect"
	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/livestore"
	"github.com/roach88/rewind/internal/metrics"
	"github.com/roach88/rewind/internal/reconcile"
	"github.com/roach88/rewind/internal/replay"
)

// Skip reasons recorded on an outcome whose corrections were not applied.
const (
	SkipDryRun        = "dry_run"
	SkipPartial       = "partial_replay"
	SkipNoCorrections = "no_corrections"
)

// Pipeline holds the collaborators of a recovery run.
type Pipeline struct {
	Archive  archive.Reader
	Engine   *replay.Engine
	Live     livestore.Reader
	Applier  *apply.Applier
	Detector detect.Detector

	// Metric is the health series aggregated for detection.
	Metric aggregate.Metric

	// HealthPartitions are aggregated for detection; empty means Partitions.
	HealthPartitions []string

	// Partitions restricts aggregation and replay; empty means all.
	Partitions []string
	Plan       replay.PartitionPlan

	// ApplyPartial applies corrections from a replay with failed units.
	// Keys of failed units are absent from such a replay and never corrected.
	ApplyPartial bool

	Reconcile reconcile.Options
	Logger    *slog.Logger

	// Retune, when set, runs before each window so settings reloaded during
	// a long run take effect from the next window on.
	Retune func(*Pipeline)
}

// Request describes one recovery run.
type Request struct {
	// RunID names the replay run; windows after the first get a suffix.
	RunID string

	// Window skips detection and recovers exactly this range.
	Window *ir.TimeRange

	// Scan is the range aggregated for detection.
	Scan        ir.TimeRange
	BucketWidth time.Duration

	// Keys restricts replay and reconciliation to these keys.
	Keys []string

	// DryRun reconciles without applying.
	DryRun bool
}

// Outcome is the result of recovering one window.
type Outcome struct {
	Window      ir.FailureWindow    `json:"window"`
	RunID       string              `json:"run_id,omitempty"`
	Report      *replay.Report      `json:"replay,omitempty"`
	Corrections []ir.Correction     `json:"corrections"`
	Summary     reconcile.Summary   `json:"summary"`
	Applied     *apply.AppliedBatch `json:"applied,omitempty"`
	Skipped     string              `json:"skipped,omitempty"`
	Err         error               `json:"-"`
}

// Result is the outcome of a recovery run.
type Result struct {
	Buckets      []ir.TimeBucket    `json:"buckets,omitempty"`
	Windows      []ir.FailureWindow `json:"windows"`
	Inconclusive bool               `json:"inconclusive"`
	Outcomes     []Outcome          `json:"outcomes"`
}

// Failed reports whether any window did not recover cleanly.
func (r *Result) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return true
		}
		if o.Report != nil && !o.Report.Complete() {
			return true
		}
	}
	return false
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Run detects failure windows (unless req.Window is set) and recovers each.
// The returned error is non-nil only for setup problems and for ranges the
// archive no longer holds; per-window failures are reported on the outcomes.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if p.Engine == nil || p.Live == nil {
		return nil, fmt.Errorf("pipeline: replay engine and live store are required")
	}
	if !req.DryRun && p.Applier == nil {
		return nil, fmt.Errorf("pipeline: an applier is required unless dry-running")
	}

	res := &Result{Windows: []ir.FailureWindow{}, Outcomes: []Outcome{}}
	if req.Window != nil {
		if err := req.Window.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		res.Windows = append(res.Windows, ir.FailureWindow{
			ID:         ir.WindowID(req.Window.Start, req.Window.End, nil),
			Start:      req.Window.Start,
			End:        req.Window.End,
			Confidence: 1,
		})
	} else {
		windows, buckets, err := p.detect(ctx, req)
		if err != nil {
			return nil, err
		}
		res.Buckets = buckets
		res.Windows = append(res.Windows, windows...)
		res.Inconclusive = len(windows) == 0
	}

	if res.Inconclusive {
		p.logger().Info("detector inconclusive; nothing to recover", "scan", req.Scan.String())
		return res, nil
	}

	for i, w := range res.Windows {
		runID := req.RunID
		if runID != "" && i > 0 {
			runID = fmt.Sprintf("%s-w%d", req.RunID, i)
		}
		if p.Retune != nil {
			p.Retune(p)
		}
		out, err := p.recover(ctx, w, runID, req)
		res.Outcomes = append(res.Outcomes, out)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Pipeline) detect(ctx context.Context, req Request) ([]ir.FailureWindow, []ir.TimeBucket, error) {
	if p.Archive == nil {
		return nil, nil, fmt.Errorf("pipeline: detection needs an archive reader")
	}
	partitions := p.HealthPartitions
	if len(partitions) == 0 {
		partitions = p.Partitions
	}
	if len(partitions) == 0 {
		var err error
		partitions, err = p.Archive.Partitions(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: list partitions: %w", err)
		}
	}
	grid := aggregate.Grid{Start: req.Scan.Start, End: req.Scan.End, Width: req.BucketWidth}
	buckets, stats, err := aggregate.AggregateArchive(ctx, p.Archive, partitions, grid, p.Metric)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: aggregate: %w", err)
	}
	windows := p.Detector.Detect(buckets)
	metrics.WindowsDetected.Add(float64(len(windows)))

	p.logger().Info("detection finished",
		"scan", req.Scan.String(),
		"buckets", len(buckets),
		"events", stats.Events,
		"windows", len(windows),
	)
	return windows, buckets, nil
}

// recover replays, reconciles and applies one window. It returns an error
// only when the whole run must stop.
func (p *Pipeline) recover(ctx context.Context, w ir.FailureWindow, runID string, req Request) (Outcome, error) {
	out := Outcome{Window: w, Corrections: []ir.Correction{}}
	log := p.logger().With("window", w.Range().String())

	plan := p.Plan
	if len(p.Partitions) > 0 {
		plan.ArchivePartitions = p.Partitions
	}
	report, err := p.Engine.Replay(ctx, replay.Request{RunID: runID, Range: w.Range(), Keys: req.Keys, Plan: plan})
	if report != nil {
		out.Report = report
		out.RunID = report.RunID
	}
	if err != nil {
		out.Err = err
		if archive.IsRangeNotFound(err) {
			log.Error("archive no longer holds the window", "error", err)
			return out, err
		}
		log.Error("replay failed", "error", err)
		return out, nil
	}

	opts := p.Reconcile
	if len(req.Keys) > 0 {
		inScope := make(map[string]bool, len(req.Keys))
		for _, k := range req.Keys {
			inScope[k] = true
		}
		base := opts.InScope
		opts.InScope = func(k string) bool { return inScope[k] && (base == nil || base(k)) }
	}
	if !report.Complete() && opts.RequireInReplay {
		// Keys of failed units are absent, not stale.
		opts.RequireInReplay = false
	}
	corrections, summary, err := reconcile.Fetch(ctx, p.Live, report.Results, opts)
	if err != nil {
		out.Err = fmt.Errorf("reconcile: %w", err)
		log.Error("reconcile failed", "error", err)
		return out, nil
	}
	out.Corrections = corrections
	out.Summary = summary

	switch {
	case len(corrections) == 0:
		out.Skipped = SkipNoCorrections
	case req.DryRun:
		out.Skipped = SkipDryRun
	case !report.Complete() && !p.ApplyPartial:
		out.Skipped = SkipPartial
	default:
		applied, err := p.Applier.Apply(ctx, corrections)
		if err != nil {
			out.Err = err
			log.Error("apply failed", "error", err)
			return out, nil
		}
		out.Applied = &applied
	}

	log.Info("window recovered",
		"run_id", out.RunID,
		"matched", summary.Matched,
		"corrections", len(corrections),
		"skipped", out.Skipped,
	)
	return out, nil
}

// IsFatal reports whether a Run error means the archive lost the range.
func IsFatal(err error) bool {
	return errors.Is(err, archive.ErrRangeNotFound)
}
