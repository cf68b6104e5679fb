// Package detect localizes failure windows in bucketed metric series.
package detect

import (
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// DefaultThreshold is the robust z-score above which a bucket is flagged.
const DefaultThreshold = 3.5

// ErrInconclusive is returned by DetectOne when no bucket is flagged.
// It is a normal outcome; callers fall back to a manually supplied range.
var ErrInconclusive = errors.New("detector inconclusive: no anomalous buckets")

// Detector groups flagged buckets into failure windows.
type Detector struct {
	// Scorer defaults to RobustZScorer.
	Scorer Scorer

	// Threshold defaults to DefaultThreshold. A bucket is flagged when its
	// score is strictly greater.
	Threshold float64

	// GapTolerance is how many unflagged buckets may sit inside one window.
	GapTolerance int

	// MinBuckets drops windows with fewer flagged buckets. Zero means 1.
	MinBuckets int

	Logger *slog.Logger
}

func (d Detector) scorer() Scorer {
	if d.Scorer == nil {
		return RobustZScorer{}
	}
	return d.Scorer
}

func (d Detector) threshold() float64 {
	if d.Threshold <= 0 {
		return DefaultThreshold
	}
	return d.Threshold
}

func (d Detector) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Detect returns one window per run of flagged buckets, in time order.
// Buckets must be a uniform grid in time order, as produced by the aggregate
// package. Returns nil when nothing is flagged.
func (d Detector) Detect(buckets []ir.TimeBucket) []ir.FailureWindow {
	if len(buckets) == 0 {
		return nil
	}
	threshold := d.threshold()
	scores := d.scorer().Score(buckets)

	var (
		windows []ir.FailureWindow
		run     []int
		gap     int
	)
	flush := func() {
		if len(run) > 0 && len(run) >= max(d.MinBuckets, 1) {
			windows = append(windows, newWindow(buckets, scores, run, threshold))
		}
		run, gap = nil, 0
	}

	for i, s := range scores {
		if s > threshold {
			run = append(run, i)
			gap = 0
			continue
		}
		if len(run) == 0 {
			continue
		}
		gap++
		if gap > d.GapTolerance {
			flush()
		}
	}
	flush()

	d.logger().Debug("detection finished",
		"buckets", len(buckets),
		"threshold", threshold,
		"windows", len(windows),
	)
	return windows
}

// DetectOne returns the most confident window, or ErrInconclusive.
// Ties go to the earliest window.
func (d Detector) DetectOne(buckets []ir.TimeBucket) (ir.FailureWindow, error) {
	windows := d.Detect(buckets)
	if len(windows) == 0 {
		return ir.FailureWindow{}, ErrInconclusive
	}
	best := windows[0]
	for _, w := range windows[1:] {
		if w.Confidence > best.Confidence {
			best = w
		}
	}
	return best, nil
}

// newWindow builds the window covering the flagged bucket indexes in run.
// Confidence is clamp(1 - threshold/mean flagged score, 0, 1).
func newWindow(buckets []ir.TimeBucket, scores []float64, run []int, threshold float64) ir.FailureWindow {
	first, last := buckets[run[0]], buckets[run[len(run)-1]]

	var sum float64
	starts := make([]time.Time, 0, len(run))
	for _, i := range run {
		sum += scores[i]
		starts = append(starts, buckets[i].Start)
	}
	mean := sum / float64(len(run))
	confidence := min(max(1-threshold/mean, 0), 1)

	indexes := append([]int(nil), run...)
	start, end := first.Start, last.End()
	return ir.FailureWindow{
		ID:            ir.WindowID(start, end, indexes),
		Start:         start,
		End:           end,
		Confidence:    confidence,
		BucketIndexes: indexes,
		BucketStarts:  starts,
	}
}
