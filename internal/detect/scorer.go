package detect

import (
	"math"
	"slices"

	"github.com/roach88/rewind/internal/ir"
)

// Scorer assigns an anomaly score to every bucket. Higher is more anomalous.
type Scorer interface {
	Score(buckets []ir.TimeBucket) []float64
}

// Consistency constants that make MAD and mean absolute deviation estimate
// the standard deviation of normally distributed data.
const (
	madScale    = 1.4826
	meanADScale = 1.2533
)

// RobustZScorer scores |x - median| / (1.4826 * MAD).
//
// When more than half the buckets share one value the MAD is zero; the
// scorer then falls back to 1.2533 * mean absolute deviation from the median.
// When that is also zero the series is flat and every score is zero.
type RobustZScorer struct{}

// Score implements Scorer.
func (RobustZScorer) Score(buckets []ir.TimeBucket) []float64 {
	scores := make([]float64, len(buckets))
	if len(buckets) == 0 {
		return scores
	}

	xs := make([]float64, len(buckets))
	for i, b := range buckets {
		xs[i] = float64(b.Value)
	}
	med := median(xs)

	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - med)
	}

	scale := madScale * median(dev)
	if scale == 0 {
		var sum float64
		for _, d := range dev {
			sum += d
		}
		scale = meanADScale * (sum / float64(len(dev)))
	}
	if scale == 0 {
		return scores
	}

	for i, d := range dev {
		scores[i] = d / scale
	}
	return scores
}

// median returns the median of xs without modifying it.
func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
