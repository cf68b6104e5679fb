package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func series(width time.Duration, vals ...int64) []ir.TimeBucket {
	out := make([]ir.TimeBucket, len(vals))
	for i, v := range vals {
		out[i] = ir.TimeBucket{Start: t0.Add(time.Duration(i) * width), Width: width, Value: v}
	}
	return out
}

func TestRobustZScore(t *testing.T) {
	scores := RobustZScorer{}.Score(series(time.Minute, 10, 11, 9, 10, 0, 0, 10))
	require.Len(t, scores, 7)

	// median 10, MAD 1
	assert.InDelta(t, 10/1.4826, scores[4], 1e-9)
	assert.InDelta(t, 1/1.4826, scores[1], 1e-9)
	assert.Zero(t, scores[0])
}

func TestRobustZScoreMADZeroFallback(t *testing.T) {
	scores := RobustZScorer{}.Score(series(time.Minute, 10, 10, 10, 10, 10, 0))

	meanAD := 10.0 / 6
	assert.InDelta(t, 10/(1.2533*meanAD), scores[5], 1e-9)
	assert.Zero(t, scores[0])
}

func TestRobustZScoreFlatSeries(t *testing.T) {
	scores := RobustZScorer{}.Score(series(time.Minute, 5, 5, 5, 5))
	assert.Equal(t, []float64{0, 0, 0, 0}, scores)
	assert.Empty(t, RobustZScorer{}.Score(nil))
}

func TestDetectSingleWindow(t *testing.T) {
	width := 10 * time.Minute
	buckets := series(width, 10, 11, 9, 10, 0, 0, 10)

	windows := Detector{}.Detect(buckets)
	require.Len(t, windows, 1)

	w := windows[0]
	assert.Equal(t, []int{4, 5}, w.BucketIndexes)
	assert.Equal(t, t0.Add(4*width), w.Start)
	assert.Equal(t, t0.Add(6*width), w.End)
	assert.Equal(t, []time.Time{t0.Add(4 * width), t0.Add(5 * width)}, w.BucketStarts)
	assert.InDelta(t, 1-3.5/(10/1.4826), w.Confidence, 1e-9)
	assert.Equal(t, ir.WindowID(w.Start, w.End, w.BucketIndexes), w.ID)
}

func TestDetectMultipleWindowsAndGapTolerance(t *testing.T) {
	buckets := series(time.Minute, 10, 10, 0, 10, 0, 10, 10, 10, 10, 10, 10)

	windows := Detector{}.Detect(buckets)
	require.Len(t, windows, 2, "disjoint runs stay separate")
	assert.Equal(t, []int{2}, windows[0].BucketIndexes)
	assert.Equal(t, []int{4}, windows[1].BucketIndexes)

	merged := Detector{GapTolerance: 1}.Detect(buckets)
	require.Len(t, merged, 1)
	assert.Equal(t, []int{2, 4}, merged[0].BucketIndexes)
	assert.Equal(t, t0.Add(2*time.Minute), merged[0].Start)
	assert.Equal(t, t0.Add(5*time.Minute), merged[0].End)
}

func TestDetectMinBuckets(t *testing.T) {
	buckets := series(time.Minute, 10, 10, 0, 10, 0, 10, 10, 10, 10, 10, 10)
	assert.Empty(t, Detector{MinBuckets: 2}.Detect(buckets))
	assert.Len(t, Detector{MinBuckets: 2, GapTolerance: 1}.Detect(buckets), 1)
}

func TestDetectThreshold(t *testing.T) {
	buckets := series(time.Minute, 10, 11, 9, 10, 0, 0, 10)
	assert.Empty(t, Detector{Threshold: 7}.Detect(buckets))
	assert.Len(t, Detector{Threshold: 0.5}.Detect(buckets), 2, "low threshold flags the small wobble too")
}

func TestDetectOneInconclusive(t *testing.T) {
	_, err := Detector{}.DetectOne(series(time.Minute, 5, 5, 5, 5))
	assert.ErrorIs(t, err, ErrInconclusive)

	_, err = Detector{}.DetectOne(nil)
	assert.ErrorIs(t, err, ErrInconclusive)
}

func TestDetectOnePicksMostConfident(t *testing.T) {
	// The deeper drop at index 6 scores higher than the one at index 2.
	buckets := series(time.Minute, 20, 20, 5, 20, 20, 20, 0, 20, 20, 20, 20)
	require.Len(t, Detector{}.Detect(buckets), 2)

	w, err := Detector{}.DetectOne(buckets)
	require.NoError(t, err)
	assert.Equal(t, []int{6}, w.BucketIndexes)
}

type fixedScorer []float64

func (f fixedScorer) Score([]ir.TimeBucket) []float64 { return f }

func TestDetectPluggableScorer(t *testing.T) {
	buckets := series(time.Minute, 1, 2, 3)
	windows := Detector{Scorer: fixedScorer{0, 9, 0}, Threshold: 1}.Detect(buckets)
	require.Len(t, windows, 1)
	assert.Equal(t, []int{1}, windows[0].BucketIndexes)
	assert.InDelta(t, 1-1.0/9, windows[0].Confidence, 1e-9)
}
