package aggregate

import (
	"fmt"
	"time"
)

// Grid is a uniform run of right-open buckets [Start+i*Width, Start+(i+1)*Width)
// covering [Start, End). The last bucket may extend past End.
type Grid struct {
	Start time.Time
	End   time.Time
	Width time.Duration
}

// Validate checks the grid is non-empty with a positive width.
func (g Grid) Validate() error {
	if g.Width <= 0 {
		return fmt.Errorf("grid: bucket width must be positive, got %s", g.Width)
	}
	if !g.End.After(g.Start) {
		return fmt.Errorf("grid: end %s must be after start %s", g.End, g.Start)
	}
	return nil
}

// Len returns the number of buckets.
func (g Grid) Len() int {
	span := g.End.Sub(g.Start)
	n := span / g.Width
	if span%g.Width != 0 {
		n++
	}
	return int(n)
}

// Index returns the bucket holding t, or ok=false when t is off the grid.
func (g Grid) Index(t time.Time) (int, bool) {
	if t.Before(g.Start) || !t.Before(g.End) {
		return 0, false
	}
	return int(t.Sub(g.Start) / g.Width), true
}

// BucketStart returns the start of bucket i.
func (g Grid) BucketStart(i int) time.Time {
	return g.Start.Add(time.Duration(i) * g.Width)
}
