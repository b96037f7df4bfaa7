package vision

import (
	"image"
	"math"

	"github.com/clalos/hive-traffic-counter/internal/config"
	"github.com/clalos/hive-traffic-counter/internal/raster"
)

// Direction records where a tracked object first appeared.
type Direction int

const (
	// Unknown is the tag of a freshly extracted center, before tracking.
	Unknown Direction = iota
	// FromOutside marks an object that appeared in the upper half of the ROI.
	FromOutside
	// FromHive marks an object that appeared in the lower half of the ROI.
	FromHive
)

// String returns a string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case FromOutside:
		return "FROM_OUTSIDE"
	case FromHive:
		return "FROM_HIVE"
	default:
		return "UNKNOWN"
	}
}

// Center is one object center in ROI coordinates.
type Center struct {
	Point     image.Point
	Direction Direction
}

// Distance is the Euclidean distance between two points.
func Distance(a, b image.Point) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

// CenterExtractor walks ridge maps rightward and emits the peak of every
// sufficiently long ridge segment.
type CenterExtractor struct {
	// Trivial ridge values at or below this are never visited.
	Trivial uint16
	// Span is how many rows above and below the walk may step per column.
	Span int
	// MinRun is the segment length required before a peak may be emitted.
	MinRun int
	// Margin rows at the top and bottom never start a walk.
	Margin int
	// MergeRadius is the minimum distance between two emitted centers.
	MergeRadius float64
}

// NewCenterExtractor builds a CenterExtractor from tuning.
func NewCenterExtractor(t config.Tuning) CenterExtractor {
	return CenterExtractor{
		Trivial:     t.TrivialRidgeValue,
		Span:        t.WalkSpan,
		MinRun:      t.MinRunLength,
		Margin:      t.EdgeMargin,
		MergeRadius: t.MergeRadius,
	}
}

// Extract returns the deduplicated centers of g, all tagged Unknown.
func (e CenterExtractor) Extract(g *raster.Grid) []Center {
	return Dedupe(e.Candidates(g), e.MergeRadius)
}

// Candidates returns every emitted peak in discovery order, before merging.
func (e CenterExtractor) Candidates(g *raster.Grid) []image.Point {
	w, h := g.Width, g.Height
	if w < 3 || h == 0 {
		return nil
	}

	visited := make([]bool, len(g.Pix))
	for i, v := range g.Pix {
		visited[i] = v <= e.Trivial
	}

	var found []image.Point
	for row := e.Margin; row < h-e.Margin; row++ {
		for col := 1; col < w-1; col++ {
			if visited[row*w+col] {
				continue
			}
			visited[row*w+col] = true
			found = e.walk(g, visited, image.Pt(col, row), found)
		}
	}
	return found
}

// walk follows one ridge from start, appending emitted peaks to found.
func (e CenterExtractor) walk(g *raster.Grid, visited []bool, start image.Point, found []image.Point) []image.Point {
	w, h := g.Width, g.Height
	cur, curV := start, g.At(start.X, start.Y)
	runLen := 1

	for cur.X < w-1 {
		next, ok := image.Point{}, false
		for k := -e.Span; k <= e.Span; k++ {
			y := cur.Y + k
			if y < 0 || y >= h {
				continue
			}
			i := y*w + cur.X + 1
			if visited[i] {
				continue
			}
			visited[i] = true
			if g.Pix[i] != 0 {
				next, ok = image.Pt(cur.X+1, y), true
				break
			}
		}
		if !ok {
			return found
		}

		// The step has been taken, so prev is always a real ridge cell here.
		prev, prevV := cur, curV
		cur, curV = next, g.At(next.X, next.Y)
		runLen++

		if prevV > curV {
			if runLen < e.MinRun {
				return found
			}
			found = append(found, prev)
			runLen = 1
		}
	}
	return found
}

// Dedupe keeps candidates in discovery order, dropping any closer than radius
// to a center already kept. No two returned centers are closer than radius.
func Dedupe(candidates []image.Point, radius float64) []Center {
	kept := make([]Center, 0, len(candidates))
	for _, p := range candidates {
		merged := false
		for _, c := range kept {
			if Distance(p, c.Point) < radius {
				merged = true
				break
			}
		}
		if !merged {
			kept = append(kept, Center{Point: p, Direction: Unknown})
		}
	}
	return kept
}
