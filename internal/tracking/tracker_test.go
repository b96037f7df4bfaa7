package tracking

import (
	"context"
	"errors"
	"image"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clalos/hive-traffic-counter/internal/config"
	"github.com/clalos/hive-traffic-counter/internal/raster"
	"github.com/clalos/hive-traffic-counter/internal/vision"
)

const testHeight = 200

type fakeReporter struct {
	calls []Aggregate
	err   error
}

func (f *fakeReporter) Report(_ context.Context, agg Aggregate) error {
	f.calls = append(f.calls, agg)
	return f.err
}

type fakeSnapshotter struct {
	frames      []*raster.Color
	transitions []Transition
}

func (f *fakeSnapshotter) Snapshot(frame *raster.Color, tr Transition) error {
	f.frames = append(f.frames, frame)
	f.transitions = append(f.transitions, tr)
	return nil
}

func newTestTracker(r Reporter, s Snapshotter) *Tracker {
	return New(ConfigFromTuning(config.Default(), 7), r, s, nil)
}

func centers(pts ...image.Point) []vision.Center {
	out := make([]vision.Center, len(pts))
	for i, p := range pts {
		out[i] = vision.Center{Point: p}
	}
	return out
}

func step(t *Tracker, pts ...image.Point) Outcome {
	return t.Step(context.Background(), Observation{Centers: centers(pts...), Height: testHeight})
}

func TestMatchCentersGreedy(t *testing.T) {
	tests := []struct {
		name string
		prev []image.Point
		now  []image.Point
		max  float64
		want []Match
	}{
		{
			name: "closest pair wins",
			prev: []image.Point{{X: 0, Y: 0}, {X: 10, Y: 0}},
			now:  []image.Point{{X: 9, Y: 0}},
			max:  120,
			want: []Match{{Distance: 1, Prev: 1, Now: 0}},
		},
		{
			name: "greedy order not globally optimal",
			prev: []image.Point{{X: 0, Y: 0}, {X: 20, Y: 0}},
			now:  []image.Point{{X: 11, Y: 0}, {X: 30, Y: 0}},
			max:  120,
			want: []Match{{Distance: 9, Prev: 1, Now: 0}, {Distance: 30, Prev: 0, Now: 1}},
		},
		{
			name: "ties broken by previous then current index",
			prev: []image.Point{{X: 0, Y: 0}, {X: 10, Y: 0}},
			now:  []image.Point{{X: 5, Y: 0}},
			max:  120,
			want: []Match{{Distance: 5, Prev: 0, Now: 0}},
		},
		{
			name: "distance above cap rejected",
			prev: []image.Point{{X: 0, Y: 0}},
			now:  []image.Point{{X: 0, Y: 121}},
			max:  120,
			want: nil,
		},
		{
			name: "distance at cap accepted",
			prev: []image.Point{{X: 0, Y: 0}},
			now:  []image.Point{{X: 0, Y: 120}},
			max:  120,
			want: []Match{{Distance: 120, Prev: 0, Now: 0}},
		},
		{
			name: "empty side",
			prev: nil,
			now:  []image.Point{{X: 1, Y: 1}},
			max:  120,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchCenters(centers(tt.prev...), centers(tt.now...), tt.max)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("MatchCenters() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMatchCentersProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	randomSet := func() []vision.Center {
		pts := make([]image.Point, rng.Intn(8))
		for i := range pts {
			pts[i] = image.Pt(rng.Intn(640), rng.Intn(testHeight))
		}
		return centers(pts...)
	}
	const maxDistance = 120

	for trial := 0; trial < 300; trial++ {
		prev, now := randomSet(), randomSet()
		got := MatchCenters(prev, now, maxDistance)

		seenPrev, seenNow := map[int]bool{}, map[int]bool{}
		for _, m := range got {
			require.False(t, seenPrev[m.Prev], "trial %d: previous %d matched twice", trial, m.Prev)
			require.False(t, seenNow[m.Now], "trial %d: current %d matched twice", trial, m.Now)
			seenPrev[m.Prev], seenNow[m.Now] = true, true

			require.LessOrEqual(t, m.Distance, float64(maxDistance))
			require.InDelta(t, vision.Distance(prev[m.Prev].Point, now[m.Now].Point), m.Distance, 1e-9)
		}

		// No unmatched pair inside the cap may remain: greedy stops only when exhausted.
		for i := range prev {
			for j := range now {
				if !seenPrev[i] && !seenNow[j] {
					require.Greater(t, vision.Distance(prev[i].Point, now[j].Point), float64(maxDistance))
				}
			}
		}

		again := MatchCenters(prev, now, maxDistance)
		require.Equal(t, got, again, "trial %d: matching is not deterministic", trial)
	}
}

func TestStepSkipsWhenBothEmpty(t *testing.T) {
	r := &fakeReporter{}
	tr := newTestTracker(r, nil)

	out := step(tr)
	assert.True(t, out.Skipped)
	_, _, frames := tr.Counts()
	assert.Zero(t, frames)
}

func TestStepTagsNewCenters(t *testing.T) {
	tr := newTestTracker(&fakeReporter{}, nil)

	out := step(tr, image.Pt(10, 99), image.Pt(300, 100))
	require.Len(t, out.Transition.Now, 2)
	assert.Equal(t, vision.FromOutside, out.Transition.Now[0].Direction)
	assert.Equal(t, vision.FromHive, out.Transition.Now[1].Direction)
}

func TestStepInheritsDirection(t *testing.T) {
	tr := newTestTracker(&fakeReporter{}, nil)

	step(tr, image.Pt(10, 20))
	out := step(tr, image.Pt(12, 110))
	require.Len(t, out.Transition.Matches, 1)
	assert.Equal(t, vision.FromOutside, out.Transition.Now[0].Direction, "matched center keeps its origin")
}

func TestStepDoesNotMutateInput(t *testing.T) {
	tr := newTestTracker(&fakeReporter{}, nil)
	in := centers(image.Pt(10, 20))

	tr.Step(context.Background(), Observation{Centers: in, Height: testHeight})
	assert.Equal(t, vision.Unknown, in[0].Direction)
	assert.Equal(t, vision.FromOutside, tr.Previous()[0].Direction)
}

func TestDisappearanceCounts(t *testing.T) {
	tests := []struct {
		name        string
		last        vision.Center
		wantEntries int
		wantExits   int
	}{
		{"from outside vanishing in lower half enters", vision.Center{Point: image.Pt(50, 100), Direction: vision.FromOutside}, 1, 0},
		{"from hive vanishing in upper half exits", vision.Center{Point: image.Pt(50, 50), Direction: vision.FromHive}, 0, 1},
		{"from outside vanishing in upper half turned back", vision.Center{Point: image.Pt(50, 99), Direction: vision.FromOutside}, 0, 0},
		{"from hive vanishing in lower half turned back", vision.Center{Point: image.Pt(50, 100), Direction: vision.FromHive}, 0, 0},
		{"unknown never counts", vision.Center{Point: image.Pt(50, 150)}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(&fakeReporter{}, nil)
			tr.previous = []vision.Center{tt.last}

			out := step(tr)
			assert.False(t, out.Skipped)
			assert.Equal(t, tt.wantEntries, out.Entries)
			assert.Equal(t, tt.wantExits, out.Exits)

			entries, exits, _ := tr.Counts()
			assert.Equal(t, tt.wantEntries, entries)
			assert.Equal(t, tt.wantExits, exits)
		})
	}
}

func TestEntryScenario(t *testing.T) {
	tr := newTestTracker(&fakeReporter{}, nil)

	step(tr, image.Pt(50, 60))
	step(tr, image.Pt(50, 100))
	out := step(tr)

	assert.Equal(t, 1, out.Entries)
	entries, exits, _ := tr.Counts()
	assert.Equal(t, 1, entries)
	assert.Equal(t, 0, exits)
}

func TestExitScenario(t *testing.T) {
	tr := newTestTracker(&fakeReporter{}, nil)

	step(tr, image.Pt(50, 150))
	step(tr, image.Pt(50, 50))
	out := step(tr)

	assert.Equal(t, 1, out.Exits)
	entries, exits, _ := tr.Counts()
	assert.Equal(t, 0, entries)
	assert.Equal(t, 1, exits)
}

func TestObjectCrossingDownward(t *testing.T) {
	tr := newTestTracker(&fakeReporter{}, nil)

	for y := 16; y <= 176; y += 10 {
		out := step(tr, image.Pt(38, y))
		require.Zero(t, out.Entries+out.Exits, "no crossing while the object is visible (y=%d)", y)
	}
	step(tr)

	entries, exits, _ := tr.Counts()
	assert.Equal(t, 1, entries)
	assert.Equal(t, 0, exits)
}

func TestReportInterval(t *testing.T) {
	r := &fakeReporter{}
	s := &fakeSnapshotter{}
	tr := newTestTracker(r, s)

	step(tr, image.Pt(10, 60))
	step(tr, image.Pt(10, 100))
	step(tr) // entry, frame 3

	var lastFrame *raster.Color
	for frame := 4; frame <= 500; frame++ {
		if frame == 500 {
			lastFrame = raster.NewColor(4, 4)
		}
		out := tr.Step(context.Background(), Observation{
			Index:   int64(frame),
			Centers: centers(image.Pt(200, 20)),
			Height:  testHeight,
			Frame:   lastFrame,
		})
		if frame < 500 {
			require.Empty(t, r.calls, "report fired early at frame %d", frame)
			require.False(t, out.Reported)
		} else {
			require.True(t, out.Reported)
		}
	}

	require.Len(t, r.calls, 1)
	want := Aggregate{DeviceID: 7, RecordType: 3, InField: 0, OutField: 1}
	if diff := cmp.Diff(want, r.calls[0]); diff != "" {
		t.Errorf("aggregate mismatch (-want +got):\n%s", diff)
	}

	entries, exits, frames := tr.Counts()
	assert.Zero(t, entries)
	assert.Zero(t, exits)
	assert.Zero(t, frames)

	require.Len(t, s.frames, 1)
	assert.Same(t, lastFrame, s.frames[0])
	assert.Len(t, s.transitions[0].Now, 1)

	// Tracking continues across the boundary.
	assert.Len(t, tr.Previous(), 1)
}

func TestReportFailureStillResets(t *testing.T) {
	r := &fakeReporter{err: errors.New("collector unreachable")}
	cfg := ConfigFromTuning(config.Default(), 1)
	cfg.ReportInterval = 2
	tr := New(cfg, r, nil, nil)

	step(tr, image.Pt(10, 10))
	out := step(tr, image.Pt(10, 12))

	assert.True(t, out.Reported)
	assert.Len(t, r.calls, 1)
	_, _, frames := tr.Counts()
	assert.Zero(t, frames)
}

func TestFlush(t *testing.T) {
	r := &fakeReporter{}
	tr := newTestTracker(r, nil)

	assert.False(t, tr.Flush(context.Background()), "nothing tracked yet")

	step(tr, image.Pt(50, 150))
	step(tr, image.Pt(50, 50))
	step(tr)

	assert.True(t, tr.Flush(context.Background()))
	require.Len(t, r.calls, 1)
	assert.Equal(t, Aggregate{DeviceID: 7, RecordType: 3, InField: 1, OutField: 0}, r.calls[0])

	assert.False(t, tr.Flush(context.Background()), "counters reset after flush")
	assert.Len(t, r.calls, 1)
}
