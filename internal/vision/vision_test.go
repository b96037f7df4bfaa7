package vision

import (
	"image"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clalos/hive-traffic-counter/internal/config"
	"github.com/clalos/hive-traffic-counter/internal/raster"
)

// uniformFrame returns a frame whose every channel holds v.
func uniformFrame(w, h int, v uint8) *raster.Color {
	img := raster.NewColor(w, h)
	img.Fill(v, v, v)
	return img
}

// blobMask marks disks of radius r around each center.
func blobMask(w, h, r int, centers ...image.Point) *raster.Mask {
	m := raster.NewMask(w, h)
	for _, c := range centers {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dx, dy := x-c.X, y-c.Y
				if dx*dx+dy*dy <= r*r {
					m.Set(x, y, 1)
				}
			}
		}
	}
	return m
}

// newKernel builds a disk kernel released at the end of the test.
func newKernel(tb testing.TB, radius int) *DiskKernel {
	tb.Helper()
	k := NewDiskKernel(radius)
	tb.Cleanup(func() { k.Close() })
	return k
}

// convolve runs k over m and fails the test on error.
func convolve(tb testing.TB, k *DiskKernel, m *raster.Mask) *raster.Grid {
	tb.Helper()
	d, err := k.Convolve(m)
	require.NoError(tb, err)
	return d
}

// reflect101 mirrors i into [0, n) about the edge pixels, the border rule
// the density filter uses.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}

// ridgeRow builds a grid with vals laid along row y starting at column 1.
func ridgeRow(w, h, y int, vals ...uint16) *raster.Grid {
	g := raster.NewGrid(w, h)
	for i, v := range vals {
		g.Set(1+i, y, v)
	}
	return g
}

func TestPreprocessCropBounds(t *testing.T) {
	p := NewPreprocessor(config.Default())
	top, bottom := p.CropBounds(480)
	assert.Equal(t, 192, top)
	assert.Equal(t, 432, bottom)
}

func TestPreprocessDarkness(t *testing.T) {
	cfg := config.Default()
	cfg.TopCropRatio, cfg.BottomCropRatio = 0, 0
	p := NewPreprocessor(cfg)

	tests := []struct {
		name     string
		value    uint8
		accepted bool
	}{
		{"mean 119 rejected", 119, false},
		{"mean 120 accepted", 120, true},
		{"mean 121 accepted", 121, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, accepted, err := p.Process(uniformFrame(32, 20, tt.value))
			require.NoError(t, err)
			assert.Equal(t, tt.accepted, accepted)
			assert.InDelta(t, float64(tt.value), out.Mean, 1e-9)
			if tt.accepted {
				require.NotNil(t, out.Mask)
				assert.Zero(t, out.Mask.Count(), "bright background must binarize to zero")
			} else {
				assert.Nil(t, out.Mask)
				assert.Nil(t, out.ROI)
			}
		})
	}
}

func TestPreprocessBinarize(t *testing.T) {
	cfg := config.Default()
	p := NewPreprocessor(cfg)

	img := uniformFrame(10, 100, 200)
	// Rows 40..89 survive the crop and become ROI rows 0..49.
	img.Set(1, 40, 100, 255, 255) // at cutoff: object
	img.Set(2, 40, 101, 0, 0)     // above cutoff on blue: background
	img.Set(3, 89, 0, 200, 200)
	img.Set(4, 10, 0, 0, 0) // cropped away

	out, accepted, err := p.Process(img)
	require.NoError(t, err)
	require.True(t, accepted)
	assert.Equal(t, 10, out.Mask.Width)
	assert.Equal(t, 50, out.Mask.Height)
	assert.Equal(t, 50, out.ROI.Height)
	assert.Equal(t, uint8(1), out.Mask.At(1, 0))
	assert.Equal(t, uint8(0), out.Mask.At(2, 0))
	assert.Equal(t, uint8(1), out.Mask.At(3, 49))
	assert.Equal(t, 2, out.Mask.Count())
}

func TestPreprocessEmptyFrame(t *testing.T) {
	p := NewPreprocessor(config.Default())
	_, _, err := p.Process(nil)
	assert.Error(t, err)
	_, _, err = p.Process(&raster.Color{})
	assert.Error(t, err)
}

func TestPreprocessChannelSelection(t *testing.T) {
	cfg := config.Default()
	cfg.TopCropRatio, cfg.BottomCropRatio = 0, 0

	tests := []struct {
		name    string
		channel int
		want    float64
		objects int
	}{
		{"blue", 0, 200, 0},
		{"green", 1, 150, 0},
		{"red", 2, 90, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.Channel = tt.channel
			cfg.DarknessThreshold = 0
			img := raster.NewColor(4, 3)
			img.Fill(200, 150, 90)

			out, accepted, err := NewPreprocessor(cfg).Process(img)
			require.NoError(t, err)
			require.True(t, accepted)
			assert.InDelta(t, tt.want, out.Mean, 1e-9)
			assert.Equal(t, tt.objects, out.Mask.Count())
		})
	}
}

func TestDiskKernel(t *testing.T) {
	assert.Equal(t, 709, newKernel(t, 15).Area())
	assert.Equal(t, 29, newKernel(t, 3).Area())

	k := newKernel(t, 3)
	assert.True(t, k.Contains(0, 3))
	assert.True(t, k.Contains(2, 2))
	assert.False(t, k.Contains(3, 1))
	assert.False(t, k.Contains(0, 4))
}

func TestConvolveSinglePixel(t *testing.T) {
	k := newKernel(t, 4)
	m := raster.NewMask(21, 21)
	m.Set(10, 10, 1)

	d := convolve(t, k, m)
	for y := 0; y < 21; y++ {
		for x := 0; x < 21; x++ {
			want := uint16(0)
			if k.Contains(x-10, y-10) {
				want = 1
			}
			require.Equal(t, want, d.At(x, y), "cell (%d,%d)", x, y)
		}
	}
}

func TestConvolveFullMaskReflectsBorders(t *testing.T) {
	k := newKernel(t, 5)
	m := raster.NewMask(12, 9)
	for i := range m.Pix {
		m.Pix[i] = 1
	}
	d := convolve(t, k, m)
	for i, v := range d.Pix {
		require.Equal(t, uint16(k.Area()), v, "cell %d", i)
	}
}

func TestConvolveMatchesDirectSum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	k := newKernel(t, 6)
	m := raster.NewMask(23, 17)
	for i := range m.Pix {
		if rng.Intn(3) == 0 {
			m.Pix[i] = 1
		}
	}

	d := convolve(t, k, m)
	r := k.Radius()
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			var want uint16
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					if k.Contains(dx, dy) {
						want += uint16(m.At(reflect101(x+dx, m.Width), reflect101(y+dy, m.Height)))
					}
				}
			}
			require.Equal(t, want, d.At(x, y), "cell (%d,%d)", x, y)
		}
	}
}

func TestConvolveLargeKernelIsExact(t *testing.T) {
	// Radius 15 is large enough for OpenCV to filter in the frequency domain.
	k := newKernel(t, 15)
	m := blobMask(80, 60, 8, image.Pt(40, 30))
	d := convolve(t, k, m)

	area := uint16(m.Count())
	assert.Equal(t, area, d.At(40, 30), "a disk wider than the blob covers all of it")
	assert.Equal(t, uint16(0), d.At(0, 0))
	assert.Equal(t, uint16(0), d.At(79, 59))
}

func TestConvolveEmptyMask(t *testing.T) {
	k := newKernel(t, 3)
	d := convolve(t, k, raster.NewMask(0, 0))
	assert.Empty(t, d.Pix)
}

func TestSuppressNonMaximaColumn(t *testing.T) {
	g := raster.NewGrid(3, 7)
	col := []uint16{1, 3, 5, 4, 4, 6, 2}
	for y, v := range col {
		g.Set(1, y, v)
		g.Set(0, y, v)
	}

	SuppressNonMaxima(g)

	var got []uint16
	for y := 0; y < 7; y++ {
		got = append(got, g.At(1, y))
	}
	assert.Equal(t, []uint16{0, 0, 5, 0, 0, 6, 2}, got)
	assert.Equal(t, uint16(1), g.At(0, 0), "border column is left untouched")
}

func TestSuppressNonMaximaPlateauKeepsTopRow(t *testing.T) {
	g := raster.NewGrid(3, 6)
	for y, v := range []uint16{0, 7, 7, 7, 3, 0} {
		g.Set(1, y, v)
	}
	SuppressNonMaxima(g)
	assert.Equal(t, uint16(7), g.At(1, 1))
	assert.Equal(t, 1, g.NonZero())
}

func TestSuppressNonMaximaIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		w, h := 3+rng.Intn(10), 2+rng.Intn(12)
		g := raster.NewGrid(w, h)
		for i := range g.Pix {
			g.Pix[i] = uint16(rng.Intn(6))
		}

		SuppressNonMaxima(g)
		once := g.Clone()
		SuppressNonMaxima(g)

		if diff := cmp.Diff(once.Pix, g.Pix); diff != "" {
			t.Fatalf("trial %d (%dx%d): second pass changed the map (-once +twice):\n%s", trial, w, h, diff)
		}
	}
}

func TestCandidatesRidgeWalk(t *testing.T) {
	e := NewCenterExtractor(config.Default())

	tests := []struct {
		name string
		grid *raster.Grid
		want []image.Point
	}{
		{
			name: "single peak on a straight ridge",
			grid: ridgeRow(16, 12, 6, 60, 70, 80, 90, 100, 110, 100, 90, 80, 70),
			want: []image.Point{{X: 6, Y: 6}},
		},
		{
			name: "peak too early ends the walk",
			grid: ridgeRow(16, 12, 6, 60, 70, 80, 70, 60),
			want: nil,
		},
		{
			name: "trivial values are never walked",
			grid: ridgeRow(16, 12, 6, 10, 20, 30, 40, 50, 45, 40),
			want: nil,
		},
		{
			name: "two peaks on one ridge",
			grid: ridgeRow(24, 12, 6, 60, 70, 80, 90, 100, 110,
				100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111, 105),
			want: []image.Point{{X: 6, Y: 6}, {X: 18, Y: 6}},
		},
		{
			name: "ridge in the edge margin never starts",
			grid: ridgeRow(16, 12, 2, 60, 70, 80, 90, 100, 110, 100, 90),
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Candidates(tt.grid)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Candidates() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCandidatesFollowsBendingRidge(t *testing.T) {
	g := raster.NewGrid(16, 12)
	vals := []uint16{60, 70, 80, 90, 100, 110, 100, 90, 80, 70}
	rows := []int{6, 6, 7, 8, 8, 9, 9, 8, 8, 8}
	for i := range vals {
		g.Set(1+i, rows[i], vals[i])
	}

	got := NewCenterExtractor(config.Default()).Candidates(g)
	assert.Equal(t, []image.Point{{X: 6, Y: 9}}, got)
}

func TestExtractMergesNearbyPeaks(t *testing.T) {
	e := NewCenterExtractor(config.Default())
	g := ridgeRow(18, 12, 6, 60, 70, 80, 90, 100, 110, 100, 105, 110, 120, 130, 140, 120)

	assert.Len(t, e.Candidates(g), 2)
	got := e.Extract(g)
	want := []Center{{Point: image.Pt(6, 6), Direction: Unknown}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFromBlobs(t *testing.T) {
	cfg := config.Default()
	k := newKernel(t, cfg.KernelRadius)
	e := NewCenterExtractor(cfg)

	tests := []struct {
		name  string
		w, h  int
		blobs []image.Point
		want  []image.Point
	}{
		{"one blob", 120, 80, []image.Point{{X: 60, Y: 40}}, []image.Point{{X: 66, Y: 36}}},
		{"two blobs", 160, 80, []image.Point{{X: 40, Y: 40}, {X: 110, Y: 40}}, []image.Point{{X: 46, Y: 36}, {X: 116, Y: 36}}},
		{"empty mask", 120, 80, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ridges := convolve(t, k, blobMask(tt.w, tt.h, 8, tt.blobs...))
			SuppressNonMaxima(ridges)

			var got []image.Point
			for _, c := range e.Extract(ridges) {
				assert.Equal(t, Unknown, c.Direction)
				got = append(got, c.Point)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractRespectsMergeRadius(t *testing.T) {
	cfg := config.Default()
	e := NewCenterExtractor(cfg)
	rng := rand.New(rand.NewSource(3))

	for trial := 0; trial < 50; trial++ {
		g := raster.NewGrid(60, 40)
		for i := range g.Pix {
			if rng.Intn(4) == 0 {
				g.Pix[i] = uint16(rng.Intn(400))
			}
		}

		centers := e.Extract(g)
		for i := range centers {
			for j := i + 1; j < len(centers); j++ {
				d := Distance(centers[i].Point, centers[j].Point)
				require.GreaterOrEqual(t, d, cfg.MergeRadius, "trial %d: %v and %v", trial, centers[i].Point, centers[j].Point)
			}
		}
	}
}

func TestDedupeKeepsDiscoveryOrder(t *testing.T) {
	pts := []image.Point{{X: 0, Y: 0}, {X: 5, Y: 0}, {X: 11, Y: 0}, {X: 23, Y: 0}, {X: 14, Y: 7}}
	got := Dedupe(pts, 11)

	want := []Center{
		{Point: image.Pt(0, 0)},
		{Point: image.Pt(11, 0)},
		{Point: image.Pt(23, 0)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Dedupe() mismatch (-want +got):\n%s", diff)
	}
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "UNKNOWN", Unknown.String())
	assert.Equal(t, "FROM_OUTSIDE", FromOutside.String())
	assert.Equal(t, "FROM_HIVE", FromHive.String())
}

func BenchmarkConvolve(b *testing.B) {
	k := newKernel(b, 15)
	m := blobMask(640, 240, 8, image.Pt(100, 60), image.Pt(300, 120), image.Pt(500, 200))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := k.Convolve(m); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkExtract(b *testing.B) {
	k := newKernel(b, 15)
	ridges := convolve(b, k, blobMask(640, 240, 8, image.Pt(100, 60), image.Pt(300, 120), image.Pt(500, 200)))
	SuppressNonMaxima(ridges)
	e := NewCenterExtractor(config.Default())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = e.Extract(ridges)
	}
}
