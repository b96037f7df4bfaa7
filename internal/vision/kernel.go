package vision

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/clalos/hive-traffic-counter/internal/raster"
)

// DiskKernel is a disk of ones used to estimate local mask density.
// It is built once at startup and only read afterwards, so a single value is
// shared by every frame. Close releases the underlying Mat.
type DiskKernel struct {
	radius int
	// halfWidth[dy+radius] is the horizontal half extent of the disk at row offset dy.
	halfWidth []int
	area      int
	mat       gocv.Mat
}

// NewDiskKernel builds the disk dx*dx + dy*dy <= radius*radius.
func NewDiskKernel(radius int) *DiskKernel {
	k := &DiskKernel{radius: radius, halfWidth: make([]int, 2*radius+1)}
	for dy := -radius; dy <= radius; dy++ {
		hw := int(math.Sqrt(float64(radius*radius - dy*dy)))
		// Guard against float rounding on perfect squares.
		for (hw+1)*(hw+1)+dy*dy <= radius*radius {
			hw++
		}
		for hw*hw+dy*dy > radius*radius {
			hw--
		}
		k.halfWidth[dy+radius] = hw
		k.area += 2*hw + 1
	}

	size := 2*radius + 1
	k.mat = gocv.Zeros(size, size, gocv.MatTypeCV32F)
	for dy := -radius; dy <= radius; dy++ {
		hw := k.halfWidth[dy+radius]
		for dx := -hw; dx <= hw; dx++ {
			k.mat.SetFloatAt(dy+radius, dx+radius, 1)
		}
	}
	return k
}

// Radius returns the kernel radius.
func (k *DiskKernel) Radius() int { return k.radius }

// Area returns the number of ones in the kernel.
func (k *DiskKernel) Area() int { return k.area }

// Contains reports whether offset (dx, dy) lies inside the disk.
func (k *DiskKernel) Contains(dx, dy int) bool {
	if dy < -k.radius || dy > k.radius {
		return false
	}
	hw := k.halfWidth[dy+k.radius]
	return dx >= -hw && dx <= hw
}

// Close releases the kernel Mat.
func (k *DiskKernel) Close() error {
	return k.mat.Close()
}

// Convolve returns the density map of m: each cell counts the positive mask
// cells inside the disk centered on it. Borders reflect without repeating the
// edge pixel and values saturate at 65535.
func (k *DiskKernel) Convolve(m *raster.Mask) (*raster.Grid, error) {
	if m.Width == 0 || m.Height == 0 {
		return raster.NewGrid(m.Width, m.Height), nil
	}

	src, err := m.Mat()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Filter2D(src, &dst, gocv.MatTypeCV16U, k.mat, image.Pt(-1, -1), 0, gocv.BorderReflect101)

	grid, err := raster.GridFromMat(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to copy density map: %w", err)
	}
	return grid, nil
}
