package camera

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/clalos/hive-traffic-counter/internal/raster"
)

// ToRaster copies a Mat into a BGR raster. Grayscale and BGRA Mats are
// converted first.
func ToRaster(m gocv.Mat) (*raster.Color, error) {
	if m.Empty() {
		return nil, ErrEmptyFrame
	}

	src := m
	switch m.Type() {
	case gocv.MatTypeCV8UC3:
	case gocv.MatTypeCV8UC1:
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(m, &bgr, gocv.ColorGrayToBGR)
		src = bgr
	case gocv.MatTypeCV8UC4:
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(m, &bgr, gocv.ColorBGRAToBGR)
		src = bgr
	default:
		return nil, fmt.Errorf("unsupported mat type %v", m.Type())
	}

	return raster.ColorFromMat(src)
}

// FromRaster creates a Mat holding a copy of img. The caller must close it.
func FromRaster(img *raster.Color) (gocv.Mat, error) {
	m, err := img.Mat()
	if errors.Is(err, raster.ErrEmpty) {
		return m, ErrEmptyFrame
	}
	return m, err
}
