package raster

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// ErrEmpty is returned when converting an image with no pixels.
var ErrEmpty = errors.New("empty image")

// Mat returns a CV8UC3 Mat holding a copy of c. The caller must close it.
func (c *Color) Mat() (gocv.Mat, error) {
	if c == nil || c.Width == 0 || c.Height == 0 {
		return gocv.NewMat(), ErrEmpty
	}
	return matFromBytes(c.Height, c.Width, gocv.MatTypeCV8UC3, c.Pix)
}

// Mat returns a CV8UC1 Mat holding a copy of m. The caller must close it.
func (m *Mask) Mat() (gocv.Mat, error) {
	if m == nil || m.Width == 0 || m.Height == 0 {
		return gocv.NewMat(), ErrEmpty
	}
	return matFromBytes(m.Height, m.Width, gocv.MatTypeCV8UC1, m.Pix)
}

func matFromBytes(rows, cols int, mt gocv.MatType, data []byte) (gocv.Mat, error) {
	view, err := gocv.NewMatFromBytes(rows, cols, mt, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to wrap %dx%d image: %w", cols, rows, err)
	}
	defer view.Close()
	// The view borrows Go memory; the clone owns its pixels.
	return view.Clone(), nil
}

// ColorFromMat copies a CV8UC3 Mat into a new Color.
func ColorFromMat(m gocv.Mat) (*Color, error) {
	if m.Empty() {
		return nil, ErrEmpty
	}
	if m.Type() != gocv.MatTypeCV8UC3 {
		return nil, fmt.Errorf("expected CV8UC3 mat, got %v", m.Type())
	}
	img := NewColor(m.Cols(), m.Rows())
	if err := copyBytes(m, img.Pix); err != nil {
		return nil, err
	}
	return img, nil
}

// MaskFromMat copies a CV8UC1 Mat into a new Mask.
func MaskFromMat(m gocv.Mat) (*Mask, error) {
	if m.Empty() {
		return nil, ErrEmpty
	}
	if m.Type() != gocv.MatTypeCV8UC1 {
		return nil, fmt.Errorf("expected CV8UC1 mat, got %v", m.Type())
	}
	mask := NewMask(m.Cols(), m.Rows())
	if err := copyBytes(m, mask.Pix); err != nil {
		return nil, err
	}
	return mask, nil
}

// GridFromMat copies a CV16UC1 Mat into a new Grid.
func GridFromMat(m gocv.Mat) (*Grid, error) {
	if m.Empty() {
		return nil, ErrEmpty
	}
	if m.Type() != gocv.MatTypeCV16UC1 {
		return nil, fmt.Errorf("expected CV16UC1 mat, got %v", m.Type())
	}
	src := m
	if !m.IsContinuous() {
		src = m.Clone()
		defer src.Close()
	}
	data, err := src.DataPtrUint16()
	if err != nil {
		return nil, fmt.Errorf("failed to read grid data: %w", err)
	}
	g := NewGrid(m.Cols(), m.Rows())
	if len(data) != len(g.Pix) {
		return nil, fmt.Errorf("unexpected grid size: got %d cells for %dx%d", len(data), g.Width, g.Height)
	}
	copy(g.Pix, data)
	return g, nil
}

// copyBytes copies the pixels of m into dst, which must match its size.
func copyBytes(m gocv.Mat, dst []byte) error {
	if !m.IsContinuous() {
		m = m.Clone()
		defer m.Close()
	}
	data := m.ToBytes()
	if len(data) != len(dst) {
		return fmt.Errorf("unexpected image size: got %d bytes for %dx%d", len(data), m.Cols(), m.Rows())
	}
	copy(dst, data)
	return nil
}
