// Package raster provides the owned 2D arrays that flow between pipeline stages.
//
// All rasters are row-major with (x, y) = (column, row). Accessors are bounds
// checked by the slice index; callers iterate within Width and Height. The
// pixel work on them is done in gocv; see mat.go for the conversions.
package raster

// Color is an 8-bit, 3-channel image in BGR order, the layout OpenCV captures in.
type Color struct {
	Width  int
	Height int
	Pix    []byte
}

// NewColor allocates a black image.
func NewColor(width, height int) *Color {
	return &Color{Width: width, Height: height, Pix: make([]byte, width*height*3)}
}

// Channel returns the value of plane ch at (x, y).
func (c *Color) Channel(x, y, ch int) uint8 {
	return c.Pix[(y*c.Width+x)*3+ch]
}

// Set writes a BGR triple at (x, y).
func (c *Color) Set(x, y int, b, g, r uint8) {
	i := (y*c.Width + x) * 3
	c.Pix[i], c.Pix[i+1], c.Pix[i+2] = b, g, r
}

// Fill paints every pixel with one BGR triple.
func (c *Color) Fill(b, g, r uint8) {
	for i := 0; i < len(c.Pix); i += 3 {
		c.Pix[i], c.Pix[i+1], c.Pix[i+2] = b, g, r
	}
}

// Mask is a single-channel {0,1} raster.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewMask allocates an all-zero mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// At returns the mask value at (x, y).
func (m *Mask) At(x, y int) uint8 { return m.Pix[y*m.Width+x] }

// Set writes the mask value at (x, y).
func (m *Mask) Set(x, y int, v uint8) { m.Pix[y*m.Width+x] = v }

// Count returns the number of positive cells.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// Grid is an unsigned 16-bit raster used for density and ridge maps.
type Grid struct {
	Width  int
	Height int
	Pix    []uint16
}

// NewGrid allocates an all-zero grid.
func NewGrid(width, height int) *Grid {
	return &Grid{Width: width, Height: height, Pix: make([]uint16, width*height)}
}

// At returns the value at (x, y).
func (g *Grid) At(x, y int) uint16 { return g.Pix[y*g.Width+x] }

// Set writes the value at (x, y).
func (g *Grid) Set(x, y int, v uint16) { g.Pix[y*g.Width+x] = v }

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	out := &Grid{Width: g.Width, Height: g.Height, Pix: make([]uint16, len(g.Pix))}
	copy(out.Pix, g.Pix)
	return out
}

// NonZero returns the number of nonzero cells.
func (g *Grid) NonZero() int {
	n := 0
	for _, v := range g.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}
