package vision

import "github.com/clalos/hive-traffic-counter/internal/raster"

// SuppressNonMaxima isolates column-wise density peaks in place.
//
// Pass 1 scans each column top to bottom and zeroes a cell smaller than the
// cell below it. Pass 2 scans bottom to top and zeroes a cell not larger than
// the cell above it. The first and last columns are left untouched, as are the
// top and bottom rows in pass 2. Applying it to its own output changes nothing.
func SuppressNonMaxima(g *raster.Grid) {
	w, h := g.Width, g.Height
	if w < 3 || h < 2 {
		return
	}
	pix := g.Pix

	for x := 1; x < w-1; x++ {
		for y := 0; y < h-1; y++ {
			if pix[y*w+x] < pix[(y+1)*w+x] {
				pix[y*w+x] = 0
			}
		}
	}
	for x := 1; x < w-1; x++ {
		for y := h - 2; y > 0; y-- {
			if pix[y*w+x] <= pix[(y-1)*w+x] {
				pix[y*w+x] = 0
			}
		}
	}
}
