// Package vision turns camera frames into per-frame object centers.
//
// The stages run in order: Preprocessor crops and binarizes, DiskKernel
// smooths the mask into a density map, SuppressNonMaxima keeps column-wise
// peaks, and CenterExtractor walks the surviving ridges to emit centers.
//
// Cropping, thresholding and the disk filter run in gocv. Suppression and the
// ridge walk are sequential, stateful loops over owned raster.Grids.
package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/clalos/hive-traffic-counter/internal/config"
	"github.com/clalos/hive-traffic-counter/internal/raster"
)

// Preprocessor crops the region of interest, rejects underexposed frames and
// binarizes one channel. Objects are darker than the background, so a pixel at
// or below Cutoff becomes 1.
type Preprocessor struct {
	TopCropRatio      float64
	BottomCropRatio   float64
	Channel           int
	DarknessThreshold float64
	Cutoff            uint8
}

// Preprocessed is the result of one accepted frame.
type Preprocessed struct {
	// Mask is the binarized ROI.
	Mask *raster.Mask
	// ROI is the cropped color frame, forwarded to the tracker for annotation.
	ROI *raster.Color
	// Mean is the channel mean over the ROI.
	Mean float64
}

// NewPreprocessor builds a Preprocessor from tuning.
func NewPreprocessor(t config.Tuning) Preprocessor {
	return Preprocessor{
		TopCropRatio:      t.TopCropRatio,
		BottomCropRatio:   t.BottomCropRatio,
		Channel:           t.Channel,
		DarknessThreshold: t.DarknessThreshold,
		Cutoff:            t.BinarizeCutoff,
	}
}

// CropBounds returns the retained row range [top, bottom) for a frame height.
func (p Preprocessor) CropBounds(height int) (top, bottom int) {
	top = int(float64(height) * p.TopCropRatio)
	bottom = height - int(float64(height)*p.BottomCropRatio)
	return top, bottom
}

// Process crops and binarizes img.
//
// Behavior:
//   - Rows [top, bottom) from CropBounds form the region of interest
//   - The configured channel is split out and its mean compared to
//     DarknessThreshold; a darker ROI is rejected with accepted false
//   - The channel is inverse-thresholded at Cutoff into a {0,1} mask
//
// The returned Mean is set even for rejected frames so callers can log it.
func (p Preprocessor) Process(img *raster.Color) (out Preprocessed, accepted bool, err error) {
	if img == nil || img.Width == 0 || img.Height == 0 {
		return out, false, raster.ErrEmpty
	}

	top, bottom := p.CropBounds(img.Height)
	if top < 0 || bottom > img.Height || top >= bottom {
		return out, false, fmt.Errorf("crop rows [%d, %d) outside frame of height %d", top, bottom, img.Height)
	}
	if p.Channel < 0 || p.Channel > 2 {
		return out, false, fmt.Errorf("channel %d out of range", p.Channel)
	}

	frame, err := img.Mat()
	if err != nil {
		return out, false, err
	}
	defer frame.Close()

	region := frame.Region(image.Rect(0, top, img.Width, bottom))
	defer region.Close()
	roi := region.Clone()
	defer roi.Close()

	planes := gocv.Split(roi)
	defer func() {
		for i := range planes {
			planes[i].Close()
		}
	}()
	plane := planes[p.Channel]

	out.Mean = plane.Mean().Val1
	if out.Mean < p.DarknessThreshold {
		return out, false, nil
	}

	binary := gocv.NewMat()
	defer binary.Close()
	// THRESH_BINARY_INV maps value <= Cutoff to maxval.
	gocv.Threshold(plane, &binary, float32(p.Cutoff), 1, gocv.ThresholdBinaryInv)

	if out.Mask, err = raster.MaskFromMat(binary); err != nil {
		return out, false, fmt.Errorf("failed to copy mask: %w", err)
	}
	if out.ROI, err = raster.ColorFromMat(roi); err != nil {
		return out, false, fmt.Errorf("failed to copy region of interest: %w", err)
	}
	return out, true, nil
}
