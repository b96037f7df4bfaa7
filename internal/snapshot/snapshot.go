// Package snapshot writes annotated debug frames at reporting boundaries.
package snapshot

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/hive-traffic-counter/internal/camera"
	"github.com/clalos/hive-traffic-counter/internal/raster"
	"github.com/clalos/hive-traffic-counter/internal/tracking"
)

// TimeLayout names snapshot files.
const TimeLayout = "2006-01-02_15-04-05"

var (
	markerColor   = color.RGBA{0, 0, 0, 0}
	trackColor    = color.RGBA{0, 255, 0, 0}
	previousColor = color.RGBA{255, 255, 0, 0}
	currentColor  = color.RGBA{255, 0, 0, 0}
)

const (
	pointRadius    = 4
	trackThickness = 3
)

// Writer saves annotated JPEGs into a directory.
type Writer struct {
	dir          string
	markerRadius int
	now          func() time.Time
	logger       *slog.Logger
}

var _ tracking.Snapshotter = (*Writer)(nil)

// New creates dir if needed. markerRadius is the radius of the scale disk
// drawn in the top-left corner, normally the kernel radius.
func New(dir string, markerRadius int, logger *slog.Logger) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{dir: dir, markerRadius: markerRadius, now: time.Now, logger: logger}, nil
}

// Path returns the file a snapshot taken at t is written to.
func (w *Writer) Path(t time.Time) string {
	return filepath.Join(w.dir, t.Format(TimeLayout)+".jpg")
}

// Snapshot annotates a copy of frame with tr and writes it to disk.
func (w *Writer) Snapshot(frame *raster.Color, tr tracking.Transition) error {
	img, err := camera.FromRaster(frame)
	if err != nil {
		return fmt.Errorf("failed to convert snapshot frame: %w", err)
	}
	defer img.Close()

	Annotate(&img, w.markerRadius, tr)

	path := w.Path(w.now())
	if ok := gocv.IMWrite(path, img); !ok {
		return fmt.Errorf("failed to write snapshot to %s", path)
	}
	w.logger.Info("Snapshot saved", "path", path)
	return nil
}

// Annotate draws the scale marker, matched tracks, previous points and
// current points onto img, in that order.
func Annotate(img *gocv.Mat, markerRadius int, tr tracking.Transition) {
	if markerRadius > 0 {
		gocv.Circle(img, image.Pt(markerRadius, markerRadius), markerRadius, markerColor, -1)
	}
	for _, m := range tr.Matches {
		if m.Prev >= len(tr.Previous) || m.Now >= len(tr.Now) {
			continue
		}
		gocv.Line(img, tr.Previous[m.Prev].Point, tr.Now[m.Now].Point, trackColor, trackThickness)
	}
	for _, c := range tr.Previous {
		gocv.Circle(img, c.Point, pointRadius, previousColor, -1)
	}
	for _, c := range tr.Now {
		gocv.Circle(img, c.Point, pointRadius, currentColor, -1)
	}
}
