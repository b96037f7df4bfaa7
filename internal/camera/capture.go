// Package camera reads frames from a gocv video source and keeps the stream
// alive across transient failures with a circuit breaker and reconnects.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/hive-traffic-counter/internal/metrics"
	"github.com/clalos/hive-traffic-counter/internal/pipeline"
	"github.com/clalos/hive-traffic-counter/internal/raster"
)

var (
	// ErrEmptyFrame is returned when the source delivered an empty image.
	ErrEmptyFrame = errors.New("empty frame captured")
	// ErrReadFailed is returned when the source could not deliver a frame at all.
	ErrReadFailed = errors.New("failed to read frame from video source")
)

// Reader is the part of gocv.VideoCapture the camera uses.
type Reader interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Opener connects to a video source.
type Opener func(source string, width, height int) (Reader, error)

// Options configures a Camera.
type Options struct {
	// Source is a device index ("0") or a stream URL.
	Source string
	Width  int
	Height int

	MaxFailures       int64
	OpenTimeout       time.Duration
	RecoveryThreshold int64

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

// DefaultOptions returns the capture settings used in production.
func DefaultOptions(source string, width, height int) Options {
	return Options{
		Source:               source,
		Width:                width,
		Height:               height,
		MaxFailures:          5,
		OpenTimeout:          30 * time.Second,
		RecoveryThreshold:    3,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		ReconnectMaxAttempts: 10,
	}
}

// Camera is a pipeline.Source backed by a video capture device.
type Camera struct {
	opts    Options
	open    Opener
	breaker *Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	reader Reader
	img    gocv.Mat
	closed bool
}

var _ pipeline.Source = (*Camera)(nil)

// Open connects to opts.Source. Failing to open is fatal for the caller.
func Open(opts Options, m *metrics.Metrics, logger *slog.Logger) (*Camera, error) {
	return OpenWith(opts, OpenVideoCapture, m, logger)
}

// OpenWith is Open with a custom Opener.
func OpenWith(opts Options, open Opener, m *metrics.Metrics, logger *slog.Logger) (*Camera, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}

	reader, err := open(opts.Source, opts.Width, opts.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture %q: %w", opts.Source, err)
	}

	logger.Debug("Video capture opened",
		"source", opts.Source,
		"width", opts.Width,
		"height", opts.Height)

	return &Camera{
		opts:    opts,
		open:    open,
		breaker: NewBreaker(opts.MaxFailures, opts.OpenTimeout, opts.RecoveryThreshold, logger),
		metrics: m,
		logger:  logger,
		reader:  reader,
		img:     gocv.NewMat(),
	}, nil
}

// OpenVideoCapture opens a gocv capture. A numeric source selects a local
// device; anything else is treated as a file or stream URL.
func OpenVideoCapture(source string, width, height int) (Reader, error) {
	var device interface{} = source
	if id, err := strconv.Atoi(source); err == nil {
		device = id
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, errors.New("video capture is not opened")
	}
	if width > 0 && height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	return vc, nil
}

// Next reads one frame from the capture device.
//
// Behavior:
//   - Each read goes through the circuit breaker; a read that returns no
//     frame at all counts as a failure
//   - An empty frame is a plain skip: it returns ErrEmptyFrame and leaves
//     the breaker untouched, since the device did answer
//   - Reads while the circuit is open return ErrCircuitOpen without
//     touching the device
//   - Gray and BGRA frames are converted to BGR
//
// Error handling: once read failures open the circuit, Next reconnects with
// exponential backoff before returning and closes the circuit on success.
// If every attempt fails it returns an error wrapping
// pipeline.ErrSourceExhausted, which ends acquisition.
func (c *Camera) Next(ctx context.Context) (*raster.Color, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, pipeline.ErrSourceExhausted
	}

	err := c.breaker.Call(func() error {
		if c.reader == nil {
			return fmt.Errorf("%w: no capture connection", ErrReadFailed)
		}
		if !c.reader.Read(&c.img) {
			return ErrReadFailed
		}
		return nil
	})
	if err != nil {
		if c.breaker.State() == Open && errors.Is(err, ErrReadFailed) {
			c.logger.Info("Circuit breaker open due to read failures, attempting reconnection",
				"error", err)
			if !c.reconnect(ctx) {
				return nil, fmt.Errorf("%w: reconnection to %q failed", pipeline.ErrSourceExhausted, c.opts.Source)
			}
			c.breaker.Reset()
		}
		return nil, err
	}

	if c.img.Empty() {
		return nil, ErrEmptyFrame
	}
	return ToRaster(c.img)
}

// reconnect reopens the source with exponential backoff and jitter. The
// caller holds mu.
func (c *Camera) reconnect(ctx context.Context) bool {
	if c.reader != nil {
		c.reader.Close()
		c.reader = nil
	}

	for attempt := 1; attempt <= c.opts.ReconnectMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		c.metrics.ReconnectAttempts.Add(1)
		c.logger.Info("Attempting capture reconnection",
			"attempt", attempt,
			"max_attempts", c.opts.ReconnectMaxAttempts,
			"source", c.opts.Source)

		reader, err := c.open(c.opts.Source, c.opts.Width, c.opts.Height)
		if err == nil {
			c.reader = reader
			c.logger.Info("Capture reconnection successful", "attempt", attempt)
			return true
		}

		delay := backoff(c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay, attempt)
		c.logger.Warn("Capture reconnection failed, retrying",
			"attempt", attempt,
			"error", err,
			"retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}

	c.logger.Error("Capture reconnection failed after all attempts",
		"max_attempts", c.opts.ReconnectMaxAttempts)
	return false
}

// backoff returns base*2^(attempt-1) capped at limit, plus up to 25% jitter.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > limit || delay <= 0 {
		delay = limit
	}
	if quarter := int64(delay / 4); quarter > 0 {
		delay += time.Duration(rand.Int63n(quarter))
	}
	return delay
}

// BreakerState reports the capture circuit state.
func (c *Camera) BreakerState() State {
	return c.breaker.State()
}

// Close releases the capture device. It is safe to call more than once.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close video capture: %w", err))
		}
		c.reader = nil
	}
	if err := c.img.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release frame buffer: %w", err))
	}
	c.logger.Debug("Camera closed")
	return errors.Join(errs...)
}
