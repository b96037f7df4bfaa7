// Package pipeline runs the five counting stages as goroutines connected by
// bounded channels.
//
// Acquisition reads frames from a Source, crops and binarizes them and feeds
// the mask through convolution, non-maximum suppression and center extraction
// to the tracker. The cropped color frame travels to the tracker on a side
// channel and is paired back with its center set by acquisition index.
//
// Every channel is bounded, so a stalled stage blocks its producers all the
// way back to acquisition. Cancelling the Run context stops acquisition; the
// remaining stages drain whatever is queued before they exit. A panic in any
// stage aborts the whole run and is returned from Run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clalos/hive-traffic-counter/internal/config"
	"github.com/clalos/hive-traffic-counter/internal/metrics"
	"github.com/clalos/hive-traffic-counter/internal/raster"
	"github.com/clalos/hive-traffic-counter/internal/tracking"
	"github.com/clalos/hive-traffic-counter/internal/vision"
)

// ErrSourceExhausted is returned by a Source that has no more frames.
// io.EOF is accepted with the same meaning.
var ErrSourceExhausted = errors.New("source exhausted")

// Source supplies raw color frames. Next blocks until a frame is available.
// Errors other than ErrSourceExhausted, io.EOF and context errors are treated
// as a skipped frame.
type Source interface {
	Next(ctx context.Context) (*raster.Color, error)
}

// Tracker consumes per-frame center sets. *tracking.Tracker implements it.
type Tracker interface {
	Step(ctx context.Context, obs tracking.Observation) tracking.Outcome
	Flush(ctx context.Context) bool
}

// Frame is a cropped color frame on its way to the tracker.
type Frame struct {
	Image     *raster.Color
	Index     int64
	Timestamp time.Time
}

// Config holds the operational settings of a Pipeline.
type Config struct {
	// QueueSize is the capacity of every inter-stage channel.
	QueueSize int
	// FrameInterval paces acquisition; zero disables pacing.
	FrameInterval time.Duration
}

type packet[T any] struct {
	Index     int64
	Timestamp time.Time
	Value     T
}

type centerSet struct {
	Centers []vision.Center
	Height  int
}

// Pipeline owns the stage channels and the shutdown state of one run.
type Pipeline struct {
	cfg       Config
	source    Source
	pre       vision.Preprocessor
	kernel    *vision.DiskKernel
	extractor vision.CenterExtractor
	tracker   Tracker
	metrics   *metrics.Metrics
	logger    *slog.Logger

	masks   chan packet[*raster.Mask]
	density chan packet[*raster.Grid]
	ridges  chan packet[*raster.Grid]
	centers chan packet[centerSet]
	colors  chan Frame

	// held is a color frame read ahead of its center set. Only track uses it.
	held *Frame

	frameIndex int64
	started    atomic.Bool

	abort     chan struct{}
	abortOnce sync.Once
	faultMu   sync.Mutex
	fault     error
	cancel    context.CancelFunc
}

// New builds a Pipeline. metrics may be nil, in which case a private
// instance is used.
func New(cfg Config, tuning config.Tuning, source Source, tracker Tracker, m *metrics.Metrics, logger *slog.Logger) (*Pipeline, error) {
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be at least 1, got %d", cfg.QueueSize)
	}
	if source == nil {
		return nil, errors.New("source is required")
	}
	if tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Pipeline{
		cfg:       cfg,
		source:    source,
		pre:       vision.NewPreprocessor(tuning),
		kernel:    vision.NewDiskKernel(tuning.KernelRadius),
		extractor: vision.NewCenterExtractor(tuning),
		tracker:   tracker,
		metrics:   m,
		logger:    logger,
		masks:     make(chan packet[*raster.Mask], cfg.QueueSize),
		density:   make(chan packet[*raster.Grid], cfg.QueueSize),
		ridges:    make(chan packet[*raster.Grid], cfg.QueueSize),
		centers:   make(chan packet[centerSet], cfg.QueueSize),
		colors:    make(chan Frame, cfg.QueueSize),
		abort:     make(chan struct{}),
	}

	m.RegisterQueue("mask", func() int { return len(p.masks) })
	m.RegisterQueue("density", func() int { return len(p.density) })
	m.RegisterQueue("ridge", func() int { return len(p.ridges) })
	m.RegisterQueue("centers", func() int { return len(p.centers) })
	m.RegisterQueue("color", func() int { return len(p.colors) })

	return p, nil
}

// Run starts all stages and blocks until every one of them has returned.
// It returns nil after a graceful drain and the first stage fault otherwise.
// A Pipeline can be run only once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancel = cancel
	defer func() {
		if err := p.kernel.Close(); err != nil {
			p.logger.Warn("Failed to release convolution kernel", "error", err)
		}
	}()

	p.logger.Debug("Starting counting pipeline",
		"queue_size", p.cfg.QueueSize,
		"frame_interval", p.cfg.FrameInterval,
		"kernel_radius", p.kernel.Radius())

	var wg sync.WaitGroup
	p.spawn(&wg, "acquire", func() {
		defer close(p.masks)
		defer close(p.colors)
		p.acquire(ctx)
	})
	p.spawn(&wg, "convolve", func() {
		defer close(p.density)
		p.convolve()
	})
	p.spawn(&wg, "suppress", func() {
		defer close(p.ridges)
		p.suppress()
	})
	p.spawn(&wg, "extract", func() {
		defer close(p.centers)
		p.extract()
	})
	p.spawn(&wg, "track", func() {
		p.track(ctx)
	})

	wg.Wait()

	if err := p.Err(); err != nil {
		return err
	}
	p.logger.Debug("All pipeline stages stopped gracefully")
	return nil
}

// Err returns the fault that aborted the run, if any.
func (p *Pipeline) Err() error {
	p.faultMu.Lock()
	defer p.faultMu.Unlock()
	return p.fault
}

// spawn runs fn as a stage goroutine with panic containment.
func (p *Pipeline) spawn(wg *sync.WaitGroup, stage string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Pipeline stage panicked",
					"stage", stage,
					"panic", r,
					"stack", string(debug.Stack()))
				p.fail(fmt.Errorf("stage %s panicked: %v", stage, r))
			}
		}()
		fn()
	}()
}

// fail records the first fault and tears the run down.
func (p *Pipeline) fail(err error) {
	p.metrics.StageFaults.Add(1)
	p.faultMu.Lock()
	if p.fault == nil {
		p.fault = err
	}
	p.faultMu.Unlock()

	p.abortOnce.Do(func() {
		close(p.abort)
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// send blocks until v is queued or the run is aborted.
func send[T any](p *Pipeline, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-p.abort:
		return false
	}
}

// acquire is the first stage. It reads frames from the source at the
// configured rate and feeds the mask and color channels.
//
// Behavior:
//   - Assigns monotonically increasing frame indices to successful reads
//   - Discards frames whose region of interest is too dark
//   - Sends the mask before the color frame so the tracker can pair them
//   - Blocks on full queues, which bounds memory and slows capture down
//   - Stops on context cancellation, abort, or source exhaustion
//
// Error handling: capture errors other than exhaustion are counted and the
// frame is skipped without consuming an index.
func (p *Pipeline) acquire(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Frame acquisition stopped")
			return
		case <-p.abort:
			return
		default:
		}

		start := time.Now()
		if !p.acquireOne(ctx) {
			return
		}
		if !p.pace(ctx, start) {
			p.logger.Debug("Frame acquisition stopped")
			return
		}
	}
}

// acquireOne reads, preprocesses and forwards one frame. It returns false
// when acquisition must stop.
func (p *Pipeline) acquireOne(ctx context.Context) bool {
	img, err := p.source.Next(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSourceExhausted), errors.Is(err, io.EOF):
		p.logger.Info("Frame source exhausted, draining pipeline", "error", err)
		return false
	case ctx.Err() != nil:
		return false
	default:
		p.metrics.CaptureErrors.Add(1)
		p.logger.Debug("Frame capture failed, skipping", "error", err)
		return true
	}

	p.frameIndex++
	index := p.frameIndex
	p.metrics.MarkFrame()

	out, accepted, err := p.pre.Process(img)
	if err != nil {
		p.metrics.CaptureErrors.Add(1)
		p.logger.Debug("Invalid frame, skipping", "frame_index", index, "error", err)
		return true
	}
	if !accepted {
		p.metrics.FramesRejected.Add(1)
		p.logger.Debug("Frame too dark, discarded",
			"frame_index", index,
			"mean", out.Mean)
		return true
	}

	now := time.Now()
	p.metrics.ObserveQueueFill(len(p.masks), cap(p.masks))
	if !send(p, p.masks, packet[*raster.Mask]{Index: index, Timestamp: now, Value: out.Mask}) {
		return false
	}
	return send(p, p.colors, Frame{Image: out.ROI, Index: index, Timestamp: now})
}

// pace sleeps out the rest of the frame interval. It returns false if ctx
// ends first.
func (p *Pipeline) pace(ctx context.Context, start time.Time) bool {
	if p.cfg.FrameInterval <= 0 {
		return true
	}
	remaining := p.cfg.FrameInterval - time.Since(start)
	if remaining <= 0 {
		return true
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-p.abort:
		return false
	}
}

// convolve turns each mask into a density map with the disk kernel.
//
// Error handling: a mask that cannot be filtered is forwarded as an all-zero
// density map of the same size, so the frame still reaches the tracker and
// keeps its pairing with the color frame.
func (p *Pipeline) convolve() {
	for item := range p.masks {
		grid, err := p.kernel.Convolve(item.Value)
		if err != nil {
			p.logger.Warn("Density convolution failed, forwarding empty map",
				"frame_index", item.Index,
				"error", err)
			grid = raster.NewGrid(item.Value.Width, item.Value.Height)
		}
		p.metrics.ObserveQueueFill(len(p.density), cap(p.density))
		if !send(p, p.density, packet[*raster.Grid]{Index: item.Index, Timestamp: item.Timestamp, Value: grid}) {
			return
		}
	}
}

// suppress keeps the column-wise density peaks of each map in place.
func (p *Pipeline) suppress() {
	for item := range p.density {
		vision.SuppressNonMaxima(item.Value)
		p.metrics.ObserveQueueFill(len(p.ridges), cap(p.ridges))
		if !send(p, p.ridges, item) {
			return
		}
	}
}

// extract walks each ridge map and forwards the deduplicated centers.
func (p *Pipeline) extract() {
	for item := range p.ridges {
		found := p.extractor.Extract(item.Value)
		p.metrics.CentersDetected.Add(uint64(len(found)))
		set := packet[centerSet]{
			Index:     item.Index,
			Timestamp: item.Timestamp,
			Value:     centerSet{Centers: found, Height: item.Value.Height},
		}
		p.metrics.ObserveQueueFill(len(p.centers), cap(p.centers))
		if !send(p, p.centers, set) {
			return
		}
	}
}

// track is the last stage and the only one touching tracking state.
//
// Behavior:
//   - Pairs every center set with the color frame of the same index
//   - Steps the tracker with a context that outlives cancellation, so an
//     aggregate due during the drain is still reported
//   - Records end-to-end latency, processed frames, entries and exits
//   - After the centers channel closes, releases leftover color frames and
//     flushes a final partial aggregate
func (p *Pipeline) track(ctx context.Context) {
	stepCtx := context.WithoutCancel(ctx)

	for item := range p.centers {
		frame := p.pairFrame(item.Index)
		out := p.tracker.Step(stepCtx, tracking.Observation{
			Index:   item.Index,
			Centers: item.Value.Centers,
			Height:  item.Value.Height,
			Frame:   frame,
		})

		p.metrics.ObserveStageTime(time.Since(item.Timestamp))
		if out.Skipped {
			continue
		}
		p.metrics.FramesProcessed.Add(1)
		p.metrics.Entries.Add(uint64(out.Entries))
		p.metrics.Exits.Add(uint64(out.Exits))
	}

	// Acquisition has exited once centers is closed; release anything left.
	for range p.colors {
	}
	p.held = nil

	if p.tracker.Flush(stepCtx) {
		p.logger.Info("Flushed partial aggregate on shutdown")
	}
	p.logger.Debug("Tracker stopped")
}

// pairFrame returns the side-channel frame acquired with index. Older frames
// are discarded. A newer frame belongs to a later center set and is held
// back for it; the current set then goes without a frame.
func (p *Pipeline) pairFrame(index int64) *raster.Color {
	for {
		frame, ok := p.nextFrame()
		if !ok {
			return nil
		}
		if frame.Index == index {
			return frame.Image
		}
		p.logger.Warn("Color frame out of step with center set",
			"center_index", index,
			"color_index", frame.Index)
		if frame.Index > index {
			p.held = &frame
			return nil
		}
	}
}

// nextFrame returns the held frame, if any, or the next one on the channel.
func (p *Pipeline) nextFrame() (Frame, bool) {
	if p.held != nil {
		frame := *p.held
		p.held = nil
		return frame, true
	}
	select {
	case frame, ok := <-p.colors:
		return frame, ok
	case <-p.abort:
		return Frame{}, false
	}
}
