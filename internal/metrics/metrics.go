// Package metrics keeps the process counters for the counting pipeline and
// exposes them to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application counters. The zero value is not usable; call New.
type Metrics struct {
	// Acquisition
	FramesCaptured    atomic.Uint64
	FramesRejected    atomic.Uint64 // dark frames
	CaptureErrors     atomic.Uint64
	ReconnectAttempts atomic.Uint64

	// Detection
	FramesProcessed atomic.Uint64
	CentersDetected atomic.Uint64
	Entries         atomic.Uint64
	Exits           atomic.Uint64

	// Reporting
	ReportsSent      atomic.Uint64
	ReportsFailed    atomic.Uint64
	ReportsPersisted atomic.Uint64

	StageFaults atomic.Uint64

	lastFrameTime    atomic.Int64
	avgStageTimeNs   atomic.Int64
	maxQueueFillPerc atomic.Int64

	mu     sync.Mutex
	queues map[string]func() int

	registry *prometheus.Registry
}

// New creates a Metrics instance with its Prometheus collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queues:   make(map[string]func() int),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"hive_frames_captured_total", "Frames read from the capture source", &m.FramesCaptured},
		{"hive_frames_rejected_total", "Frames discarded by darkness rejection", &m.FramesRejected},
		{"hive_capture_errors_total", "Empty or failed capture reads", &m.CaptureErrors},
		{"hive_reconnect_attempts_total", "Camera reconnection attempts", &m.ReconnectAttempts},
		{"hive_frames_processed_total", "Frames that reached the tracker", &m.FramesProcessed},
		{"hive_centers_detected_total", "Object centers emitted by the extractor", &m.CentersDetected},
		{"hive_entries_total", "Objects counted crossing into the hive", &m.Entries},
		{"hive_exits_total", "Objects counted leaving the hive", &m.Exits},
		{"hive_reports_sent_total", "Aggregates delivered to the collector", &m.ReportsSent},
		{"hive_reports_failed_total", "Aggregate delivery attempts that failed", &m.ReportsFailed},
		{"hive_reports_persisted_total", "Aggregates written to the outbox", &m.ReportsPersisted},
		{"hive_stage_faults_total", "Pipeline stages that aborted on a fault", &m.StageFaults},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "hive_stage_time_ms",
			Help: "Moving average of per-frame detection time in milliseconds",
		},
		m.AvgStageTimeMs,
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "hive_last_frame_age_seconds",
			Help: "Seconds since the last frame entered the pipeline",
		},
		func() float64 { return m.LastFrameAge().Seconds() },
	))

	m.registry.MustRegister(collectors.NewGoCollector())
}

// RegisterQueue exposes the depth of a named queue as a labelled gauge.
// Registering the same name twice replaces the depth function.
func (m *Metrics) RegisterQueue(name string, depth func() int) {
	m.mu.Lock()
	_, exists := m.queues[name]
	m.queues[name] = depth
	m.mu.Unlock()
	if exists {
		return
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "hive_queue_depth",
			Help:        "Items waiting in a pipeline queue",
			ConstLabels: prometheus.Labels{"queue": name},
		},
		func() float64 { return float64(m.QueueDepth(name)) },
	))
}

// QueueDepth returns the current depth of a registered queue, or 0.
func (m *Metrics) QueueDepth(name string) int {
	m.mu.Lock()
	depth := m.queues[name]
	m.mu.Unlock()
	if depth == nil {
		return 0
	}
	return depth()
}

// MarkFrame records that a frame just entered the pipeline.
func (m *Metrics) MarkFrame() {
	m.FramesCaptured.Add(1)
	m.lastFrameTime.Store(time.Now().UnixNano())
}

// LastFrameAge returns how long ago the last frame was captured, or 0 before
// the first one.
func (m *Metrics) LastFrameAge() time.Duration {
	last := m.lastFrameTime.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// ObserveStageTime folds one measurement into the moving average.
func (m *Metrics) ObserveStageTime(d time.Duration) {
	sample := d.Nanoseconds()
	for {
		current := m.avgStageTimeNs.Load()
		updated := sample
		if current != 0 {
			// EMA, alpha = 0.1
			updated = int64(float64(current)*0.9 + float64(sample)*0.1)
		}
		if m.avgStageTimeNs.CompareAndSwap(current, updated) {
			return
		}
	}
}

// AvgStageTimeMs returns the moving average stage time in milliseconds.
func (m *Metrics) AvgStageTimeMs() float64 {
	return float64(m.avgStageTimeNs.Load()) / 1e6
}

// ObserveQueueFill tracks the peak fill percentage seen on any queue.
func (m *Metrics) ObserveQueueFill(length, capacity int) {
	if capacity <= 0 {
		return
	}
	perc := int64(length * 100 / capacity)
	for {
		current := m.maxQueueFillPerc.Load()
		if perc <= current || m.maxQueueFillPerc.CompareAndSwap(current, perc) {
			return
		}
	}
}

// MaxQueueFill returns the peak queue fill percentage.
func (m *Metrics) MaxQueueFill() int64 {
	return m.maxQueueFillPerc.Load()
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// LogPeriodically writes a summary line every interval until ctx is done.
// It runs in its own goroutine next to the pipeline and gives visibility into
// capture health, counting throughput and delivery without a scrape.
//
// Reported each interval:
//   - Capture: frames captured, rejected as dark, errors, reconnect attempts
//   - Counting: frames processed, centers detected, entries and exits
//   - Delivery: reports sent, failed and persisted to the outbox
//   - Latency: average end-to-end stage time and peak queue fill
//
// A stall warning is logged when no frame arrived for stallAfter, and a
// utilization warning when a queue ran more than 90% full.
func (m *Metrics) LogPeriodically(ctx context.Context, logger *slog.Logger, interval, stallAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Metrics reporting stopped")
			return
		case <-ticker.C:
			age := m.LastFrameAge()
			logger.Debug("Pipeline metrics report",
				"frames_captured", m.FramesCaptured.Load(),
				"frames_rejected", m.FramesRejected.Load(),
				"frames_processed", m.FramesProcessed.Load(),
				"capture_errors", m.CaptureErrors.Load(),
				"reconnect_attempts", m.ReconnectAttempts.Load(),
				"centers_detected", m.CentersDetected.Load(),
				"entries", m.Entries.Load(),
				"exits", m.Exits.Load(),
				"reports_sent", m.ReportsSent.Load(),
				"reports_failed", m.ReportsFailed.Load(),
				"reports_persisted", m.ReportsPersisted.Load(),
				"avg_stage_time_ms", m.AvgStageTimeMs(),
				"max_queue_fill_pct", m.MaxQueueFill(),
				"last_frame_age_ms", age.Milliseconds())

			if stallAfter > 0 && age > stallAfter {
				logger.Warn("Frame acquisition may be stalled",
					"last_frame_age", age,
					"threshold", stallAfter)
			}
			if m.MaxQueueFill() > 90 {
				logger.Warn("High queue utilization detected",
					"max_utilization_pct", m.MaxQueueFill())
			}
		}
	}
}
