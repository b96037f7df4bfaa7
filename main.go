// Package main implements a hive traffic counter that watches a fixed overhead
// camera and counts objects crossing into and out of the hive entrance.
//
// Frames are cropped, binarized and reduced to per-frame object centers,
// which a tracker matches across frames to count entries and exits. Every
// reporting interval the counts are sent to a remote collector as JSON.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/clalos/hive-traffic-counter/internal/camera"
	"github.com/clalos/hive-traffic-counter/internal/config"
	"github.com/clalos/hive-traffic-counter/internal/metrics"
	"github.com/clalos/hive-traffic-counter/internal/pipeline"
	"github.com/clalos/hive-traffic-counter/internal/report"
	"github.com/clalos/hive-traffic-counter/internal/snapshot"
	"github.com/clalos/hive-traffic-counter/internal/tracking"
)

// deviceIDEnv names the environment variable holding the device identity.
const deviceIDEnv = "DEVICE_ID"

// Config holds the application configuration parsed from command-line flags.
type Config struct {
	Source      string
	Width       int
	Height      int
	Endpoint    string
	LogFormat   string
	Verbose     bool
	TuningPath  string
	SnapshotDir string
	OutboxPath  string
	MetricsAddr string
	QueueSize   int
}

// parseFlags parses command-line arguments and returns the application configuration.
func parseFlags() (*Config, error) {
	fs := flag.NewFlagSet("hive-traffic-counter", flag.ContinueOnError)

	var (
		source      = fs.String("source", "", "Camera device index or video stream URL (required)")
		width       = fs.Int("width", 640, "Capture width in pixels")
		height      = fs.Int("height", 480, "Capture height in pixels")
		endpoint    = fs.String("endpoint", "", "Collector URL for aggregates; empty logs them instead")
		logfmt      = fs.String("logfmt", "json", "Log format: json or kv")
		verbose     = fs.Bool("verbose", false, "Enable debug logging")
		tuning      = fs.String("tuning", "", "JSON file overriding detection parameters")
		snapshotDir = fs.String("snapshot-dir", "", "Directory for annotated snapshots at each report")
		outbox      = fs.String("outbox", "", "SQLite file keeping undelivered aggregates")
		metricsAddr = fs.String("metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9100")
		queueSize   = fs.Int("queue-size", 8, "Capacity of each pipeline queue")
	)

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	if *source == "" {
		return nil, fmt.Errorf("source flag is required")
	}

	if *logfmt != "json" && *logfmt != "kv" {
		return nil, fmt.Errorf("logfmt must be 'json' or 'kv'")
	}

	if *width <= 0 || *height <= 0 {
		return nil, fmt.Errorf("width and height must be positive")
	}

	if *queueSize < 1 {
		return nil, fmt.Errorf("queue-size must be at least 1")
	}

	if *outbox != "" && *endpoint == "" {
		return nil, fmt.Errorf("outbox requires an endpoint")
	}

	return &Config{
		Source:      *source,
		Width:       *width,
		Height:      *height,
		Endpoint:    *endpoint,
		LogFormat:   *logfmt,
		Verbose:     *verbose,
		TuningPath:  *tuning,
		SnapshotDir: *snapshotDir,
		OutboxPath:  *outbox,
		MetricsAddr: *metricsAddr,
		QueueSize:   *queueSize,
	}, nil
}

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string, verbose bool) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// deviceIDFromEnv reads the device identity once. A missing or malformed
// value falls back to 0.
func deviceIDFromEnv(lookup func(string) (string, bool), logger *slog.Logger) int {
	raw, ok := lookup(deviceIDEnv)
	if !ok {
		logger.Warn("Device ID not set, using default", "env", deviceIDEnv, "device_id", 0)
		return 0
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("Invalid device ID, using default",
			"env", deviceIDEnv,
			"value", raw,
			"error", err,
			"device_id", 0)
		return 0
	}
	return id
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogFormat, cfg.Verbose)
	slog.SetDefault(logger)

	deviceID := deviceIDFromEnv(os.LookupEnv, logger)

	logger.Info("Starting Hive Traffic Counter",
		"source", cfg.Source,
		"width", cfg.Width,
		"height", cfg.Height,
		"endpoint", cfg.Endpoint,
		"device_id", deviceID,
		"tuning", cfg.TuningPath,
		"queue_size", cfg.QueueSize,
		"log_format", cfg.LogFormat,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, draining pipeline...")
		cancel()
	}()

	if err := run(ctx, cfg, deviceID, logger); err != nil {
		logger.Error("Hive Traffic Counter failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Hive Traffic Counter stopped")
}

// run wires the components together and blocks until the pipeline drains.
func run(ctx context.Context, cfg *Config, deviceID int, logger *slog.Logger) error {
	tuning := config.Default()
	if cfg.TuningPath != "" {
		loaded, err := config.Load(cfg.TuningPath)
		if err != nil {
			return err
		}
		tuning = loaded
	}

	m := metrics.New()
	var background sync.WaitGroup
	defer background.Wait()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Metrics server shutdown failed", "error", err)
			}
		}()
	}

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	background.Add(1)
	go func() {
		defer background.Done()
		m.LogPeriodically(metricsCtx, logger, 30*time.Second, 10*time.Second)
	}()

	reporter, stopReporter, err := setupReporter(cfg, m, logger, &background)
	if err != nil {
		return err
	}
	defer stopReporter()

	var snapshotter tracking.Snapshotter
	if cfg.SnapshotDir != "" {
		w, err := snapshot.New(cfg.SnapshotDir, tuning.KernelRadius, logger)
		if err != nil {
			return err
		}
		snapshotter = w
	}

	cam, err := camera.Open(camera.DefaultOptions(cfg.Source, cfg.Width, cfg.Height), m, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := cam.Close(); err != nil {
			logger.Warn("Failed to close camera", "error", err)
		}
	}()

	tracker := tracking.New(tracking.ConfigFromTuning(tuning, deviceID), reporter, snapshotter, logger)

	p, err := pipeline.New(pipeline.Config{
		QueueSize:     cfg.QueueSize,
		FrameInterval: tuning.FrameInterval(),
	}, tuning, cam, tracker, m, logger)
	if err != nil {
		return err
	}

	return p.Run(ctx)
}

// setupReporter picks the HTTP reporter when an endpoint is configured and a
// log-only reporter otherwise. The returned stop function flushes pending
// deliveries and must run after the pipeline has drained.
func setupReporter(cfg *Config, m *metrics.Metrics, logger *slog.Logger, wg *sync.WaitGroup) (tracking.Reporter, func(), error) {
	if cfg.Endpoint == "" {
		logger.Info("No collector endpoint configured, aggregates are logged only")
		return report.LogReporter{Logger: logger}, func() {}, nil
	}

	var outbox *report.Outbox
	if cfg.OutboxPath != "" {
		var err error
		outbox, err = report.OpenOutbox(cfg.OutboxPath)
		if err != nil {
			return nil, nil, err
		}
	}

	r, err := report.NewHTTPReporter(report.DefaultOptions(cfg.Endpoint), nil, outbox, m, logger)
	if err != nil {
		if outbox != nil {
			outbox.Close()
		}
		return nil, nil, err
	}

	// The reporter outlives the signal context so the shutdown flush is delivered.
	reporterCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		if err := r.Run(reporterCtx); err != nil {
			logger.Error("Reporter stopped with error", "error", err)
		}
	}()

	stop := func() {
		cancel()
		<-done
		if outbox != nil {
			if err := outbox.Close(); err != nil {
				logger.Warn("Failed to close outbox", "error", err)
			}
		}
	}
	return r, stop, nil
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
