// Package report delivers tracking aggregates to the remote collector.
//
// HTTPReporter queues aggregates without blocking the tracker and POSTs them
// from its own goroutine. Deliveries that fail are kept in a sqlite Outbox
// and retried oldest-first with exponential backoff.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clalos/hive-traffic-counter/internal/metrics"
	"github.com/clalos/hive-traffic-counter/internal/tracking"
)

var (
	// ErrQueueFull is returned when the delivery queue has no room and there
	// is no outbox to fall back on.
	ErrQueueFull = errors.New("report queue is full")
	// ErrClosed is returned by Report after the reporter has shut down.
	ErrClosed = errors.New("reporter is closed")
)

// Options configures an HTTPReporter.
type Options struct {
	Endpoint   string
	QueueSize  int
	Timeout    time.Duration
	RetryBase  time.Duration
	RetryMax   time.Duration
	RetryBatch int
}

// DefaultOptions returns production delivery settings for endpoint.
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:   endpoint,
		QueueSize:  16,
		Timeout:    10 * time.Second,
		RetryBase:  5 * time.Second,
		RetryMax:   5 * time.Minute,
		RetryBatch: 50,
	}
}

// HTTPReporter sends aggregates as JSON over HTTP POST.
type HTTPReporter struct {
	opts    Options
	client  HTTPClient
	outbox  *Outbox
	metrics *metrics.Metrics
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time

	queue  chan Envelope
	mu     sync.RWMutex
	closed bool
}

var _ tracking.Reporter = (*HTTPReporter)(nil)

// NewHTTPReporter creates a reporter. outbox and m may be nil.
func NewHTTPReporter(opts Options, client HTTPClient, outbox *Outbox, m *metrics.Metrics, logger *slog.Logger) (*HTTPReporter, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if opts.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be at least 1, got %d", opts.QueueSize)
	}
	if opts.RetryBatch < 1 {
		opts.RetryBatch = 1
	}
	if client == nil {
		client = NewStandardClient(&http.Client{Timeout: opts.Timeout})
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &HTTPReporter{
		opts:    opts,
		client:  client,
		outbox:  outbox,
		metrics: m,
		logger:  logger,
		newID:   uuid.NewString,
		now:     time.Now,
		queue:   make(chan Envelope, opts.QueueSize),
	}, nil
}

// Report enqueues agg for delivery without blocking. When the queue is full
// the aggregate goes straight to the outbox if there is one.
func (r *HTTPReporter) Report(ctx context.Context, agg tracking.Aggregate) error {
	env := Envelope{ID: r.newID(), Aggregate: agg, CreatedAt: r.now()}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	select {
	case r.queue <- env:
		return nil
	default:
	}

	if r.outbox == nil {
		return ErrQueueFull
	}
	r.logger.Warn("Report queue full, persisting aggregate", "report_id", env.ID)
	return r.persist(ctx, env)
}

// Run delivers queued aggregates and retries the outbox until ctx is done.
// On shutdown every aggregate still queued gets one delivery attempt and is
// persisted if that fails.
func (r *HTTPReporter) Run(ctx context.Context) error {
	retryDelay := r.opts.RetryBase
	failures := 0
	timer := time.NewTimer(retryDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case env := <-r.queue:
			r.deliver(context.WithoutCancel(ctx), env)
		case <-timer.C:
			if err := r.retryPending(ctx); err != nil {
				failures++
				retryDelay = backoff(r.opts.RetryBase, r.opts.RetryMax, failures)
				r.logger.Debug("Outbox retry failed", "error", err, "retry_in", retryDelay)
			} else {
				failures = 0
				retryDelay = r.opts.RetryBase
			}
			timer.Reset(retryDelay)
		}
	}
}

func (r *HTTPReporter) shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()
	for {
		select {
		case env := <-r.queue:
			r.deliver(ctx, env)
		default:
			r.logger.Debug("Reporter stopped")
			return
		}
	}
}

// deliver sends env once and persists it on failure.
func (r *HTTPReporter) deliver(ctx context.Context, env Envelope) {
	err := r.Send(ctx, env)
	if err == nil {
		return
	}
	if r.outbox == nil {
		r.logger.Error("Aggregate lost, no outbox configured",
			"report_id", env.ID,
			"in_field", env.Aggregate.InField,
			"out_field", env.Aggregate.OutField)
		return
	}
	env.Attempts++
	if err := r.persist(context.WithoutCancel(ctx), env); err != nil {
		r.logger.Error("Failed to persist aggregate", "report_id", env.ID, "error", err)
	}
}

func (r *HTTPReporter) persist(ctx context.Context, env Envelope) error {
	if err := r.outbox.Save(ctx, env); err != nil {
		return err
	}
	r.metrics.ReportsPersisted.Add(1)
	return nil
}

// retryPending resends stored envelopes oldest-first and stops at the first
// failure so ordering is kept.
func (r *HTTPReporter) retryPending(ctx context.Context) error {
	if r.outbox == nil {
		return nil
	}
	pending, err := r.outbox.Pending(ctx, r.opts.RetryBatch)
	if err != nil {
		return err
	}
	for _, env := range pending {
		if err := r.Send(ctx, env); err != nil {
			if markErr := r.outbox.MarkAttempt(ctx, env.ID); markErr != nil {
				r.logger.Warn("Failed to record retry attempt", "report_id", env.ID, "error", markErr)
			}
			return err
		}
		if err := r.outbox.Delete(ctx, env.ID); err != nil {
			return err
		}
		r.logger.Info("Delivered stored aggregate",
			"report_id", env.ID,
			"attempts", env.Attempts+1,
			"age", r.now().Sub(env.CreatedAt).Round(time.Second))
	}
	return nil
}

// Send performs one POST of env.
func (r *HTTPReporter) Send(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env.Aggregate)
	if err != nil {
		return fmt.Errorf("failed to encode aggregate: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Report-ID", env.ID)

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.ReportsFailed.Add(1)
		r.logger.Warn("Failed to send aggregate", "report_id", env.ID, "error", err)
		return fmt.Errorf("failed to send report %s: %w", env.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.metrics.ReportsFailed.Add(1)
		r.logger.Warn("Collector rejected aggregate",
			"report_id", env.ID,
			"status", resp.StatusCode)
		return fmt.Errorf("collector returned status %d for report %s", resp.StatusCode, env.ID)
	}

	r.metrics.ReportsSent.Add(1)
	r.logger.Info("Aggregate delivered",
		"report_id", env.ID,
		"status", resp.StatusCode,
		"in_field", env.Aggregate.InField,
		"out_field", env.Aggregate.OutField)
	return nil
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

// LogReporter logs aggregates instead of sending them. It is used when no
// collector endpoint is configured.
type LogReporter struct {
	Logger *slog.Logger
}

var _ tracking.Reporter = LogReporter{}

// Report logs agg and never fails.
func (l LogReporter) Report(_ context.Context, agg tracking.Aggregate) error {
	if l.Logger != nil {
		l.Logger.Info("Aggregate ready",
			"device_id", agg.DeviceID,
			"type", agg.RecordType,
			"in_field", agg.InField,
			"out_field", agg.OutField)
	}
	return nil
}
