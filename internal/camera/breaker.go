package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Breaker.Call while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state.
type State int32

const (
	// Closed is normal operation; calls go through.
	Closed State = iota
	// Open blocks calls until the open timeout has elapsed.
	Open
	// HalfOpen lets calls through to probe whether the camera recovered.
	HalfOpen
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker stops hammering a failing camera. After maxFailures consecutive
// failures it opens; once timeout has passed it lets calls through again in
// HalfOpen and closes after recoveryThreshold consecutive successes.
type Breaker struct {
	state           atomic.Int32
	failureCount    atomic.Int64
	successCount    atomic.Int64
	lastFailureTime atomic.Int64

	maxFailures       int64
	timeout           time.Duration
	recoveryThreshold int64
	now               func() time.Time
	logger            *slog.Logger
}

// NewBreaker creates a closed Breaker.
func NewBreaker(maxFailures int64, timeout time.Duration, recoveryThreshold int64, logger *slog.Logger) *Breaker {
	b := &Breaker{
		maxFailures:       maxFailures,
		timeout:           timeout,
		recoveryThreshold: recoveryThreshold,
		now:               time.Now,
		logger:            logger,
	}
	b.state.Store(int32(Closed))
	return b
}

// Call runs fn unless the circuit is open. Errors from fn count as failures.
func (b *Breaker) Call(fn func() error) error {
	if State(b.state.Load()) == Open {
		since := b.now().Sub(b.LastFailure())
		if since <= b.timeout {
			return fmt.Errorf("%w, last failure %v ago", ErrCircuitOpen, since.Round(time.Millisecond))
		}
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			b.successCount.Store(0)
			b.logger.Info("Circuit breaker state transition",
				"from", Open,
				"to", HalfOpen,
				"timeout_elapsed", since)
		}
	}

	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordFailure() {
	b.lastFailureTime.Store(b.now().UnixNano())
	failures := b.failureCount.Add(1)
	current := State(b.state.Load())

	switch {
	case current == HalfOpen:
		b.state.Store(int32(Open))
		b.successCount.Store(0)
		b.logger.Warn("Circuit breaker state transition",
			"from", HalfOpen,
			"to", Open,
			"reason", "failure_during_recovery")
	case current == Closed && failures >= b.maxFailures:
		b.state.Store(int32(Open))
		b.logger.Warn("Circuit breaker state transition",
			"from", Closed,
			"to", Open,
			"failure_count", failures,
			"max_failures", b.maxFailures)
	}
}

func (b *Breaker) recordSuccess() {
	b.failureCount.Store(0)
	if State(b.state.Load()) != HalfOpen {
		return
	}
	successes := b.successCount.Add(1)
	if successes >= b.recoveryThreshold && b.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
		b.logger.Info("Circuit breaker state transition",
			"from", HalfOpen,
			"to", Closed,
			"success_count", successes)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Reset closes the circuit, typically after a successful reconnection.
func (b *Breaker) Reset() {
	old := State(b.state.Swap(int32(Closed)))
	b.failureCount.Store(0)
	b.successCount.Store(0)
	if old != Closed {
		b.logger.Info("Circuit breaker reset", "previous_state", old)
	}
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int64 {
	return b.failureCount.Load()
}

// LastFailure returns the time of the most recent failure, or the zero time.
func (b *Breaker) LastFailure() time.Time {
	nanos := b.lastFailureTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
