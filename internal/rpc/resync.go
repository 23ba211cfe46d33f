package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// ResyncConfig configures handshake re-synchronization.
type ResyncConfig struct {
	// MaxRetries is the number of handshake retries before giving up.
	// Default: 3
	MaxRetries int

	// RetryDelay is the wait before the second retry.
	// Default: 2 seconds
	RetryDelay time.Duration

	// BackoffMultiplier grows the delay for every further retry.
	// Default: 1.5
	BackoffMultiplier float64
}

// DefaultResyncConfig returns the default re-synchronization configuration.
func DefaultResyncConfig() ResyncConfig {
	return ResyncConfig{
		MaxRetries:        3,
		RetryDelay:        2 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// Validate checks the configuration bounds.
func (c ResyncConfig) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("maxRetries must be at least 0"))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, errors.New("retryDelayMs must be greater than 0"))
	}
	if c.BackoffMultiplier < 1.0 || math.IsNaN(c.BackoffMultiplier) {
		errs = append(errs, errors.New("backoffMultiplier must be at least 1.0"))
	}
	return errors.Join(errs...)
}

// ResyncDelay returns the wait before the given 1-indexed retry attempt.
// The first attempt runs immediately.
func ResyncDelay(attempt int, base time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return time.Duration(float64(base) * math.Pow(multiplier, float64(attempt-2)))
}

// ResyncResult reports the outcome of AttemptReSync.
type ResyncResult struct {
	Success  bool
	Attempts int
	Result   json.RawMessage
	Err      error
}

// HandshakeFunc performs one handshake and returns the server's reply.
type HandshakeFunc func(ctx context.Context) (json.RawMessage, error)

// ResyncCoordinator retries a stalled handshake with exponential backoff and
// drives the connection state through TimeoutRetrying.
//
// AttemptReSync must not be called concurrently on the same coordinator.
type ResyncCoordinator struct {
	config         ResyncConfig
	state          *ConnectionState
	log            Logger
	currentAttempt int

	// wait blocks for d or until ctx is done.
	wait func(ctx context.Context, d time.Duration) error
}

// NewResyncCoordinator creates a coordinator driving state.
func NewResyncCoordinator(config ResyncConfig, state *ConnectionState, log Logger) *ResyncCoordinator {
	return &ResyncCoordinator{
		config: config,
		state:  state,
		log:    newSafeLogger(log),
		wait:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CurrentAttempt returns the number of retries made since the last reset.
func (r *ResyncCoordinator) CurrentAttempt() int {
	return r.currentAttempt
}

// Reset clears the attempt counter.
func (r *ResyncCoordinator) Reset() {
	r.currentAttempt = 0
}

// Config returns the coordinator configuration.
func (r *ResyncCoordinator) Config() ResyncConfig {
	return r.config
}

// ResyncOption adjusts a single AttemptReSync call.
type ResyncOption func(*resyncOptions)

type resyncOptions struct {
	alive       func() bool
	skipConnect bool
}

// WhileAlive stops the retries as soon as alive reports false. The loop
// then ends with ErrNotRunning and leaves the state to whoever observed
// the server going away.
func WhileAlive(alive func() bool) ResyncOption {
	return func(o *resyncOptions) {
		o.alive = alive
	}
}

// WithoutConnect leaves the final Connected transition to the caller, for
// handshakes that still have work to do before the client is usable.
func WithoutConnect() ResyncOption {
	return func(o *resyncOptions) {
		o.skipConnect = true
	}
}

// AttemptReSync re-issues the handshake until it succeeds or the retry
// budget is spent. A cancelled ctx stops the loop without a state change.
func (r *ResyncCoordinator) AttemptReSync(ctx context.Context, handshake HandshakeFunc, opts ...ResyncOption) ResyncResult {
	var o resyncOptions
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error

	for r.currentAttempt < r.config.MaxRetries {
		if o.alive != nil && !o.alive() {
			r.log.Info("server gone, abandoning handshake retry", "attempts", r.currentAttempt)
			return ResyncResult{Attempts: r.currentAttempt, Err: ErrNotRunning}
		}

		r.currentAttempt++
		attempt := r.currentAttempt

		r.transition(StateTimeoutRetrying, StatusDetails{
			RetryCount: attempt,
			LastError:  lastErr,
		})

		if delay := ResyncDelay(attempt, r.config.RetryDelay, r.config.BackoffMultiplier); delay > 0 {
			r.log.Info("waiting before handshake retry", "attempt", attempt, "delay", delay)
			if err := r.wait(ctx, delay); err != nil {
				return ResyncResult{Attempts: attempt, Err: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return ResyncResult{Attempts: attempt, Err: err}
		}
		if o.alive != nil && !o.alive() {
			r.log.Info("server gone, abandoning handshake retry", "attempts", attempt)
			return ResyncResult{Attempts: attempt, Err: ErrNotRunning}
		}

		r.log.Info("retrying handshake", "attempt", attempt, "maxRetries", r.config.MaxRetries)
		result, err := handshake(ctx)
		if err == nil {
			r.currentAttempt = 0
			if !o.skipConnect {
				r.transition(StateConnected, StatusDetails{})
			}
			r.log.Info("handshake recovered", "attempts", attempt)
			return ResyncResult{Success: true, Attempts: attempt, Result: result}
		}

		lastErr = err
		r.log.Warn("handshake retry failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return ResyncResult{Attempts: attempt, Err: ctx.Err()}
		}
	}

	if o.alive != nil && !o.alive() {
		return ResyncResult{Attempts: r.currentAttempt, Err: ErrNotRunning}
	}

	exhausted := &ResyncExhaustedError{Attempts: r.currentAttempt, Err: lastErr}
	r.transition(StateError, StatusDetails{
		Message:    exhausted.Error(),
		RetryCount: r.currentAttempt,
		LastError:  exhausted,
	})
	return ResyncResult{Attempts: r.currentAttempt, Err: exhausted}
}

// transition applies a state change. A rejected transition is logged and
// does not interrupt the retry loop: the handshake first stalls while the
// machine is still Connecting, which has no edge to TimeoutRetrying.
func (r *ResyncCoordinator) transition(state State, details StatusDetails) {
	if r.state == nil {
		return
	}
	if err := r.state.SetState(state, details); err != nil {
		r.log.Debug("resync state transition skipped", "error", err)
	}
}
