package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for the retry loop.
type RetryConfig struct {
	MaxAttempts int           // Total attempts; 0 retries forever
	BaseDelay   time.Duration // Delay before the first retry
	MaxDelay    time.Duration // Delay cap
	Multiplier  float64       // Growth per attempt; 1 keeps the delay fixed
	Jitter      bool          // Full jitter: uniform in [0, delay)
}

// DefaultRetryConfig retries forever with a fixed five second delay. Batch
// jobs favour eventual completion over failing fast.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 0,
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Second,
		Multiplier:  1,
	}
}

// RetryableFunc is a function that can be retried.
// It should return a non-nil error to trigger a retry.
type RetryableFunc func(ctx context.Context) error

// Executor runs a call until it succeeds, fails permanently, runs out of
// attempts, or its context ends. The input of the call never changes between
// attempts.
type Executor struct {
	cfg       RetryConfig
	breaker   *CircuitBreaker
	permanent func(error) bool
	onRetry   func(attempt int, err error)
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBreaker routes every attempt through cb. Attempts rejected by an open
// breaker count as transient failures.
func WithBreaker(cb *CircuitBreaker) ExecutorOption {
	return func(e *Executor) { e.breaker = cb }
}

// WithPermanent sets the predicate for errors that are returned to the
// caller immediately instead of being retried.
func WithPermanent(fn func(error) bool) ExecutorOption {
	return func(e *Executor) { e.permanent = fn }
}

// WithRetryHook is called before each backoff sleep.
func WithRetryHook(fn func(attempt int, err error)) ExecutorOption {
	return func(e *Executor) { e.onRetry = fn }
}

// WithLogger sets the logger used for retry messages.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor. Zero delays fall back to the defaults.
func NewExecutor(cfg RetryConfig, opts ...ExecutorOption) *Executor {
	def := DefaultRetryConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 1
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	e := &Executor{
		cfg:       cfg,
		permanent: func(error) bool { return false },
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs fn with retry. Permanent errors and context cancellation are
// returned at once; any other error is logged and retried after a delay.
func (e *Executor) Execute(ctx context.Context, fn RetryableFunc) error {
	for attempt := 0; ; attempt++ {
		// Check context before each attempt
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry: context cancelled: %w", ctx.Err())
		default:
		}

		err := e.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry: context cancelled: %w", ctx.Err())
		}
		if e.permanent(err) {
			return err
		}
		if e.cfg.MaxAttempts > 0 && attempt+1 >= e.cfg.MaxAttempts {
			return fmt.Errorf("retry: max attempts (%d) exceeded: %w", e.cfg.MaxAttempts, err)
		}

		delay := calculateDelay(attempt, e.cfg)
		e.logger.Warn("backend call failed, retrying", "attempt", attempt+1, "delay", delay, "err", err)
		if e.onRetry != nil {
			e.onRetry(attempt+1, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: context cancelled during backoff: %w", ctx.Err())
		case <-timer.C:
			// Continue to next attempt
		}
	}
}

func (e *Executor) attempt(ctx context.Context, fn RetryableFunc) error {
	if e.breaker == nil {
		return fn(ctx)
	}
	return e.breaker.Execute(func() error { return fn(ctx) })
}

// Do is Execute for calls that produce a value.
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// calculateDelay computes the backoff before retry number attempt+1:
// min(maxDelay, baseDelay * multiplier^attempt), optionally with full jitter.
func calculateDelay(attempt int, cfg RetryConfig) time.Duration {
	expDelay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))

	// Cap at maxDelay
	if expDelay > float64(cfg.MaxDelay) || math.IsInf(expDelay, 0) || math.IsNaN(expDelay) {
		expDelay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		expDelay = rand.Float64() * expDelay
	}

	// Ensure at least 1ms
	delay := time.Duration(expDelay)
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay
}
