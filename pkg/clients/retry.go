// Package clients provides resilience helpers shared by components that talk
// to external dependencies (databases, caches, downstream services).
package clients

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryConfig configures retry behavior for storage operations.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// ShouldRetry decides whether an error is retryable. Domain outcomes
	// (insufficient credits, expired code, ...) must return false here so
	// they surface immediately; only infrastructure faults are retried.
	ShouldRetry func(err error) bool
}

// DefaultStorageRetryConfig retries a failed storage call once with a short
// backoff before giving up.
func DefaultStorageRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 1,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
	}
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = func(err error) bool { return err != nil }
	}
	return cfg
}

// NewStorageRetryPolicy creates a retry policy for storage operations.
func NewStorageRetryPolicy(cfg RetryConfig) retrypolicy.RetryPolicy[any] {
	cfg = normalizeRetryConfig(cfg)
	return retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return err != nil && cfg.ShouldRetry(err)
		}).
		Build()
}

// RunWithRetry executes fn through the given retry policy, honoring ctx
// cancellation between attempts.
func RunWithRetry(ctx context.Context, policy retrypolicy.RetryPolicy[any], fn func() error) error {
	return failsafe.With(policy).WithContext(ctx).Run(fn)
}
