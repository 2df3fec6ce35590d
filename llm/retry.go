package llm

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds transport retry configuration.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per invocation.
	MaxAttempts int `yaml:"max_attempts" koanf:"max_attempts"`

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration `yaml:"backoff_base" koanf:"backoff_base"`

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" koanf:"backoff_multiplier"`

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration `yaml:"max_backoff" koanf:"max_backoff"`
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// NewBackOff builds an exponential backoff with ±25% jitter, capped at
// MaxAttempts-1 retries.
func (c RetryConfig) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BackoffBase
	b.Multiplier = c.BackoffMultiplier
	b.MaxInterval = c.MaxBackoff
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	b.Reset()

	retries := c.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}
