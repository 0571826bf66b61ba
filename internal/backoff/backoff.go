// Package backoff computes retry delays for transient failures using
// exponential growth with random jitter and an upper bound.
package backoff

import (
	"time"

	backoffv5 "github.com/cenkalti/backoff/v5"
)

// Config holds the configuration for exponential backoff.
type Config struct {
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries, jitter included
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the growth factor applied after every attempt
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// JitterFraction randomizes each delay by up to this fraction in either
	// direction (0.0 to 1.0)
	JitterFraction float64 `yaml:"jitter_fraction" json:"jitter_fraction"`
}

// DefaultConfig returns the delays used for REST connection failures and
// retryable server errors: about 1s, 2s, 4s, ... capped at 16s.
func DefaultConfig() Config {
	return Config{
		InitialDelay:   1 * time.Second,
		MaxDelay:       16 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// ExponentialBackOff yields successive delays. It is not safe for concurrent
// use; each logical request owns its own instance.
type ExponentialBackOff struct {
	b        *backoffv5.ExponentialBackOff
	maxDelay time.Duration
}

// New creates a backoff sequence starting at cfg.InitialDelay. A multiplier
// below 1 is treated as 1 and the jitter fraction is clamped to [0, 1].
func New(cfg Config) *ExponentialBackOff {
	b := backoffv5.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.Multiplier = max(cfg.Multiplier, 1)
	b.RandomizationFactor = min(max(cfg.JitterFraction, 0), 1)
	if cfg.MaxDelay > 0 {
		b.MaxInterval = cfg.MaxDelay
	}
	b.Reset()

	return &ExponentialBackOff{b: b, maxDelay: cfg.MaxDelay}
}

// Next returns the delay to wait before the next attempt and advances the
// sequence. Jitter never pushes a delay past MaxDelay.
func (e *ExponentialBackOff) Next() time.Duration {
	d := e.b.NextBackOff()
	if e.maxDelay > 0 && d > e.maxDelay {
		d = e.maxDelay
	}
	return d
}
