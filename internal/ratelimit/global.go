package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"cordrest/internal/clock"
)

// GlobalBackend stores the process-wide request budget. Reserve either
// admits one request and returns zero, or returns how long to wait before
// asking again. Pause blocks all admissions for d.
type GlobalBackend interface {
	Reserve(ctx context.Context) (time.Duration, error)
	Pause(ctx context.Context, d time.Duration) error
	Close() error
}

// GlobalLimiter gates every outbound request through a GlobalBackend.
type GlobalLimiter struct {
	backend GlobalBackend
	clock   clock.Clock
	logger  *slog.Logger
	maxWait time.Duration
}

// GlobalOption configures a GlobalLimiter.
type GlobalOption func(*GlobalLimiter)

// WithGlobalClock sets the time source used for sleeping.
func WithGlobalClock(c clock.Clock) GlobalOption {
	return func(g *GlobalLimiter) { g.clock = c }
}

// WithGlobalLogger sets the logger.
func WithGlobalLogger(l *slog.Logger) GlobalOption {
	return func(g *GlobalLimiter) { g.logger = l }
}

// WithGlobalMaxWait bounds a single wait imposed by the backend. Zero means
// unbounded.
func WithGlobalMaxWait(d time.Duration) GlobalOption {
	return func(g *GlobalLimiter) { g.maxWait = d }
}

// NewGlobalLimiter wraps backend.
func NewGlobalLimiter(backend GlobalBackend, opts ...GlobalOption) *GlobalLimiter {
	g := &GlobalLimiter{
		backend: backend,
		clock:   clock.Real(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit blocks until one request may be sent.
func (g *GlobalLimiter) Admit(ctx context.Context) error {
	for {
		wait, err := g.backend.Reserve(ctx)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		if g.maxWait > 0 && wait > g.maxWait {
			return &TooLongError{
				Route:      ScopeGlobal,
				Global:     true,
				RetryAfter: wait,
				MaxWait:    g.maxWait,
				ResetAt:    g.clock.Now().Add(wait),
			}
		}
		if err := clock.Sleep(ctx, g.clock, wait); err != nil {
			return err
		}
	}
}

// Throttle pauses all admissions for d after the remote service reported a
// global rate limit.
func (g *GlobalLimiter) Throttle(ctx context.Context, d time.Duration) error {
	g.logger.Warn("global rate limit hit", slog.Duration("retry_after", d))
	return g.backend.Pause(ctx, d)
}

// Ping reports whether the backend is reachable. Backends without a remote
// store are always healthy.
func (g *GlobalLimiter) Ping(ctx context.Context) error {
	if p, ok := g.backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the backend.
func (g *GlobalLimiter) Close() error {
	return g.backend.Close()
}
