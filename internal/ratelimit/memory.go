package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cordrest/internal/clock"
)

// MemoryBackend is an in-process GlobalBackend backed by a token bucket from
// golang.org/x/time/rate, refilled at the configured requests per second with
// a burst of the same size.
type MemoryBackend struct {
	clock clock.Clock

	mu          sync.Mutex
	limiter     *rate.Limiter
	pausedUntil time.Time
}

// NewMemoryBackend creates a backend allowing requestsPerSecond requests per
// second. A non-positive value disables the budget; pauses still apply.
func NewMemoryBackend(requestsPerSecond int, c clock.Clock) *MemoryBackend {
	if c == nil {
		c = clock.Real()
	}

	limit, burst := rate.Inf, 0
	if requestsPerSecond > 0 {
		limit, burst = rate.Limit(requestsPerSecond), requestsPerSecond
	}
	return &MemoryBackend{
		clock:   c,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Reserve implements GlobalBackend.
func (m *MemoryBackend) Reserve(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if now.Before(m.pausedUntil) {
		return m.pausedUntil.Sub(now), nil
	}

	r := m.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay, nil
	}
	return 0, nil
}

// Pause implements GlobalBackend. A shorter pause never cuts a longer one.
func (m *MemoryBackend) Pause(_ context.Context, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	until := m.clock.Now().Add(d)
	if until.After(m.pausedUntil) {
		m.pausedUntil = until
	}
	return nil
}

// Close implements GlobalBackend.
func (m *MemoryBackend) Close() error {
	return nil
}
