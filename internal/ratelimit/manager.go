package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cordrest/internal/clock"
	"cordrest/internal/routes"
)

// BucketManager hands out per-bucket permits. Until a route's bucket hash is
// learned from a response, each distinct route identity gets its own
// provisional bucket that allows a single request at a time.
type BucketManager struct {
	clock   clock.Clock
	logger  *slog.Logger
	maxWait time.Duration

	gcInterval time.Duration
	idleTTL    time.Duration
	maxBuckets int

	mu          sync.Mutex
	buckets     map[string]*bucket
	routeHashes map[string]string // route template -> bucket hash
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup
}

// Option configures a BucketManager.
type Option func(*BucketManager)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *BucketManager) { m.clock = c }
}

// WithLogger sets the logger used for remap and eviction events.
func WithLogger(l *slog.Logger) Option {
	return func(m *BucketManager) { m.logger = l }
}

// WithMaxWait bounds how long Acquire may wait for a bucket window to reset.
// Zero means unbounded.
func WithMaxWait(d time.Duration) Option {
	return func(m *BucketManager) { m.maxWait = d }
}

// WithJanitor enables a background sweep every interval that drops buckets
// idle for longer than idleTTL.
func WithJanitor(interval, idleTTL time.Duration) Option {
	return func(m *BucketManager) {
		m.gcInterval = interval
		m.idleTTL = idleTTL
	}
}

// WithMaxBuckets caps the number of tracked buckets. The sweep evicts the
// least recently used idle buckets beyond the cap.
func WithMaxBuckets(n int) Option {
	return func(m *BucketManager) { m.maxBuckets = n }
}

// NewBucketManager creates a manager and starts its janitor if configured.
func NewBucketManager(opts ...Option) *BucketManager {
	m := &BucketManager{
		clock:       clock.Real(),
		logger:      slog.Default(),
		buckets:     make(map[string]*bucket),
		routeHashes: make(map[string]string),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.gcInterval > 0 {
		m.wg.Add(1)
		go m.janitor()
	}
	return m
}

// Acquire blocks until the caller may send a request on route, the wait
// would exceed the configured maximum, or ctx is done. Callers on the same
// bucket are admitted in arrival order.
func (m *BucketManager) Acquire(ctx context.Context, route routes.CompiledRoute) (*Permit, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	b := m.bucketFor(route)
	b.waiters++
	m.mu.Unlock()

	for {
		select {
		case b.gate <- struct{}{}:
		case <-ctx.Done():
			m.mu.Lock()
			b.waiters--
			m.mu.Unlock()
			return nil, ctx.Err()
		}

		next, permit, err := m.waitAtHead(ctx, b, route)
		if next != nil {
			b = next
			continue
		}
		return permit, err
	}
}

// waitAtHead runs while the caller holds b's gate. It returns either a
// replacement bucket to queue on, a permit, or an error. The gate is always
// released before returning.
func (m *BucketManager) waitAtHead(ctx context.Context, b *bucket, route routes.CompiledRoute) (*bucket, *Permit, error) {
	for {
		m.mu.Lock()
		if m.closed {
			b.waiters--
			m.mu.Unlock()
			<-b.gate
			return nil, nil, ErrClosed
		}

		if b.movedTo != nil {
			next := b.resolve()
			b.waiters--
			next.waiters++
			m.mu.Unlock()
			<-b.gate
			return next, nil, nil
		}

		now := m.clock.Now()
		b.lastUsed = now
		b.refresh(now)

		if b.remaining > 0 {
			b.remaining--
			b.inFlight++
			b.waiters--
			m.mu.Unlock()
			<-b.gate
			return nil, &Permit{m: m, b: b, route: route}, nil
		}

		wait := time.Duration(-1)
		if !b.resetAt.IsZero() {
			wait = b.resetAt.Sub(now)
		}
		if wait > 0 && m.maxWait > 0 && wait > m.maxWait {
			err := &TooLongError{
				Route:      route.Identity(),
				RetryAfter: wait,
				MaxWait:    m.maxWait,
				ResetAt:    b.resetAt,
			}
			b.waiters--
			m.mu.Unlock()
			<-b.gate
			return nil, nil, err
		}
		changed := b.changed
		m.mu.Unlock()

		if err := m.sleep(ctx, wait, changed); err != nil {
			m.mu.Lock()
			b.waiters--
			m.mu.Unlock()
			<-b.gate
			return nil, nil, err
		}
	}
}

// sleep waits for d (forever if negative), a change notification, or ctx.
func (m *BucketManager) sleep(ctx context.Context, d time.Duration, changed <-chan struct{}) error {
	var timeout <-chan time.Time
	if d >= 0 {
		t := m.clock.NewTimer(d)
		defer t.Stop()
		timeout = t.Chan()
	}

	select {
	case <-timeout:
	case <-changed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// bucketFor returns the live bucket for route, creating a provisional one if
// necessary. Must be called with m.mu held.
func (m *BucketManager) bucketFor(route routes.CompiledRoute) *bucket {
	key, hash := m.keyFor(route)
	b, ok := m.buckets[key]
	if !ok {
		b = newBucket(key, hash, m.clock.Now())
		m.buckets[key] = b
	}
	return b.resolve()
}

// keyFor maps route to its bucket key and known hash. Must be called with
// m.mu held.
func (m *BucketManager) keyFor(route routes.CompiledRoute) (string, string) {
	if h, ok := m.routeHashes[route.Route.String()]; ok {
		return h + "|" + route.MajorParams(), h
	}
	return unknownHash + "|" + route.Identity(), ""
}

func (m *BucketManager) release(p *Permit, h *Headers) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	b := p.b
	b.inFlight--
	b.lastUsed = now

	if h == nil {
		if !b.known() && b.movedTo == nil {
			b.remaining = 1
		}
		b.broadcast()
		return
	}

	template := p.route.Route.String()
	if old, ok := m.routeHashes[template]; ok && old != h.Bucket {
		m.logger.Debug("bucket hash changed",
			slog.String("route", template),
			slog.String("old", old),
			slog.String("new", h.Bucket))
	}
	m.routeHashes[template] = h.Bucket

	target := m.rekey(b.resolve(), h.Bucket+"|"+p.route.MajorParams())
	target.lastUsed = now
	target.apply(h, now)
}

// rekey moves b under key. If a bucket already lives there, b is retired and
// its queue redirected to the existing bucket. Must be called with m.mu held.
func (m *BucketManager) rekey(b *bucket, key string) *bucket {
	if b.key == key {
		return b
	}

	if m.buckets[b.key] == b {
		delete(m.buckets, b.key)
	}

	existing, ok := m.buckets[key]
	if !ok && !b.learned {
		b.key = key
		m.buckets[key] = b
		return b
	}
	if !ok {
		existing = newBucket(key, "", m.clock.Now())
		m.buckets[key] = existing
	}

	existing = existing.resolve()
	b.movedTo = existing
	b.broadcast()
	return existing
}

func (m *BucketManager) cancel(p *Permit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := p.b
	b.inFlight--
	if b.movedTo == nil {
		if b.remaining < b.limit {
			b.remaining++
		}
		b.broadcast()
	}
}

// Throttle marks route's bucket as exhausted for d. It is used when a 429
// reports a bucket-scoped retry delay.
func (m *BucketManager) Throttle(route routes.CompiledRoute, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucketFor(route)
	resetAt := m.clock.Now().Add(d)
	b.remaining = 0
	if resetAt.After(b.resetAt) {
		b.resetAt = resetAt
	}
	b.broadcast()
}

// Info returns the accounting of route's bucket, if one is tracked.
func (m *BucketManager) Info(route routes.CompiledRoute) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, _ := m.keyFor(route)
	b, ok := m.buckets[key]
	if !ok {
		return Info{}, false
	}
	return b.resolve().info(), true
}

// Len returns the number of tracked buckets.
func (m *BucketManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the janitor and fails all queued and future acquisitions with
// ErrClosed. It is safe to call more than once.
func (m *BucketManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	for _, b := range m.buckets {
		b.broadcast()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *BucketManager) janitor() {
	defer m.wg.Done()

	for {
		t := m.clock.NewTimer(m.gcInterval)
		select {
		case <-m.done:
			t.Stop()
			return
		case <-t.Chan():
			m.Sweep()
		}
	}
}

// Sweep evicts idle buckets whose window has ended and which have not been
// used within the idle TTL, then trims least recently used idle buckets down
// to the configured cap. A bucket whose window is still open is never
// evicted, so the cap may be exceeded until those windows end. It returns the number of buckets evicted.
func (m *BucketManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	evicted := 0
	for key, b := range m.buckets {
		if !b.idle() {
			continue
		}
		if b.throttled(now) {
			continue
		}
		if m.idleTTL > 0 && now.Sub(b.lastUsed) >= m.idleTTL {
			delete(m.buckets, key)
			evicted++
		}
	}

	if m.maxBuckets > 0 && len(m.buckets) > m.maxBuckets {
		idle := make([]*bucket, 0, len(m.buckets))
		for _, b := range m.buckets {
			if b.idle() && !b.throttled(now) {
				idle = append(idle, b)
			}
		}
		sort.Slice(idle, func(i, j int) bool {
			return idle[i].lastUsed.Before(idle[j].lastUsed)
		})
		for _, b := range idle {
			if len(m.buckets) <= m.maxBuckets {
				break
			}
			delete(m.buckets, b.key)
			evicted++
		}
	}

	if evicted > 0 {
		m.logger.Debug("evicted rate limit buckets",
			slog.Int("evicted", evicted),
			slog.Int("remaining", len(m.buckets)))
	}
	return evicted
}
