package ratelimit

import (
	"sync/atomic"
	"time"

	"cordrest/internal/routes"
)

const unknownHash = "unknown"

// bucket is the shared accounting for every route that the remote service
// maps to the same bucket hash and major parameters. All fields except gate
// are guarded by BucketManager.mu.
type bucket struct {
	key  string
	hash string // empty until a response names the bucket

	// gate admits one caller at a time to the head of the queue. Blocked
	// channel senders are woken in arrival order, which gives FIFO admission.
	gate chan struct{}

	limit     int
	remaining int
	resetAt   time.Time
	inFlight  int
	waiters   int
	lastUsed  time.Time
	learned   bool // at least one response has been applied

	// movedTo is set when the bucket was re-keyed under a new hash. Queued
	// callers follow it to the replacement.
	movedTo *bucket

	// changed is closed and replaced whenever the accounting changes.
	changed chan struct{}
}

func newBucket(key, hash string, now time.Time) *bucket {
	return &bucket{
		key:       key,
		hash:      hash,
		gate:      make(chan struct{}, 1),
		limit:     1,
		remaining: 1,
		lastUsed:  now,
		changed:   make(chan struct{}),
	}
}

func (b *bucket) known() bool {
	return b.hash != ""
}

func (b *bucket) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// resolve follows movedTo links to the live bucket.
func (b *bucket) resolve() *bucket {
	for b.movedTo != nil {
		b = b.movedTo
	}
	return b
}

// refresh starts a new window if the current one has ended.
func (b *bucket) refresh(now time.Time) {
	if !b.resetAt.IsZero() && !now.Before(b.resetAt) {
		b.remaining = b.limit
		b.resetAt = time.Time{}
	}
	// Nothing in flight can report back, so let one request probe the window.
	if b.remaining <= 0 && b.resetAt.IsZero() && b.inFlight == 0 {
		b.remaining = 1
	}
}

// apply merges the headers of one response. The first response, or one
// arriving after the window ended, takes the server's values. Otherwise the
// tighter of the two views wins so that out-of-order responses and requests
// still in flight cannot inflate the remaining count.
func (b *bucket) apply(h *Headers, now time.Time) {
	resetAt := now.Add(h.ResetAfter)
	b.limit = h.Limit

	switch {
	case !b.learned || (!b.resetAt.IsZero() && !now.Before(b.resetAt)):
		b.remaining = h.Remaining
		b.resetAt = resetAt
	case b.resetAt.IsZero():
		b.remaining = min(b.remaining, h.Remaining)
		b.resetAt = resetAt
	default:
		b.remaining = min(b.remaining, h.Remaining)
		if resetAt.After(b.resetAt) {
			b.resetAt = resetAt
		}
	}

	b.hash = h.Bucket
	b.learned = true
	b.broadcast()
}

func (b *bucket) info() Info {
	return Info{
		Hash:      b.hash,
		Limit:     b.limit,
		Remaining: b.remaining,
		ResetAt:   b.resetAt,
		InFlight:  b.inFlight,
	}
}

// throttled reports whether the bucket's window, learned or imposed by a
// 429, is still open at now.
func (b *bucket) throttled(now time.Time) bool {
	return !b.resetAt.IsZero() && now.Before(b.resetAt)
}

func (b *bucket) idle() bool {
	return b.inFlight == 0 && b.waiters == 0
}

// Permit is the right to send one request on a bucket. Exactly one of
// Release or Cancel must be called; later calls are no-ops.
type Permit struct {
	m     *BucketManager
	b     *bucket
	route routes.CompiledRoute
	done  atomic.Bool
}

// Route returns the compiled route the permit was acquired for.
func (p *Permit) Route() routes.CompiledRoute {
	return p.route
}

// Release reports the outcome of the request. h may be nil when the
// response carried no rate-limit headers or no response was received.
func (p *Permit) Release(h *Headers) {
	if !p.done.CompareAndSwap(false, true) {
		return
	}
	p.m.release(p, h)
}

// Cancel returns the permit unused, restoring the bucket's remaining count.
func (p *Permit) Cancel() {
	if !p.done.CompareAndSwap(false, true) {
		return
	}
	p.m.cancel(p)
}
