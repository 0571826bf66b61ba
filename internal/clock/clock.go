// Package clock provides the time source shared by the rate limiter and the
// request executor. Production code uses clockwork's real clock; tests drive
// a fake one.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock reports the current time and creates timers.
type Clock = clockwork.Clock

// Fake is a manually advanced Clock. Timers fire when Advance moves the
// clock past their deadline.
type Fake interface {
	Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, n int) error
}

// Real returns the process clock.
func Real() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) Fake {
	return clockwork.NewFakeClockAt(start)
}

// Sleep blocks for d or until ctx is done, whichever comes first. A
// non-positive d returns immediately unless ctx is already done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
