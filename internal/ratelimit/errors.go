package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned when acquiring from a closed manager or limiter.
var ErrClosed = errors.New("rate limiter closed")

// TooLongError reports that honouring a rate limit would require waiting
// longer than the configured maximum. The caller gets this instead of an
// unbounded sleep.
type TooLongError struct {
	Route      string        // Rate-limit identity of the route, or "global"
	Global     bool          // Whether the global limiter imposed the wait
	RetryAfter time.Duration // Wait that would have been required
	MaxWait    time.Duration // Configured maximum
	ResetAt    time.Time     // When the limit would have lifted
}

func (e *TooLongError) Error() string {
	scope := "route " + e.Route
	if e.Global {
		scope = "global rate limit"
	}
	return fmt.Sprintf("rate limited on %s for %s, which exceeds the maximum wait of %s",
		scope, e.RetryAfter, e.MaxWait)
}
