// Package ratelimit schedules outbound REST calls against the remote
// service's quotas. BucketManager tracks per-route buckets discovered from
// response headers and serializes callers FIFO within each bucket;
// GlobalLimiter enforces the process-wide requests-per-second ceiling and the
// emergency pause triggered by a global 429. Callers admit globally first and
// then acquire a bucket permit, so a bucket slot is never held while blocked
// on the global gate.
package ratelimit

import "time"

// Info is a snapshot of a bucket's accounting, for diagnostics and tests.
type Info struct {
	Hash      string    // Server-assigned bucket hash, empty while unknown
	Limit     int       // Requests allowed per window
	Remaining int       // Requests left in the current window
	ResetAt   time.Time // When the window resets; zero if not yet known
	InFlight  int       // Permits handed out and not yet released
}
