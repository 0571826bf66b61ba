package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Rate-limit response headers sent by the remote service.
const (
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderRetryAfter = "Retry-After"
)

// Scope values carried by HeaderScope on 429 responses.
const (
	ScopeUser   = "user"
	ScopeGlobal = "global"
	ScopeShared = "shared"
)

// Headers is the parsed rate-limit state of one response.
type Headers struct {
	Bucket     string
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	Scope      string
	Global     bool
}

// ParseHeaders extracts rate-limit information from h. It returns nil when
// the response carries no bucket header, which means it must not change any
// bucket's accounting. Missing numeric fields default the way the remote
// service documents them: limit and remaining to 1, reset-after to 0.
func ParseHeaders(h http.Header) *Headers {
	bucket := h.Get(HeaderBucket)
	if bucket == "" {
		return nil
	}

	return &Headers{
		Bucket:     bucket,
		Limit:      headerInt(h, HeaderLimit, 1),
		Remaining:  headerInt(h, HeaderRemaining, 1),
		ResetAfter: headerSeconds(h, HeaderResetAfter),
		Scope:      h.Get(HeaderScope),
		Global:     h.Get(HeaderGlobal) == "true",
	}
}

// RemainingFrom reads the remaining header without requiring a bucket hash.
func RemainingFrom(h http.Header) int {
	return headerInt(h, HeaderRemaining, 1)
}

// RetryAfterFrom reads the Retry-After header in (possibly fractional) seconds.
func RetryAfterFrom(h http.Header) time.Duration {
	return headerSeconds(h, HeaderRetryAfter)
}

func headerInt(h http.Header, key string, def int) int {
	v := h.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func headerSeconds(h http.Header, key string) time.Duration {
	v := h.Get(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
