package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"cordrest/internal/ratelimit"
)

var (
	// ErrClientClosed is returned by calls made after Close.
	ErrClientClosed = errors.New("rest client closed")

	// Sentinels matched by ClientError through errors.Is.
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Error codes returned by the remote service that callers commonly branch on.
const (
	CodeUnknownChannel = 10003
	CodeUnknownMessage = 10008
)

// RateLimitTooLongError is returned when a request would have to wait longer
// than the client's max rate limit.
type RateLimitTooLongError = ratelimit.TooLongError

// TransportError is a network-level failure, returned once retries are
// exhausted or when the circuit breaker is open.
type TransportError struct {
	Route    string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failed after %d attempt(s): %v", e.Route, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ClientError is a 4xx response other than 429. Code, Message and Errors
// come from the JSON error body when one was sent.
type ClientError struct {
	Route      string
	StatusCode int
	Code       int
	Message    string
	Errors     json.RawMessage
}

func (e *ClientError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: %d %s (code %d)", e.Route, e.StatusCode, msg, e.Code)
	}
	return fmt.Sprintf("%s: %d %s", e.Route, e.StatusCode, msg)
}

// Is matches the status sentinels.
func (e *ClientError) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// ServerError is a 5xx response, returned once retries are exhausted or for
// statuses that are never retried.
type ServerError struct {
	Route      string
	StatusCode int
	Attempts   int
	Body       []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error %d after %d attempt(s)", e.Route, e.StatusCode, e.Attempts)
}

// HTTPError is a response the client could not make sense of: a success
// without a JSON body, or a 429 without a usable retry_after.
type HTTPError struct {
	Route       string
	StatusCode  int
	ContentType string
	Body        []byte
	Reason      string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: unexpected %d response: %s", e.Route, e.StatusCode, e.Reason)
}

type errorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors,omitempty"`
}

func newClientError(route string, status int, body []byte) *ClientError {
	e := &ClientError{Route: route, StatusCode: status}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		e.Code = eb.Code
		e.Message = eb.Message
		e.Errors = eb.Errors
	} else if len(body) > 0 {
		e.Message = string(body)
	}
	return e
}
