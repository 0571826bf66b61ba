// Package models - HTTP response types served by the bot's own endpoints.
// The interaction endpoint answers with callback payloads built by the
// interaction package; everything else (errors, health) uses these types.
package models

import (
	"time"
)

// ErrorResponse is the JSON body for requests the server refuses before
// they reach the interaction dispatcher.
type ErrorResponse struct {
	Error     string    `json:"error"`                // Error type (always "error")
	Message   string    `json:"message"`              // Human-readable error description
	Code      string    `json:"code,omitempty"`       // Machine-readable error code
	Timestamp time.Time `json:"timestamp"`            // Error occurrence time
	RequestID string    `json:"request_id,omitempty"` // Correlates with the request log line
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
	StatusUnknown   = "unknown"   // Status indeterminate
)

// Standard HTTP Error Codes
const (
	ErrorCodeNotFound             = "NOT_FOUND"              // 404
	ErrorCodeBadRequest           = "BAD_REQUEST"            // 400
	ErrorCodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"     // 405
	ErrorCodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"      // 413
	ErrorCodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE" // 415
	ErrorCodeInternalError        = "INTERNAL_ERROR"         // 500
	ErrorCodeServiceUnavailable   = "SERVICE_UNAVAILABLE"    // 503
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

// AddComponent records a component's health. An unhealthy component makes
// the overall status degraded unless it is already unhealthy.
func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
	if status != StatusHealthy && h.Status == StatusHealthy {
		h.Status = StatusDegraded
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
