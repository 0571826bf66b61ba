package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"cordrest/internal/interaction"
	"cordrest/internal/models"
)

// Headers carrying the request signature.
const (
	HeaderSignature = "X-Signature-Ed25519"
	HeaderTimestamp = "X-Signature-Timestamp"
)

// InteractionHandler turns a verified request body into a response.
// *interaction.Dispatcher satisfies it.
type InteractionHandler interface {
	OnInteraction(ctx context.Context, body, signature, timestamp []byte) *interaction.Response
	Closed() bool
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BucketCounter reports how many rate-limit buckets are live.
type BucketCounter interface {
	Len() int
}

// Handlers contains the HTTP handlers for the bot's endpoints.
type Handlers struct {
	interactions InteractionHandler
	maxBodyBytes int64
	version      string
	started      time.Time
	buckets      BucketCounter
	globalLimit  Pinger
	logger       *slog.Logger
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithInteractions serves interactions through h. Bodies larger than
// maxBodyBytes are refused.
func WithInteractions(h InteractionHandler, maxBodyBytes int64) HandlerOption {
	return func(hs *Handlers) {
		hs.interactions = h
		hs.maxBodyBytes = maxBodyBytes
	}
}

// WithVersion sets the version reported by the health check.
func WithVersion(v string) HandlerOption {
	return func(hs *Handlers) { hs.version = v }
}

// WithBuckets reports the live bucket count in the health check.
func WithBuckets(b BucketCounter) HandlerOption {
	return func(hs *Handlers) { hs.buckets = b }
}

// WithGlobalLimit checks the global limiter backend in the health check.
func WithGlobalLimit(p Pinger) HandlerOption {
	return func(hs *Handlers) { hs.globalLimit = p }
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(hs *Handlers) { hs.logger = l }
}

// NewHandlers creates a new handlers instance
func NewHandlers(opts ...HandlerOption) *Handlers {
	h := &Handlers{
		maxBodyBytes: 1 << 20,
		started:      time.Now(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleInteraction verifies and dispatches one inbound interaction.
// POST {interactions.path}
func (h *Handlers) HandleInteraction(w http.ResponseWriter, r *http.Request) {
	if h.interactions == nil {
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, "Interactions are not enabled")
		return
	}

	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		h.writeErrorResponse(w, http.StatusUnsupportedMediaType, models.ErrorCodeUnsupportedMediaType,
			"Content-Type must be application/json")
		return
	}

	signature := r.Header.Get(HeaderSignature)
	timestamp := r.Header.Get(HeaderTimestamp)
	if signature == "" || timestamp == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Missing signature headers")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeErrorResponse(w, http.StatusRequestEntityTooLarge, models.ErrorCodePayloadTooLarge,
				"Request body too large")
			return
		}
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Failed to read request body")
		return
	}

	resp := h.interactions.OnInteraction(r.Context(), body, []byte(signature), []byte(timestamp))
	if err := resp.Write(w); err != nil {
		h.logger.Error("Failed to write interaction response",
			"status", resp.StatusCode,
			"error", err)
	}
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.version
	response.Uptime = time.Since(h.started).Round(time.Second).String()

	if h.interactions != nil {
		if h.interactions.Closed() {
			response.AddComponent("interactions", models.StatusUnhealthy, "Dispatcher is shutting down")
		} else {
			response.AddComponent("interactions", models.StatusHealthy, "Accepting interactions")
		}
	}

	if h.globalLimit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.globalLimit.Ping(ctx); err != nil {
			response.AddComponent("global_limit", models.StatusUnhealthy, err.Error())
		} else {
			response.AddComponent("global_limit", models.StatusHealthy, "Global limiter backend is reachable")
		}
	}

	if h.buckets != nil {
		response.AddMetric("ratelimit_buckets", h.buckets.Len())
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written.
		h.logger.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}
