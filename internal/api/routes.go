package api

import (
	"encoding/json"
	"net/http"

	"cordrest/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health"
			}),
		))
	}
}

// SetupRoutes configures the HTTP routes. The interaction endpoint is
// mounted only when interactions are enabled.
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	for _, opt := range opts {
		opt(router)
	}
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(handlers.logger))
	router.Use(recoveryMiddleware(handlers.logger))

	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	if config.Interactions.Enabled {
		router.HandleFunc(config.Interactions.Path, handlers.HandleInteraction).Methods(http.MethodPost)
	}

	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)
	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	return router
}

// methodNotAllowedHandler handles requests with invalid HTTP methods
func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeRouterError(w, http.StatusMethodNotAllowed, "Method not allowed", models.ErrorCodeMethodNotAllowed)
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeRouterError(w, http.StatusNotFound, "Not found", models.ErrorCodeNotFound)
}

func writeRouterError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message, code))
}
