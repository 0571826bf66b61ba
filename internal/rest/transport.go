package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"cordrest/internal/routes"
)

// Transport sends one HTTP request. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

type routeKey struct{}

func withRoute(ctx context.Context, route routes.CompiledRoute) context.Context {
	return context.WithValue(ctx, routeKey{}, route)
}

// RouteFromContext returns the compiled route of an outbound request. The
// client attaches it to every request it hands to a Transport.
func RouteFromContext(ctx context.Context) (routes.CompiledRoute, bool) {
	route, ok := ctx.Value(routeKey{}).(routes.CompiledRoute)
	return route, ok
}

// BreakerConfig configures the optional circuit breaker around the
// transport.
type BreakerConfig struct {
	Enabled          bool
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns a disabled breaker with conservative trip
// settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          false,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// errServerStatus marks a 5xx as a breaker failure while still handing the
// response back to the caller.
var errServerStatus = errors.New("server error status")

// BreakerTransport trips after repeated network failures or 5xx responses
// and then fails fast with gobreaker.ErrOpenState until the timeout passes.
type BreakerTransport struct {
	next    Transport
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps next with a circuit breaker named name.
func NewBreakerTransport(next Transport, name string, cfg BreakerConfig, logger *slog.Logger) *BreakerTransport {
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("circuit", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}

	return &BreakerTransport{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Do implements Transport.
func (t *BreakerTransport) Do(req *http.Request) (*http.Response, error) {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.next.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServerStatus
		}
		return resp, nil
	})

	if errors.Is(err, errServerStatus) {
		return result.(*http.Response), nil
	}
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// State returns the breaker's current state.
func (t *BreakerTransport) State() gobreaker.State {
	return t.breaker.State()
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
