// Package rest executes requests against the remote REST API. Every request
// passes the global limiter, then its route's rate-limit bucket, and is
// retried on network failures, retryable server errors and 429 responses
// within the configured budgets.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cordrest/internal/backoff"
	"cordrest/internal/clock"
	"cordrest/internal/entity"
	"cordrest/internal/ratelimit"
	"cordrest/internal/routes"
)

const (
	DefaultBaseURL        = "https://discord.com/api/v10"
	DefaultMaxRetries     = 3
	MaxRetriesLimit       = 5
	DefaultMaxRateLimit   = 300 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultGlobalRate     = 50
	DefaultUserAgent      = "DiscordBot (https://github.com/cordrest/cordrest, dev)"
)

const contentTypeJSON = "application/json"

// minUserScopeWait is the wait applied to a user-scoped 429 that carries no
// usable reset information.
const minUserScopeWait = time.Second

// retryableStatus lists server errors worth retrying with backoff.
var retryableStatus = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Request describes one logical API call. At most one of JSON (alone), Form
// or Attachments (with JSON sent as payload_json) shapes the body.
type Request struct {
	Route       routes.CompiledRoute
	Query       url.Values
	JSON        any
	Form        url.Values
	Attachments []Attachment

	// Reason is recorded in the guild audit log.
	Reason string

	// NoAuth sends no Authorization header; Auth overrides the client's.
	NoAuth bool
	Auth   string
}

// Client executes requests. It is safe for concurrent use.
type Client struct {
	transport      Transport
	baseURL        string
	token          string
	strategy       TokenStrategy
	buckets        *ratelimit.BucketManager
	global         *ratelimit.GlobalLimiter
	ownsLimiters   bool
	maxRetries     int
	maxRateLimit   time.Duration
	backoff        backoff.Config
	requestTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger
	factory        entity.Factory
	userAgent      string

	closed atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the HTTP transport. Defaults to a plain *http.Client.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithBaseURL sets the API root, including the version segment.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithToken authenticates every request with a fixed token. An empty
// tokenType sends the token as-is.
func WithToken(tokenType, token string) Option {
	return func(c *Client) {
		if tokenType == "" {
			c.token = token
			return
		}
		c.token = tokenType + " " + token
	}
}

// WithTokenStrategy authenticates with tokens from s and re-authenticates
// once per request on 401.
func WithTokenStrategy(s TokenStrategy) Option {
	return func(c *Client) { c.strategy = s }
}

// WithBucketManager shares a bucket manager. The caller keeps ownership.
func WithBucketManager(m *ratelimit.BucketManager) Option {
	return func(c *Client) { c.buckets = m }
}

// WithGlobalLimiter shares a global limiter. The caller keeps ownership.
func WithGlobalLimiter(g *ratelimit.GlobalLimiter) Option {
	return func(c *Client) { c.global = g }
}

// WithMaxRetries sets how many times network failures and retryable server
// errors are retried. At most MaxRetriesLimit.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithMaxRateLimit bounds the total time one request may spend waiting on
// 429 responses.
func WithMaxRateLimit(d time.Duration) Option {
	return func(c *Client) { c.maxRateLimit = d }
}

// WithBackoff sets the retry backoff policy.
func WithBackoff(cfg backoff.Config) Option {
	return func(c *Client) { c.backoff = cfg }
}

// WithRequestTimeout bounds a single transport attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithClock sets the time source for backoff sleeps.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithEntityFactory sets the decoder used by the typed endpoints.
func WithEntityFactory(f entity.Factory) Option {
	return func(c *Client) { c.factory = f }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a client. Limiters not supplied through options are created
// with defaults and closed by Close.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		transport:      &http.Client{},
		baseURL:        DefaultBaseURL,
		maxRetries:     DefaultMaxRetries,
		maxRateLimit:   DefaultMaxRateLimit,
		backoff:        backoff.DefaultConfig(),
		requestTimeout: DefaultRequestTimeout,
		clock:          clock.Real(),
		logger:         slog.Default(),
		factory:        entity.NewFactory(),
		userAgent:      DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.maxRetries < 0 || c.maxRetries > MaxRetriesLimit {
		return nil, fmt.Errorf("max retries must be between 0 and %d, got %d", MaxRetriesLimit, c.maxRetries)
	}
	if c.maxRateLimit < 0 {
		return nil, fmt.Errorf("max rate limit must not be negative, got %s", c.maxRateLimit)
	}

	if c.buckets == nil {
		c.buckets = ratelimit.NewBucketManager(
			ratelimit.WithClock(c.clock),
			ratelimit.WithLogger(c.logger),
			ratelimit.WithMaxWait(c.maxRateLimit),
		)
		c.ownsLimiters = true
	}
	if c.global == nil {
		c.global = ratelimit.NewGlobalLimiter(
			ratelimit.NewMemoryBackend(DefaultGlobalRate, c.clock),
			ratelimit.WithGlobalClock(c.clock),
			ratelimit.WithGlobalLogger(c.logger),
			ratelimit.WithGlobalMaxWait(c.maxRateLimit),
		)
		c.ownsLimiters = true
	}
	return c, nil
}

// Buckets returns the bucket manager used by the client.
func (c *Client) Buckets() *ratelimit.BucketManager {
	return c.buckets
}

// Factory returns the entity factory used by the typed endpoints.
func (c *Client) Factory() entity.Factory {
	return c.factory
}

// Close fails further requests with ErrClientClosed and releases limiters
// the client created itself.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}
	if !c.ownsLimiters {
		return nil
	}
	c.buckets.Close()
	return c.global.Close()
}

// response is a fully read HTTP response.
type response struct {
	status int
	header http.Header
	body   []byte
}

func (r *response) contentType() string {
	mt, _, err := mime.ParseMediaType(r.header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

// sendError marks a failure of the transport itself, as opposed to the
// limiters or the caller's context.
type sendError struct {
	err error
}

func (e *sendError) Error() string { return e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// Execute performs req and returns the raw JSON body of a successful
// response, or nil for 204 No Content.
func (c *Client) Execute(ctx context.Context, req *Request) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	route := req.Route
	auth, canReauth, err := c.authorization(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		bo          = backoff.New(c.backoff)
		retries     int
		rateLimited time.Duration
	)

	for {
		res, err := c.attempt(ctx, req, auth)
		if err != nil {
			var se *sendError
			if !errors.As(err, &se) {
				return nil, err
			}
			if isBreakerOpen(se.err) || retries >= c.maxRetries {
				return nil, &TransportError{Route: route.String(), Attempts: retries + 1, Err: se.err}
			}

			delay := bo.Next()
			retries++
			c.logger.Warn("connection error, backing off",
				slog.String("route", route.String()),
				slog.String("error", se.err.Error()),
				slog.Duration("backoff", delay),
				slog.Int("retries_left", c.maxRetries-retries))
			if err := clock.Sleep(ctx, c.clock, delay); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case res.status == http.StatusTooManyRequests:
			wait, global, err := c.handleRateLimited(ctx, route, res, rateLimited)
			if err != nil {
				return nil, err
			}
			rateLimited += wait
			if c.maxRateLimit > 0 && rateLimited > c.maxRateLimit {
				return nil, &RateLimitTooLongError{
					Route:      route.Identity(),
					Global:     global,
					RetryAfter: rateLimited,
					MaxWait:    c.maxRateLimit,
					ResetAt:    c.clock.Now().Add(wait),
				}
			}
			continue

		case res.status == http.StatusNoContent:
			return nil, nil

		case res.status >= 200 && res.status < 300:
			if res.contentType() != contentTypeJSON {
				return nil, &HTTPError{
					Route:       route.String(),
					StatusCode:  res.status,
					ContentType: res.header.Get("Content-Type"),
					Body:        res.body,
					Reason:      "expected a JSON body",
				}
			}
			return res.body, nil

		case retryableStatus[res.status] && retries < c.maxRetries:
			delay := bo.Next()
			retries++
			c.logger.Warn("server error, backing off",
				slog.String("route", route.String()),
				slog.Int("status", res.status),
				slog.Duration("backoff", delay),
				slog.Int("retries_left", c.maxRetries-retries))
			if err := clock.Sleep(ctx, c.clock, delay); err != nil {
				return nil, err
			}
			continue

		case res.status == http.StatusUnauthorized && canReauth:
			c.strategy.Invalidate(auth)
			if auth, err = c.strategy.Acquire(ctx, c); err != nil {
				return nil, err
			}
			canReauth = false
			continue

		case res.status >= 500:
			return nil, &ServerError{Route: route.String(), StatusCode: res.status, Attempts: retries + 1, Body: res.body}

		case res.status >= 400:
			return nil, newClientError(route.String(), res.status, res.body)

		default:
			return nil, &HTTPError{
				Route:       route.String(),
				StatusCode:  res.status,
				ContentType: res.header.Get("Content-Type"),
				Body:        res.body,
				Reason:      "unexpected status",
			}
		}
	}
}

func (c *Client) authorization(ctx context.Context, req *Request) (string, bool, error) {
	switch {
	case req.Auth != "":
		return req.Auth, false, nil
	case req.NoAuth:
		return "", false, nil
	case c.strategy != nil:
		auth, err := c.strategy.Acquire(ctx, c)
		if err != nil {
			return "", false, fmt.Errorf("acquire token: %w", err)
		}
		return auth, true, nil
	default:
		return c.token, false, nil
	}
}

// attempt admits the request globally, then on its bucket, and sends it.
// Once the request is on the wire, its response is fed back to the bucket
// even if ctx is cancelled before it arrives.
func (c *Client) attempt(ctx context.Context, req *Request, auth string) (*response, error) {
	if err := c.global.Admit(ctx); err != nil {
		return nil, err
	}

	var permit *ratelimit.Permit
	if req.Route.Route.HasRateLimits {
		var err error
		if permit, err = c.buckets.Acquire(ctx, req.Route); err != nil {
			return nil, err
		}
	}

	httpReq, traceBody, err := c.newHTTPRequest(req, auth)
	if err != nil {
		cancelPermit(permit)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		if httpReq.Body != nil {
			httpReq.Body.Close()
		}
		cancelPermit(permit)
		return nil, err
	}

	var (
		sendCtx context.Context
		cancel  context.CancelFunc
	)
	if c.requestTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
	} else {
		sendCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	httpReq = httpReq.WithContext(withRoute(sendCtx, req.Route))

	done := make(chan result, 1)
	go func() {
		defer cancel()
		res, err := c.roundTrip(httpReq, req.Route, permit, traceBody)
		done <- result{res: res, err: err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type result struct {
	res *response
	err error
}

func cancelPermit(p *ratelimit.Permit) {
	if p != nil {
		p.Cancel()
	}
}

func (c *Client) roundTrip(req *http.Request, route routes.CompiledRoute, permit *ratelimit.Permit, traceBody []byte) (*response, error) {
	trace := c.logger.Enabled(req.Context(), slog.LevelDebug)
	var traceID string
	start := c.clock.Now()
	if trace {
		traceID = uuid.NewString()
		c.logger.Debug("sending request",
			slog.String("trace_id", traceID),
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.String("headers", redactedHeaders(req.Header)),
			slog.String("body", string(traceBody)))
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		if permit != nil {
			permit.Release(nil)
		}
		return nil, &sendError{err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)

	headers := ratelimit.ParseHeaders(resp.Header)
	switch {
	case permit != nil:
		permit.Release(headers)
	case headers != nil:
		c.logger.Warn("unexpected bucket header on unlimited route",
			slog.String("route", route.Route.String()),
			slog.String("bucket", headers.Bucket))
	}

	if readErr != nil {
		return nil, &sendError{err: fmt.Errorf("read response body: %w", readErr)}
	}

	if trace {
		c.logger.Debug("received response",
			slog.String("trace_id", traceID),
			slog.Int("status", resp.StatusCode),
			slog.Duration("took", c.clock.Now().Sub(start)),
			slog.String("headers", redactedHeaders(resp.Header)),
			slog.String("body", string(body)))
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func (c *Client) newHTTPRequest(req *Request, auth string) (*http.Request, []byte, error) {
	u := req.Route.URL(c.baseURL)
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var (
		body        io.Reader
		traceBody   []byte
		contentType string
	)
	switch {
	case len(req.Attachments) > 0:
		rc, ct, err := MultipartBody(req.JSON, req.Attachments)
		if err != nil {
			return nil, nil, err
		}
		body, contentType = rc, ct
	case req.Form != nil:
		traceBody = []byte(req.Form.Encode())
		body, contentType = bytes.NewReader(traceBody), "application/x-www-form-urlencoded"
	case req.JSON != nil:
		b, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request body: %w", err)
		}
		traceBody = b
		body, contentType = bytes.NewReader(b), contentTypeJSON
	}

	httpReq, err := http.NewRequest(req.Route.Method(), u, body)
	if err != nil {
		if rc, ok := body.(io.Closer); ok {
			rc.Close()
		}
		return nil, nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept", contentTypeJSON)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}
	if req.Reason != "" {
		httpReq.Header.Set("X-Audit-Log-Reason", url.PathEscape(req.Reason))
	}
	return httpReq, traceBody, nil
}

// handleRateLimited applies a 429 to the limiters and returns how long the
// retry will wait and whether the limit was global. spent is the 429 wait
// already accumulated by this logical request.
func (c *Client) handleRateLimited(ctx context.Context, route routes.CompiledRoute, res *response,
	spent time.Duration) (time.Duration, bool, error) {
	scope := res.header.Get(ratelimit.HeaderScope)
	if scope == "" {
		scope = "route"
	}

	// Another process sharing the token drained the bucket. When the headers
	// carried a reset they already updated the bucket, so acquiring again
	// waits for it; otherwise fall back to Retry-After or a minimum wait.
	if scope == ratelimit.ScopeUser && ratelimit.RemainingFrom(res.header) <= 0 {
		c.logger.Warn("rate limited on bucket, is another process using this token?",
			slog.String("route", route.String()),
			slog.String("bucket", res.header.Get(ratelimit.HeaderBucket)))
		if h := ratelimit.ParseHeaders(res.header); h != nil && h.ResetAfter > 0 {
			return h.ResetAfter, false, nil
		}
		wait := ratelimit.RetryAfterFrom(res.header)
		if wait <= 0 {
			wait = minUserScopeWait
		}
		return wait, false, c.waitOut(ctx, route, wait, spent)
	}

	if res.contentType() != contentTypeJSON {
		return 0, false, &HTTPError{
			Route:       route.String(),
			StatusCode:  res.status,
			ContentType: res.header.Get("Content-Type"),
			Body:        res.body,
			Reason:      "rate limited response with unexpected content type",
		}
	}

	var body struct {
		Message    string   `json:"message"`
		RetryAfter *float64 `json:"retry_after"`
		Global     bool     `json:"global"`
	}
	if err := json.Unmarshal(res.body, &body); err != nil || body.RetryAfter == nil {
		return 0, false, &HTTPError{
			Route:       route.String(),
			StatusCode:  res.status,
			ContentType: res.header.Get("Content-Type"),
			Body:        res.body,
			Reason:      "rate limited response without retry_after",
		}
	}
	retryAfter := time.Duration(*body.RetryAfter * float64(time.Second))

	if body.Global || res.header.Get(ratelimit.HeaderGlobal) == "true" {
		c.logger.Error("rate limited on the global bucket",
			slog.String("route", route.String()),
			slog.String("reason", body.Message),
			slog.Duration("retry_after", retryAfter))
		if err := c.global.Throttle(ctx, retryAfter); err != nil {
			return 0, true, err
		}
		return retryAfter, true, nil
	}

	c.logger.Warn("rate limited on sub bucket",
		slog.String("scope", scope),
		slog.String("route", route.Route.String()),
		slog.String("bucket", res.header.Get(ratelimit.HeaderBucket)),
		slog.String("reason", body.Message),
		slog.Duration("retry_after", retryAfter))

	return retryAfter, false, c.waitOut(ctx, route, retryAfter, spent)
}

// waitOut makes the next attempt on route wait d. Bucketed routes throttle
// their bucket; routes without buckets sleep here. The wait is refused up
// front when it would take the request past max_rate_limit.
func (c *Client) waitOut(ctx context.Context, route routes.CompiledRoute, d, spent time.Duration) error {
	if c.maxRateLimit > 0 && spent+d > c.maxRateLimit {
		return &RateLimitTooLongError{
			Route:      route.Identity(),
			RetryAfter: spent + d,
			MaxWait:    c.maxRateLimit,
			ResetAt:    c.clock.Now().Add(d),
		}
	}

	if route.Route.HasRateLimits {
		c.buckets.Throttle(route, d)
		return nil
	}
	return clock.Sleep(ctx, c.clock, d)
}

func redactedHeaders(h http.Header) string {
	var b strings.Builder
	for k, vs := range h {
		v := strings.Join(vs, ",")
		if strings.EqualFold(k, "Authorization") {
			v = "**REDACTED TOKEN**"
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	return b.String()
}
