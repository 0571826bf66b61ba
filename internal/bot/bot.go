// Package bot composes the REST client, rate limiters and interaction
// dispatcher into one runnable unit and owns their lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"cordrest/internal/api"
	"cordrest/internal/backoff"
	"cordrest/internal/entity"
	"cordrest/internal/interaction"
	"cordrest/internal/models"
	"cordrest/internal/observability"
	"cordrest/internal/ratelimit"
	"cordrest/internal/rest"
	"cordrest/internal/version"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Callback runs on startup or shutdown. A failing startup callback aborts
// Start; shutdown callback errors are collected and returned by Close.
type Callback func(ctx context.Context, b *Bot) error

// Bot owns every long-lived component built from a Config.
type Bot struct {
	cfg      *models.Config
	logger   *slog.Logger
	version  version.Info
	provider *observability.Provider

	rest        *rest.Client
	buckets     *ratelimit.BucketManager
	global      *ratelimit.GlobalLimiter
	dispatcher  *interaction.Dispatcher
	server      *http.Server
	metrics     *observability.MetricsServer
	bucketGauge metric.Registration

	mu         sync.Mutex
	state      State
	onStartup  []Callback
	onShutdown []Callback
	addr       net.Addr
	cancel     context.CancelFunc
	served     chan struct{}
	serveErr   error
	done       chan struct{}
}

// Option configures a Bot.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	version   version.Info
	provider  *observability.Provider
	transport rest.Transport
	redis     *redis.Client
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithVersion sets the build information used for the User-Agent and the
// health check.
func WithVersion(v version.Info) Option {
	return func(o *options) { o.version = v }
}

// WithObservability instruments outbound requests and dispatch, and serves
// the provider's Prometheus exporter when metrics are enabled.
func WithObservability(p *observability.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithTransport replaces the base HTTP transport for outbound requests.
func WithTransport(t rest.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRedisClient uses client for the redis global limit backend instead of
// dialing global_limit.redis.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redis = client }
}

// New builds a bot from cfg. Nothing is started until Start.
func New(cfg *models.Config, opts ...Option) (*Bot, error) {
	o := options{
		logger:  slog.Default(),
		version: version.GetInfo(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bot{
		cfg:      cfg,
		logger:   o.logger,
		version:  o.version,
		provider: o.provider,
		served:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	b.buckets = ratelimit.NewBucketManager(
		ratelimit.WithLogger(o.logger),
		ratelimit.WithMaxWait(cfg.REST.MaxRateLimit),
		ratelimit.WithJanitor(cfg.REST.Buckets.GCInterval, cfg.REST.Buckets.IdleTTL),
		ratelimit.WithMaxBuckets(cfg.REST.Buckets.MaxBuckets),
	)

	backend, err := b.globalBackend(o.redis)
	if err != nil {
		b.buckets.Close()
		return nil, err
	}
	b.global = ratelimit.NewGlobalLimiter(backend,
		ratelimit.WithGlobalLogger(o.logger),
		ratelimit.WithGlobalMaxWait(cfg.REST.MaxRateLimit),
	)

	if err := b.build(o); err != nil {
		b.releaseLimiters()
		return nil, err
	}
	return b, nil
}

func (b *Bot) build(o options) error {
	cfg := b.cfg

	transport, err := b.transport(o.transport)
	if err != nil {
		return err
	}

	userAgent := cfg.REST.UserAgent
	if userAgent == "" {
		userAgent = b.version.UserAgent()
	}

	restOpts := []rest.Option{
		rest.WithTransport(transport),
		rest.WithBaseURL(cfg.REST.BaseURL),
		rest.WithBucketManager(b.buckets),
		rest.WithGlobalLimiter(b.global),
		rest.WithMaxRetries(cfg.REST.MaxRetries),
		rest.WithMaxRateLimit(cfg.REST.MaxRateLimit),
		rest.WithRequestTimeout(cfg.REST.RequestTimeout),
		rest.WithBackoff(backoff.Config{
			InitialDelay:   cfg.REST.Backoff.InitialDelay,
			MaxDelay:       cfg.REST.Backoff.MaxDelay,
			Multiplier:     cfg.REST.Backoff.Multiplier,
			JitterFraction: cfg.REST.Backoff.Jitter,
		}),
		rest.WithLogger(b.logger),
		rest.WithUserAgent(userAgent),
	}
	if cfg.REST.ClientID != "" {
		restOpts = append(restOpts, rest.WithTokenStrategy(
			rest.NewClientCredentialsStrategy(cfg.REST.ClientID, cfg.REST.ClientSecret, cfg.REST.Scopes...)))
	} else if cfg.REST.Token != "" {
		restOpts = append(restOpts, rest.WithToken(cfg.REST.TokenType, cfg.REST.Token))
	}

	if b.rest, err = rest.New(restOpts...); err != nil {
		return fmt.Errorf("create REST client: %w", err)
	}

	handlerOpts := []api.HandlerOption{
		api.WithVersion(b.version.Version),
		api.WithBuckets(b.buckets),
		api.WithGlobalLimit(b.global),
		api.WithHandlerLogger(b.logger),
	}

	if cfg.Interactions.Enabled {
		dispatchOpts := []interaction.Option{
			interaction.WithEntityFactory(entity.NewFactory()),
			interaction.WithLogger(b.logger),
			interaction.WithShutdownTimeout(cfg.Interactions.ShutdownTimeout),
		}
		if b.provider != nil {
			dm, err := observability.NewDispatchMetrics(b.provider.Options()...)
			if err != nil {
				return fmt.Errorf("create dispatch metrics: %w", err)
			}
			dispatchOpts = append(dispatchOpts, interaction.WithMetrics(dm))
		}
		if b.dispatcher, err = interaction.NewDispatcher(cfg.Interactions.PublicKey, dispatchOpts...); err != nil {
			return fmt.Errorf("create interaction dispatcher: %w", err)
		}
		handlerOpts = append(handlerOpts, api.WithInteractions(b.dispatcher, cfg.Interactions.MaxBodyBytes))
	}

	var routeOpts []api.RouteOption
	if b.provider != nil && cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	b.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)),
		Handler:      api.SetupRoutes(api.NewHandlers(handlerOpts...), cfg, routeOpts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if b.provider != nil {
		if b.bucketGauge, err = observability.RegisterBucketGauge(b.buckets, b.provider.Options()...); err != nil {
			return fmt.Errorf("register bucket gauge: %w", err)
		}
		if cfg.Metrics.Enabled {
			b.metrics = observability.NewMetricsServer(cfg.Metrics, b.provider)
		}
	}
	return nil
}

// transport wraps base with the optional circuit breaker and
// instrumentation. Instrumentation is outermost so breaker rejections are
// recorded as errors.
func (b *Bot) transport(base rest.Transport) (rest.Transport, error) {
	if base == nil {
		base = &http.Client{}
	}

	t := base
	if cb := b.cfg.REST.CircuitBreaker; cb.Enabled {
		t = rest.NewBreakerTransport(t, "rest", rest.BreakerConfig{
			Enabled:          true,
			MaxRequests:      cb.MaxRequests,
			Interval:         cb.Interval,
			Timeout:          cb.Timeout,
			FailureThreshold: cb.FailureThreshold,
			MinRequests:      cb.MinRequests,
		}, b.logger)
	}

	if b.provider != nil {
		instrumented, err := observability.NewInstrumentedTransport(t, b.provider.Options()...)
		if err != nil {
			return nil, fmt.Errorf("create instrumented transport: %w", err)
		}
		t = instrumented
	}
	return t, nil
}

func (b *Bot) globalBackend(client *redis.Client) (ratelimit.GlobalBackend, error) {
	gl := b.cfg.GlobalLimit
	switch gl.Backend {
	case models.GlobalBackendMemory, "":
		return ratelimit.NewMemoryBackend(gl.RequestsPerSecond, nil), nil
	case models.GlobalBackendRedis:
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     gl.Redis.Addr,
				Password: gl.Redis.Password,
				DB:       gl.Redis.DB,
				PoolSize: gl.Redis.PoolSize,
			})
		}
		return ratelimit.NewRedisBackend(client, b.redisPrefix(), gl.RequestsPerSecond), nil
	default:
		return nil, fmt.Errorf("unsupported global limit backend: %s", gl.Backend)
	}
}

// redisPrefix namespaces Redis keys per credential so that processes sharing
// a token share a budget and different bots never do. The credential itself
// is never written to Redis.
func (b *Bot) redisPrefix() string {
	credential := b.cfg.REST.Token
	if b.cfg.REST.ClientID != "" {
		credential = "client:" + b.cfg.REST.ClientID
	}
	fingerprint := uuid.NewSHA1(uuid.NameSpaceOID, []byte(credential))
	return b.cfg.GlobalLimit.Redis.KeyPrefix + ":" + fingerprint.String() + ":"
}

// Rest returns the REST client.
func (b *Bot) Rest() *rest.Client {
	return b.rest
}

// Dispatcher returns the interaction dispatcher, or nil when interactions
// are disabled.
func (b *Bot) Dispatcher() *interaction.Dispatcher {
	return b.dispatcher
}

// SetListener registers l for interactions of type t.
func (b *Bot) SetListener(t entity.InteractionType, l interaction.Listener, replace bool) error {
	if b.dispatcher == nil {
		return &interaction.ConfigurationError{Reason: "interactions are not enabled"}
	}
	return b.dispatcher.SetListener(t, l, replace)
}

// AddStartupCallback registers fn to run at the start of Start, in
// registration order.
func (b *Bot) AddStartupCallback(fn Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStartup = append(b.onStartup, fn)
}

// AddShutdownCallback registers fn to run during Close after the servers
// have stopped, in registration order.
func (b *Bot) AddShutdownCallback(fn Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onShutdown = append(b.onShutdown, fn)
}

// State returns the lifecycle state.
func (b *Bot) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Addr returns the address the HTTP server is listening on, or nil before
// Start.
func (b *Bot) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

// Start runs the startup callbacks, binds the HTTP server and returns once
// it is accepting connections. A bot can be started once.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateIdle {
		state := b.state
		b.mu.Unlock()
		return &StateConflictError{Op: "start", State: state}
	}
	b.state = StateStarting
	startup := append([]Callback(nil), b.onStartup...)
	b.mu.Unlock()

	for _, fn := range startup {
		if err := fn(ctx, b); err != nil {
			b.abort()
			return fmt.Errorf("startup callback failed: %w", err)
		}
	}

	ln, err := net.Listen("tcp", b.server.Addr)
	if err != nil {
		b.abort()
		return fmt.Errorf("listen on %s: %w", b.server.Addr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return b.serve(ln)
	})
	if b.metrics != nil {
		g.Go(func() error {
			return b.metrics.Serve(gctx)
		})
	}

	b.mu.Lock()
	b.state = StateRunning
	b.addr = ln.Addr()
	b.cancel = cancel
	b.mu.Unlock()

	go func() {
		err := g.Wait()
		if err != nil {
			b.logger.Error("Server stopped unexpectedly", "error", err)
		}
		b.mu.Lock()
		b.serveErr = err
		b.mu.Unlock()
		close(b.served)
	}()

	b.logger.Info("Bot started",
		"addr", ln.Addr().String(),
		"interactions", b.dispatcher != nil,
		"tls", b.cfg.Server.TLSEnabled)
	return nil
}

func (b *Bot) serve(ln net.Listener) error {
	var err error
	if b.cfg.Server.TLSEnabled {
		err = b.server.ServeTLS(ln, b.cfg.Server.TLSCertFile, b.cfg.Server.TLSKeyFile)
	} else {
		err = b.server.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// abort releases everything after a failed Start.
func (b *Bot) abort() {
	if b.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Interactions.ShutdownTimeout)
		_ = b.dispatcher.Close(ctx)
		cancel()
	}
	b.release()

	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
	close(b.served)
	close(b.done)
}

// Run starts the bot, blocks until ctx is done or the server fails, then
// closes it.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-b.served:
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Server.ShutdownTimeout)
	defer cancel()
	return b.Close(closeCtx)
}

// Close stops the HTTP server, waits for background interaction listeners,
// runs the shutdown callbacks and releases the REST client and limiters.
// Calling Close while another Close is in progress waits for it.
func (b *Bot) Close(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateIdle, StateStarting, StateClosed:
		state := b.state
		b.mu.Unlock()
		return &StateConflictError{Op: "close", State: state}
	case StateClosing:
		b.mu.Unlock()
		return b.Join(ctx)
	}
	b.state = StateClosing
	shutdown := append([]Callback(nil), b.onShutdown...)
	cancel := b.cancel
	b.mu.Unlock()

	b.logger.Info("Bot requested to shut down")

	var errs []error

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, b.cfg.Server.ShutdownTimeout)
	if err := b.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown HTTP server: %w", err))
	}
	cancelShutdown()

	if b.dispatcher != nil {
		if err := b.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
	}

	cancel()
	<-b.served

	for _, fn := range shutdown {
		if err := fn(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("shutdown callback failed: %w", err))
		}
	}

	errs = append(errs, b.release())

	b.mu.Lock()
	if b.serveErr != nil {
		errs = append(errs, b.serveErr)
	}
	b.state = StateClosed
	b.mu.Unlock()
	close(b.done)

	b.logger.Info("Bot shut down")
	return errors.Join(errs...)
}

// Join blocks until the bot has been closed or ctx is done.
func (b *Bot) Join(ctx context.Context) error {
	if b.State() == StateIdle {
		return &StateConflictError{Op: "join", State: StateIdle}
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bot) release() error {
	var errs []error
	if err := b.rest.Close(); err != nil && !errors.Is(err, rest.ErrClientClosed) {
		errs = append(errs, err)
	}
	if b.bucketGauge != nil {
		errs = append(errs, b.bucketGauge.Unregister())
	}
	errs = append(errs, b.releaseLimiters())
	return errors.Join(errs...)
}

func (b *Bot) releaseLimiters() error {
	b.buckets.Close()
	return b.global.Close()
}
