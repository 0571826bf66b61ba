// Package interaction verifies and dispatches inbound interactions. Each
// request produces exactly one Response; streaming listeners may keep
// working in the background after their first yield.
package interaction

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"cordrest/internal/entity"
)

// Listener handles one interaction type. It is either a DirectListener or a
// StreamingListener.
type Listener interface {
	listener()
}

// DirectListener returns the callback to answer with. A nil callback
// answers 204 No Content.
type DirectListener func(ctx context.Context, i *entity.Interaction) (*Callback, error)

// StreamingListener answers by calling yield once, then may continue
// running. Its context outlives the HTTP request and is cancelled when the
// dispatcher's shutdown timeout expires. yield returns false if a response
// was already sent; the extra callback is discarded.
type StreamingListener func(ctx context.Context, i *entity.Interaction, yield func(*Callback) bool) error

func (DirectListener) listener()    {}
func (StreamingListener) listener() {}

// Metrics receives dispatch outcomes.
type Metrics interface {
	RecordDispatch(ctx context.Context, interactionType, outcome string, d time.Duration)
	RecordBackgroundFailure(ctx context.Context, interactionType string)
}

// Dispatch outcomes reported to Metrics.
const (
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomePong      = "pong"
	OutcomeNoHandler = "no_listener"
	OutcomeResponded = "responded"
	OutcomeFailed    = "failed"
	OutcomeClosed    = "closed"
)

// Dispatcher turns verified interactions into responses using the
// registered listeners.
type Dispatcher struct {
	verifier        *Verifier
	factory         entity.Factory
	logger          *slog.Logger
	metrics         Metrics
	shutdownTimeout time.Duration
	onBackground    func(entity.InteractionType, error)

	listenersMu sync.RWMutex
	listeners   map[entity.InteractionType]Listener

	// background tracks streaming listeners still running after their
	// response was sent.
	mu         sync.Mutex
	closed     bool
	background sync.WaitGroup
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithEntityFactory sets the decoder for inbound payloads.
func WithEntityFactory(f entity.Factory) Option {
	return func(d *Dispatcher) { d.factory = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records dispatch outcomes.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithShutdownTimeout bounds how long Close waits for background listeners.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.shutdownTimeout = timeout }
}

// WithBackgroundErrorHandler is called for failures that happen after a
// response was sent: errors or panics after the first yield, and extra
// yields. The default logs them.
func WithBackgroundErrorHandler(fn func(entity.InteractionType, error)) Option {
	return func(d *Dispatcher) { d.onBackground = fn }
}

// NewDispatcher creates a dispatcher verifying requests with publicKeyHex.
func NewDispatcher(publicKeyHex string, opts ...Option) (*Dispatcher, error) {
	v, err := NewVerifier(publicKeyHex)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		verifier:        v,
		factory:         entity.NewFactory(),
		logger:          slog.Default(),
		shutdownTimeout: 60 * time.Second,
		listeners:       make(map[entity.InteractionType]Listener),
		baseCtx:         ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.onBackground == nil {
		d.onBackground = func(t entity.InteractionType, err error) {
			d.logger.Error("interaction listener failed after responding",
				slog.String("type", t.String()),
				slog.String("error", err.Error()))
		}
	}
	return d, nil
}

func isNilListener(l Listener) bool {
	switch fn := l.(type) {
	case nil:
		return true
	case DirectListener:
		return fn == nil
	case StreamingListener:
		return fn == nil
	}
	return false
}

// SetListener registers l for interactions of type t. If a listener is
// already registered and replace is false, it fails with a
// ConfigurationError and keeps the existing listener. A nil l removes the
// registration, subject to the same rule.
func (d *Dispatcher) SetListener(t entity.InteractionType, l Listener, replace bool) error {
	if t == entity.InteractionPing {
		return &ConfigurationError{Reason: "ping interactions are answered automatically"}
	}

	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()

	if _, exists := d.listeners[t]; exists && !replace {
		return &ConfigurationError{
			Reason: fmt.Sprintf("listener already registered for %s interactions", t),
		}
	}
	if isNilListener(l) {
		delete(d.listeners, t)
		return nil
	}
	d.listeners[t] = l
	return nil
}

// GetListener returns the listener for t, or nil.
func (d *Dispatcher) GetListener(t entity.InteractionType) Listener {
	d.listenersMu.RLock()
	defer d.listenersMu.RUnlock()
	return d.listeners[t]
}

// OnInteraction handles one inbound request: verify the signature, decode
// the payload, answer pings, and dispatch to the registered listener. It
// always returns a response.
func (d *Dispatcher) OnInteraction(ctx context.Context, body, signature, timestamp []byte) *Response {
	start := time.Now()

	if err := d.verifier.Check(body, signature, timestamp); err != nil {
		d.logger.Debug("rejected interaction", slog.String("error", err.Error()))
		d.record(ctx, "unknown", OutcomeRejected, start)
		return emptyResponse(http.StatusUnauthorized)
	}

	i, err := d.factory.DeserializeInteraction(body)
	if err != nil {
		d.logger.Warn("malformed interaction payload", slog.String("error", err.Error()))
		d.record(ctx, "unknown", OutcomeMalformed, start)
		return textResponse(http.StatusBadRequest, "Bad Request")
	}

	if i.Type == entity.InteractionPing {
		d.logger.Debug("responding to ping")
		d.record(ctx, i.Type.String(), OutcomePong, start)
		resp, _ := jsonResponse(&Callback{Type: CallbackPong})
		return resp
	}

	l := d.GetListener(i.Type)
	if l == nil {
		d.logger.Debug("no listener registered", slog.String("type", i.Type.String()))
		d.record(ctx, i.Type.String(), OutcomeNoHandler, start)
		return emptyResponse(http.StatusNoContent)
	}

	var cb *Callback
	switch fn := l.(type) {
	case DirectListener:
		cb, err = d.runDirect(ctx, fn, i)
	case StreamingListener:
		cb, err = d.runStreaming(ctx, fn, i)
	default:
		err = fmt.Errorf("unsupported listener type %T", l)
	}
	if err == errClosed {
		d.record(ctx, i.Type.String(), OutcomeClosed, start)
		return textResponse(http.StatusServiceUnavailable, "Service Unavailable")
	}

	resp, err := d.respond(i, cb, err)
	if err != nil {
		d.logger.Error("interaction dispatch failed",
			slog.String("type", i.Type.String()),
			slog.String("error", err.Error()))
		d.record(ctx, i.Type.String(), OutcomeFailed, start)
		return textResponse(http.StatusInternalServerError, "Internal Server Error")
	}

	d.record(ctx, i.Type.String(), OutcomeResponded, start)
	return resp
}

func (d *Dispatcher) respond(i *entity.Interaction, cb *Callback, err error) (*Response, error) {
	if err != nil {
		return nil, &DispatchError{Type: i.Type, Err: err}
	}
	if cb == nil {
		return emptyResponse(http.StatusNoContent), nil
	}
	resp, err := jsonResponse(cb)
	if err != nil {
		return nil, &DispatchError{Type: i.Type, Err: err}
	}
	return resp, nil
}

func (d *Dispatcher) runDirect(ctx context.Context, fn DirectListener, i *entity.Interaction) (cb *Callback, err error) {
	defer func() {
		if v := recover(); v != nil {
			cb, err = nil, &PanicError{Value: v}
		}
	}()
	return fn(ctx, i)
}

var errClosed = &ConfigurationError{Reason: "dispatcher closed"}

type yielded struct {
	cb   *Callback
	err  error
	done bool // the listener returned without yielding
}

// runStreaming starts fn in the background and waits for its first yield,
// its return, or the request context.
func (d *Dispatcher) runStreaming(ctx context.Context, fn StreamingListener, i *entity.Interaction) (*Callback, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errClosed
	}
	d.background.Add(1)
	d.mu.Unlock()

	first := make(chan yielded, 1)
	var (
		once      sync.Mutex
		responded bool
	)
	// claim reports whether this is the first result; later ones are
	// dropped.
	claim := func() bool {
		once.Lock()
		defer once.Unlock()
		if responded {
			return false
		}
		responded = true
		return true
	}

	yield := func(cb *Callback) bool {
		if !claim() {
			d.onBackground(i.Type, ErrAlreadyResponded)
			d.backgroundFailure(i.Type)
			return false
		}
		first <- yielded{cb: cb}
		return true
	}

	go func() {
		defer d.background.Done()

		err := d.callStreaming(fn, i, yield)
		if claim() {
			first <- yielded{err: err, done: true}
			return
		}
		if err != nil {
			d.onBackground(i.Type, err)
			d.backgroundFailure(i.Type)
		}
	}()

	select {
	case y := <-first:
		return y.cb, y.err
	case <-ctx.Done():
		if claim() {
			return nil, ctx.Err()
		}
		y := <-first
		return y.cb, y.err
	}
}

func (d *Dispatcher) callStreaming(fn StreamingListener, i *entity.Interaction, yield func(*Callback) bool) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()
	return fn(d.baseCtx, i, yield)
}

func (d *Dispatcher) backgroundFailure(t entity.InteractionType) {
	if d.metrics != nil {
		d.metrics.RecordBackgroundFailure(d.baseCtx, t.String())
	}
}

func (d *Dispatcher) record(ctx context.Context, interactionType, outcome string, start time.Time) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(ctx, interactionType, outcome, time.Since(start))
	}
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops accepting streaming work and waits for background listeners
// up to the shutdown timeout or until ctx is done, then cancels the context
// given to those still running.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	defer d.cancel()

	done := make(chan struct{})
	go func() {
		d.background.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if d.shutdownTimeout > 0 {
		t := time.NewTimer(d.shutdownTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-done:
		return nil
	case <-timeout:
		d.logger.Warn("abandoning background interaction listeners",
			slog.Duration("shutdown_timeout", d.shutdownTimeout))
		return ErrShutdownTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
