package ramses

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Engine defaults.
const (
	// DefaultStartupDelay is the pause before the first requests after a
	// cold restart; the gateway drops frames sent while it is settling.
	DefaultStartupDelay = 2 * time.Second
)

// Results recorded for received frames.
const (
	ResultDecoded   = "decoded"
	ResultMalformed = "malformed"
	ResultInvalid   = "invalid"
	ResultFiltered  = "filtered"
	ResultRequest   = "request"
)

// Logger is the structured logger used by this package.
// It is satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Gateway carries frame lines to and from the RF gateway.
type Gateway interface {
	// Send transmits one line in transmit form.
	Send(ctx context.Context, line string) error

	// SetOnEnvelope registers the callback for received lines.
	SetOnEnvelope(callback func(Envelope))
}

// Metrics receives engine counters. Implemented by the metrics package.
type Metrics interface {
	FrameReceived(code Code, result string)
	FrameSent(code Code)
	RequestMatched(code Code)
	RequestRetried(code Code)
	RequestAbandoned(code Code)
	PendingRequests(n int)
}

// Handler receives decoded payloads for one message code. Handlers run on
// the receive path and must not block.
type Handler func(Payload)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Gateway is required.
	Gateway Gateway

	// Registry defaults to DefaultRegistry().
	Registry *Registry

	// Scheduler defaults to ClockScheduler().
	Scheduler Scheduler

	// Limiter paces transmissions. Nil sends without pacing.
	Limiter *rate.Limiter

	// Addresses holds the known role assignments. Empty roles may be
	// discovered from traffic.
	Addresses Addresses

	// MaxRetries and Timeout form the retry policy of requests. MaxRetries
	// is used as given: 0 (or less) sends a request once. A zero Timeout
	// selects DefaultTimeout.
	MaxRetries int
	Timeout    time.Duration

	// AwaitFanState attaches an expected 31D9 announcement from the fan to
	// preset commands so they are repeated until the fan confirms.
	AwaitFanState bool

	// StartupDelay is waited by Setup after a cold restart.
	StartupDelay time.Duration

	Logger  Logger
	Metrics Metrics
}

// EngineStats is a snapshot of engine counters.
type EngineStats struct {
	FramesReceived  uint64
	FramesSent      uint64
	DecodeErrors    uint64
	RequestsMatched uint64
	Retries         uint64
	Abandoned       uint64
	Pending         int
	LastActivity    time.Time
}

// Engine sends frames through a gateway, tracks requests awaiting replies,
// retries them on timeout and dispatches decoded inbound payloads.
//
// Request lifecycle: published, then either matched by a reply or retried
// until the retry budget is spent and the request is abandoned.
//
// Thread Safety: All methods are safe for concurrent use.
type Engine struct {
	gateway   Gateway
	registry  *Registry
	scheduler Scheduler
	limiter   *rate.Limiter
	queue     *PendingQueue
	addrs     addressBook
	metrics   Metrics

	maxRetries    int
	timeout       time.Duration
	awaitFanState bool
	startupDelay  time.Duration

	handlers   map[Code]Handler
	handlersMu sync.RWMutex

	onEnvelope  func(Envelope)
	onDiscovery []func(Discovery)
	onAbandoned []func(*Frame, error)
	callbackMu  sync.RWMutex

	framesRx     atomic.Uint64
	framesTx     atomic.Uint64
	decodeErrors atomic.Uint64
	matched      atomic.Uint64
	retries      atomic.Uint64
	abandoned    atomic.Uint64
	lastActivity atomic.Int64

	// lifecycle is held for reading by timer callbacks and for writing by
	// Stop, so no retry runs once Stop has returned.
	lifecycle sync.RWMutex
	stopped   atomic.Bool
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// NewEngine creates an engine. Call Start to begin receiving.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		gateway:       opts.Gateway,
		registry:      opts.Registry,
		scheduler:     opts.Scheduler,
		limiter:       opts.Limiter,
		queue:         NewPendingQueue(),
		metrics:       opts.Metrics,
		maxRetries:    opts.MaxRetries,
		timeout:       opts.Timeout,
		awaitFanState: opts.AwaitFanState,
		startupDelay:  opts.StartupDelay,
		handlers:      make(map[Code]Handler),
		ctx:           ctx,
		ctxCancel:     cancel,
		logger:        opts.Logger,
	}
	e.addrs.addrs = opts.Addresses

	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	if e.scheduler == nil {
		e.scheduler = ClockScheduler()
	}
	if e.maxRetries < 0 {
		e.maxRetries = 0
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}

	return e, nil
}

// Start subscribes the engine to the gateway's received lines.
func (e *Engine) Start() {
	e.gateway.SetOnEnvelope(e.HandleEnvelope)
	e.logInfo("RAMSES engine started", "addresses", e.describeAddresses())
}

// Stop cancels every pending request and stops retries. Frames received
// after Stop are still decoded and dispatched; publishing fails with
// ErrEngineStopped. Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.ctxCancel()

		e.lifecycle.Lock()
		e.stopped.Store(true)
		e.lifecycle.Unlock()

		e.queue.Clear()
		e.reportPending()
		e.wg.Wait()

		e.logInfo("RAMSES engine stopped")
	})
}

// Registry returns the decoder registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Addresses returns the current role assignments.
func (e *Engine) Addresses() Addresses {
	return e.addrs.snapshot()
}

// SetAddress assigns a role, e.g. once the gateway id is discovered.
func (e *Engine) SetAddress(role Role, addr Address) {
	e.addrs.set(role, addr)
}

// RegisterHandler sets the handler for code, replacing any previous one.
func (e *Engine) RegisterHandler(code Code, h Handler) {
	e.handlersMu.Lock()
	e.handlers[code] = h
	e.handlersMu.Unlock()
}

// UnregisterHandler removes the handler for code.
func (e *Engine) UnregisterHandler(code Code) {
	e.handlersMu.Lock()
	delete(e.handlers, code)
	e.handlersMu.Unlock()
}

// SetOnEnvelope registers a callback invoked with every envelope that
// parsed as a frame. Used by the packet log.
func (e *Engine) SetOnEnvelope(callback func(Envelope)) {
	e.callbackMu.Lock()
	e.onEnvelope = callback
	e.callbackMu.Unlock()
}

// OnDiscovery adds a listener for discovered role addresses.
func (e *Engine) OnDiscovery(listener func(Discovery)) {
	e.callbackMu.Lock()
	e.onDiscovery = append(e.onDiscovery, listener)
	e.callbackMu.Unlock()
}

// OnAbandoned adds a listener for requests that ran out of retries. The
// error wraps ErrRequestAbandoned. Listeners must not call Stop or
// Publish.
func (e *Engine) OnAbandoned(listener func(*Frame, error)) {
	e.callbackMu.Lock()
	e.onAbandoned = append(e.onAbandoned, listener)
	e.callbackMu.Unlock()
}

// Publish transmits f. When f carries an expected response it is tracked
// until a reply matches or its retries run out.
//
// Returns:
//   - error: ErrTransport wrapping the gateway error, ErrEngineStopped, or
//     the context error while waiting for the transmit limiter
func (e *Engine) Publish(ctx context.Context, f *Frame) error {
	// Stop clears the queue after taking lifecycle, so a frame tracked
	// under the read lock is either cleared by Stop or never added.
	e.lifecycle.RLock()
	if e.stopped.Load() {
		e.lifecycle.RUnlock()
		return ErrEngineStopped
	}
	if f.Expected != nil {
		if err := e.queue.Add(f); err != nil {
			e.lifecycle.RUnlock()
			return err
		}
	}
	e.lifecycle.RUnlock()
	if f.Expected != nil {
		e.reportPending()
	}

	if err := e.transmit(ctx, f); err != nil {
		if f.Expected != nil {
			//nolint:errcheck // a concurrent match may already have removed it
			e.queue.Remove(f)
			e.reportPending()
		}
		return err
	}

	if f.Expected != nil {
		e.scheduleRetry(f)
	}
	return nil
}

// Request polls code on the device holding role.
//
// Returns:
//   - error: ErrUnknownRole when the role has no address, ErrNotQueryable,
//     or a Publish error
func (e *Engine) Request(ctx context.Context, code Code, role Role) error {
	addrs := e.Addresses()
	dst := addrs.Get(role)
	if dst.IsEmpty() {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	f, err := e.registry.BuildRequest(code, e.requestSource(addrs), dst)
	if err != nil {
		return err
	}
	e.applyRetryPolicy(f.Expected)
	return e.Publish(ctx, f)
}

// SetPreset switches the fan to a named preset.
//
// Returns:
//   - error: ErrInvalidPreset, ErrUnknownRole when fan or remote is not
//     known, or a Publish error
func (e *Engine) SetPreset(ctx context.Context, preset string) error {
	addrs := e.Addresses()
	if addrs.Fan.IsEmpty() {
		return fmt.Errorf("%w: %s", ErrUnknownRole, RoleFan)
	}
	if addrs.Remote.IsEmpty() {
		return fmt.Errorf("%w: %s", ErrUnknownRole, RoleRemote)
	}

	f, err := FanCommand(preset, addrs.Remote, addrs.Fan)
	if err != nil {
		return err
	}
	if e.awaitFanState {
		f.Expected = NewExpectedResponse(VerbInformation, CodeFanState, addrs.Fan, NoAddress)
		e.applyRetryPolicy(f.Expected)
	}

	e.logInfo("setting fan preset", "preset", preset, "code", f.Code, "fan", addrs.Fan.String())
	return e.Publish(ctx, f)
}

// Setup sends the initial status requests. After a cold restart it first
// waits for the startup delay.
func (e *Engine) Setup(ctx context.Context, coldStart bool) error {
	if coldStart && e.startupDelay > 0 {
		select {
		case <-time.After(e.startupDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	addrs := e.Addresses()
	var errs []error
	if addrs.Fan.IsEmpty() {
		e.logInfo("fan address unknown, waiting for discovery")
	} else {
		errs = append(errs, e.initRole(ctx, RoleFan))
	}
	if !addrs.CO2.IsEmpty() {
		e.logInfo("using known CO2 sensor", "address", addrs.CO2.String())
		errs = append(errs, e.initRole(ctx, RoleCO2))
	}
	return errors.Join(errs...)
}

// initialRequests are polled from each role at startup.
var initialRequests = map[Role][]Code{
	RoleFan: {CodeDeviceInfo, CodeHumidity, CodeFanState},
	RoleCO2: {CodeDeviceInfo, CodeCO2, CodeVentDemand},
}

// initRole requests the startup status of role.
func (e *Engine) initRole(ctx context.Context, role Role) error {
	var errs []error
	for _, code := range initialRequests[role] {
		if err := e.Request(ctx, code, role); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", role, code, err))
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of requests awaiting a reply.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() EngineStats {
	s := EngineStats{
		FramesReceived:  e.framesRx.Load(),
		FramesSent:      e.framesTx.Load(),
		DecodeErrors:    e.decodeErrors.Load(),
		RequestsMatched: e.matched.Load(),
		Retries:         e.retries.Load(),
		Abandoned:       e.abandoned.Load(),
		Pending:         e.queue.Len(),
	}
	if ns := e.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}

// HandleEnvelope processes one received line. Parse and decode failures are
// logged and the line is dropped; they never reach the caller.
func (e *Engine) HandleEnvelope(env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			e.logError("panic handling frame", fmt.Errorf("%v", r), "line", env.Line)
		}
	}()

	f, err := ParseFrame(env)
	if err != nil {
		e.decodeErrors.Add(1)
		e.recordReceived("", ResultMalformed)
		e.logWarn("discarding malformed frame", "error", err, "line", env.Line)
		return
	}
	e.framesRx.Add(1)
	e.lastActivity.Store(time.Now().UnixNano())
	if !f.HasSignal() {
		e.logWarn("unparseable signal strength", "line", env.Line)
	}

	e.callbackMu.RLock()
	observe := e.onEnvelope
	e.callbackMu.RUnlock()
	if observe != nil {
		observe(env)
	}

	if _, known := e.registry.Lookup(f.Code); !known {
		e.logWarn("no decoder for message code", "code", f.Code, "line", env.Line)
	}
	payload, err := e.registry.Decode(f)
	if err != nil {
		e.decodeErrors.Add(1)
		e.recordReceived(f.Code, ResultInvalid)
		e.logWarn("discarding undecodable frame", "error", err, "line", env.Line)
		return
	}

	if req := e.queue.Take(f); req != nil {
		e.matched.Add(1)
		if e.metrics != nil {
			e.metrics.RequestMatched(req.Code)
		}
		e.reportPending()
		e.logDebug("request answered", "request", req.TransmitLine(), "reply", env.Line)
	}

	if f.Verb == VerbRequest {
		e.recordReceived(f.Code, ResultRequest)
		return
	}

	if !e.acceptSource(f) {
		e.recordReceived(f.Code, ResultFiltered)
		e.logDebug("ignoring frame from unknown device", "src", f.Src.String(), "code", f.Code)
		return
	}

	e.recordReceived(f.Code, ResultDecoded)
	e.logDebug("frame decoded", "line", env.Line, "payload", Describe(payload))
	e.dispatch(payload)
}

// acceptSource reports whether f comes from a known device, claiming the
// address for an unknown role when f is a discovery frame.
func (e *Engine) acceptSource(f *Frame) bool {
	addrs := e.Addresses()
	if _, ok := addrs.RoleOf(f.Src); ok {
		return true
	}

	switch {
	case f.Verb == VerbInformation && f.Code == CodeVentDemand && f.Length() == ventDemandLength &&
		addrs.CO2.IsEmpty() && !addrs.Fan.IsEmpty() && f.Dst == addrs.Fan:
		if e.addrs.claim(RoleCO2, f.Src) {
			e.discovered(Discovery{Role: RoleCO2, Address: f.Src, Frame: f})
			return true
		}
	case f.Verb == VerbInformation && f.Code == CodeStartup && addrs.Fan.IsEmpty():
		if e.addrs.claim(RoleFan, f.Src) {
			e.discovered(Discovery{Role: RoleFan, Address: f.Src, Frame: f})
			return true
		}
	}
	return false
}

// discovered notifies listeners and polls the new device in the background.
func (e *Engine) discovered(d Discovery) {
	e.logInfo("device discovered", "role", d.Role, "address", d.Address.String())

	e.callbackMu.RLock()
	listeners := append([]func(Discovery){}, e.onDiscovery...)
	e.callbackMu.RUnlock()
	for _, l := range listeners {
		l(d)
	}

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.stopped.Load() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.initRole(e.ctx, d.Role); err != nil && !errors.Is(err, context.Canceled) {
			e.logError("initial requests failed", err, "role", d.Role)
		}
	}()
}

// dispatch hands p to the handler registered for its code.
func (e *Engine) dispatch(p Payload) {
	e.handlersMu.RLock()
	h := e.handlers[p.Code()]
	e.handlersMu.RUnlock()
	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.logError("handler panic recovered", fmt.Errorf("%v", r), "code", p.Code())
		}
	}()
	h(p)
}

// transmit paces and sends one frame.
func (e *Engine) transmit(ctx context.Context, f *Frame) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting to transmit %s: %w", f.Code, err)
		}
	}
	line := f.TransmitLine()
	if err := e.gateway.Send(ctx, line); err != nil {
		if errors.Is(err, ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	e.framesTx.Add(1)
	if e.metrics != nil {
		e.metrics.FrameSent(f.Code)
	}
	e.logDebug("frame sent", "line", line)
	return nil
}

// scheduleRetry arms the timeout of a tracked frame.
func (e *Engine) scheduleRetry(f *Frame) {
	cancel := e.scheduler.AfterFunc(f.Expected.timeout(), func() {
		e.onTimeout(f)
	})
	e.queue.arm(f, cancel)
}

// onTimeout retries f or abandons it once the retry budget is spent.
func (e *Engine) onTimeout(f *Frame) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()

	if e.stopped.Load() || !e.queue.Contains(f) {
		return
	}

	if remaining := f.Expected.consumeRetry(); remaining < 0 {
		if err := e.queue.Remove(f); err != nil {
			return
		}
		e.abandoned.Add(1)
		if e.metrics != nil {
			e.metrics.RequestAbandoned(f.Code)
		}
		e.reportPending()

		err := fmt.Errorf("%w: %s to %s", ErrRequestAbandoned, f.Code, f.Dst)
		e.logWarn("request abandoned, no response", "line", f.TransmitLine())

		e.callbackMu.RLock()
		listeners := append([]func(*Frame, error){}, e.onAbandoned...)
		e.callbackMu.RUnlock()
		for _, l := range listeners {
			l(f, err)
		}
		return
	}

	e.retries.Add(1)
	if e.metrics != nil {
		e.metrics.RequestRetried(f.Code)
	}
	e.logDebug("retrying request", "line", f.TransmitLine(), "retries_left", f.Expected.remainingRetries())
	if err := e.transmit(e.ctx, f); err != nil {
		e.logError("retry transmit failed", err, "code", f.Code)
	}
	e.scheduleRetry(f)
}

// applyRetryPolicy copies the engine's retry policy onto exp.
func (e *Engine) applyRetryPolicy(exp *ExpectedResponse) {
	exp.MaxRetries = e.maxRetries
	exp.Timeout = e.timeout
}

// requestSource picks the source address for status requests.
func (e *Engine) requestSource(addrs Addresses) Address {
	if !addrs.Gateway.IsEmpty() {
		return addrs.Gateway
	}
	return addrs.Remote
}

func (e *Engine) recordReceived(code Code, result string) {
	if e.metrics != nil {
		e.metrics.FrameReceived(code, result)
	}
}

func (e *Engine) reportPending() {
	if e.metrics != nil {
		e.metrics.PendingRequests(e.queue.Len())
	}
}

func (e *Engine) describeAddresses() map[string]string {
	addrs := e.Addresses()
	out := make(map[string]string, len(Roles))
	for _, r := range Roles {
		out[string(r)] = addrs.Get(r).String()
	}
	return out
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.loggerMu.Lock()
	e.logger = logger
	e.loggerMu.Unlock()
}

func (e *Engine) getLogger() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

func (e *Engine) logInfo(msg string, keysAndValues ...any) {
	if logger := e.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (e *Engine) logWarn(msg string, keysAndValues ...any) {
	if logger := e.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (e *Engine) logDebug(msg string, keysAndValues ...any) {
	if logger := e.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (e *Engine) logError(msg string, err error, keysAndValues ...any) {
	if logger := e.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
