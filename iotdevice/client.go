// Package iotdevice implements the device and module client session
// on top of a pluggable transport driver.
//
// A session owns its driver, tracks asynchronous operations until they
// complete exactly once and delivers every callback from a single
// goroutine so at most one user callback is running at a time.
// Callbacks must not call Close.
package iotdevice

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
	"github.com/amenzhinsky/iothubcore/retry"
	"go.opentelemetry.io/otel/metric"
)

// ErrClosed is returned by operations racing with Close.
var ErrClosed = errors.New("iotdevice: session is closed")

// ConfirmationFunc receives the terminal result of SendEventAsync,
// msg is the copy of the sent message.
type ConfirmationFunc func(msg *common.Message, result ConfirmationResult, userContext interface{})

// MessageFunc consumes an inbound message and tells how to settle it.
type MessageFunc func(msg *common.Message, userContext interface{}) transport.Disposition

// ConnectionStatusFunc is notified about every connection status change.
type ConnectionStatusFunc func(status ConnectionStatus, reason transport.Reason, userContext interface{})

// TwinFunc receives the full twin document once after registration
// and after reconnects, and desired properties patches in between.
type TwinFunc func(state TwinUpdateState, payload []byte, userContext interface{})

// MethodFunc handles a direct method and returns its result immediately.
type MethodFunc func(name string, payload []byte, userContext interface{}) (status int, response []byte)

// MethodExFunc handles a direct method that is answered later
// with DeviceMethodResponse using the given handle.
type MethodExFunc func(name string, payload []byte, h MethodHandle, userContext interface{})

// ReportedStateFunc receives the hub status code of a reported state
// update, status is zero when the session is closed before the hub answered.
type ReportedStateFunc func(status int, userContext interface{})

// FileUploadFunc receives the result of UploadToBlobAsync.
type FileUploadFunc func(result FileUploadResult, userContext interface{})

// MethodHandle identifies a direct method invocation waiting for a response.
type MethodHandle uint64

const (
	reportedStateOK    = 204
	reportedStateError = 500
	methodNotFound     = 501
)

// Session is a device or module connection to IoT Hub.
type Session struct {
	kind  Kind
	tr    transport.Driver
	creds transport.Credentials

	logger         common.Logger
	meterProvider  metric.MeterProvider
	metrics        *metrics
	connectTimeout time.Duration

	state   stateManager
	pending *tracker
	disp    *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	closed       bool
	policy       retry.Policy
	reconnecting bool
	retryExpired bool
	connecting   bool
	lostOnDial   bool
	lostReason   transport.Reason
	msgTimeout   time.Duration
	sweeping     bool
	tracing      bool
	traceLevel   common.LogLevel // level to restore when tracing is off
	productInfo  string
	lastReceive  time.Time

	statusFn ConnectionStatusFunc
	statusUC interface{}
	msgFn    MessageFunc
	msgUC    interface{}
	inputs   map[string]inputCallback
	twinFn   TwinFunc
	twinUC   interface{}
	twinGen  uint64
	methodFn MethodFunc
	methodEx MethodExFunc
	methodUC interface{}
	calls    map[MethodHandle]string
	nextCall MethodHandle
}

type inputCallback struct {
	fn MessageFunc
	uc interface{}
}

var _ transport.Receiver = (*Session)(nil)

// New creates a session for the given identity and performs the initial
// connection. Only errors that are not network errors are fatal, after
// a network error the session keeps reconnecting in the background
// according to its retry policy.
func New(ctx context.Context, tr transport.Driver, creds transport.Credentials, opts ...ClientOption) (*Session, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: transport is nil", transport.ErrInvalidArg)
	}
	if creds == nil {
		return nil, fmt.Errorf("%w: credentials are nil", transport.ErrInvalidArg)
	}
	s := &Session{
		kind:           KindDevice,
		tr:             tr,
		creds:          creds,
		logger:         common.NewLoggerFromEnv("iotdevice", "IOTHUB_DEVICE_LOG_LEVEL"),
		connectTimeout: defaultConnectTimeout,
		pending:        newTracker(),
		policy:         retry.New(retry.ExponentialBackoffWithJitter, 0),
		inputs:         map[string]inputCallback{},
		calls:          map[MethodHandle]string{},
	}
	if creds.ModuleID() != "" {
		s.kind = KindModule
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		if err := opt(s); err != nil {
			s.cancel()
			return nil, err
		}
	}
	m, err := newMetrics(s.meterProvider, tr.Name(), s.kind)
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.metrics = m
	s.tr.SetLogger(s.logger)
	s.disp = newDispatcher(s.logger, s.metrics.callbackPanic)
	if s.msgTimeout > 0 {
		s.startSweeper()
	}

	if err := s.start(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewFromConnectionString creates a device session out of a device connection string.
func NewFromConnectionString(ctx context.Context, tr transport.Driver, cs string, opts ...ClientOption) (*Session, error) {
	creds, err := NewCredentialsFromConnectionString(cs)
	if err != nil {
		return nil, err
	}
	if creds.ModuleID() != "" {
		return nil, fmt.Errorf("%w: module connection string, use NewModuleFromConnectionString", transport.ErrInvalidArg)
	}
	return New(ctx, tr, creds, opts...)
}

// NewFromSASToken creates a device session authenticated with a pre-generated SAS token.
func NewFromSASToken(ctx context.Context, tr transport.Driver, hostName, deviceID, token string, opts ...ClientOption) (*Session, error) {
	creds, err := NewCredentialsFromSASToken(hostName, deviceID, "", token)
	if err != nil {
		return nil, err
	}
	return New(ctx, tr, creds, opts...)
}

// NewFromX509 creates a device session authenticated with a client certificate.
func NewFromX509(ctx context.Context, tr transport.Driver, hostName, deviceID string, crt *tls.Certificate, opts ...ClientOption) (*Session, error) {
	creds, err := NewX509Credentials(hostName, deviceID, crt)
	if err != nil {
		return nil, err
	}
	return New(ctx, tr, creds, opts...)
}

// Kind reports whether it's a device or a module session.
func (s *Session) Kind() Kind {
	return s.kind
}

// DeviceID returns iothub device id.
func (s *Session) DeviceID() string {
	return s.creds.DeviceID()
}

// ModuleID returns module id, it's empty for device sessions.
func (s *Session) ModuleID() string {
	return s.creds.ModuleID()
}

// Transport returns the name of the underlying driver.
func (s *Session) Transport() string {
	return s.tr.Name()
}

// State returns current lifecycle state.
func (s *Session) State() State {
	return s.state.get()
}

// ConnectionStatus reports whether the session is authenticated at the moment.
func (s *Session) ConnectionStatus() ConnectionStatus {
	if s.state.get() == StateAuthenticated {
		return ConnectionAuthenticated
	}
	return ConnectionUnauthenticated
}

func (s *Session) mustOpen() {
	if s.state.get() == StateClosed {
		panic(ErrClosed)
	}
}

// spawn runs fn in a goroutine Close waits for, false means the session is closed.
func (s *Session) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Session) start(ctx context.Context) error {
	s.state.set(StateConnecting)
	err := s.connect(ctx, StateConnecting)
	if err == nil {
		s.logger.Infof("connected to %s over %s", transport.Broker(s.creds), s.tr.Name())
		s.notifyStatus(ConnectionAuthenticated, transport.ReasonConnectionOK)
		return nil
	}

	reason := transport.ReasonNoNetwork
	var lost *lostError
	if errors.As(err, &lost) {
		reason = lost.reason
		if stopsRetrying(reason) {
			return err
		}
	} else if !s.tr.IsNetworkError(err) {
		return err
	}

	s.logger.Warnf("connection error: %s, reconnecting in background", err)
	s.mu.Lock()
	s.state.set(StateUnauthenticated)
	s.notifyStatus(ConnectionUnauthenticated, reason)
	s.startReconnect()
	s.mu.Unlock()
	return nil
}

// lostError is returned by connect when the transport reported
// a connection loss before Connect returned.
type lostError struct {
	reason transport.Reason
}

func (e *lostError) Error() string {
	return fmt.Sprintf("connection lost while connecting (%s)", e.reason)
}

// connect dials the transport and moves the session from the given
// state to StateAuthenticated, nothing is moved when it fails.
func (s *Session) connect(ctx context.Context, from State) error {
	s.mu.Lock()
	s.connecting, s.lostOnDial = true, false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	err := s.tr.Connect(ctx, s.creds, s)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connecting = false
	if err != nil {
		return err
	}
	if s.lostOnDial {
		return &lostError{reason: s.lostReason}
	}
	if !s.state.transition(StateAuthenticated, from) {
		return &lostError{reason: transport.ReasonCommunicationError}
	}
	return nil
}

// stopsRetrying reports whether reconnecting cannot help.
func stopsRetrying(r transport.Reason) bool {
	return r == transport.ReasonBadCredential || r == transport.ReasonDeviceDisabled
}

// startReconnect must be called with s.mu held.
func (s *Session) startReconnect() {
	if s.closed || s.reconnecting {
		return
	}
	s.reconnecting = true
	s.retryExpired = false
	s.wg.Add(1)
	go s.reconnect()
}

func (s *Session) reconnect() {
	defer s.wg.Done()
	stopped := func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		d, ok := s.RetryPolicy().Next(attempt, time.Since(start))
		if !ok {
			s.mu.Lock()
			s.reconnecting = false
			s.retryExpired = true
			s.notifyStatus(ConnectionUnauthenticated, transport.ReasonRetryExpired)
			s.mu.Unlock()
			s.logger.Errorf("gave up reconnecting after %d attempts", attempt)
			return
		}

		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			stopped()
			return
		}

		s.metrics.reconnect()
		err := s.connect(s.ctx, StateUnauthenticated)
		if s.ctx.Err() != nil {
			stopped()
			return
		}
		if err == nil {
			s.mu.Lock()
			s.reconnecting = false
			s.notifyStatus(ConnectionAuthenticated, transport.ReasonConnectionOK)
			s.mu.Unlock()
			s.logger.Infof("reconnected after %d attempts", attempt+1)
			s.refreshTwin()
			return
		}

		reason := transport.ReasonOf(s.tr, err)
		var lost *lostError
		if errors.As(err, &lost) {
			reason = lost.reason
		}
		if stopsRetrying(reason) {
			s.mu.Lock()
			s.reconnecting = false
			s.notifyStatus(ConnectionUnauthenticated, reason)
			s.mu.Unlock()
			s.logger.Errorf("reconnect error: %s", err)
			return
		}
		s.logger.Warnf("reconnect attempt %d error: %s", attempt+1, err)
	}
}

// notifyStatus queues a connection status callback invocation.
func (s *Session) notifyStatus(status ConnectionStatus, reason transport.Reason) {
	s.disp.post("connection status", func() {
		s.mu.RLock()
		fn, uc := s.statusFn, s.statusUC
		s.mu.RUnlock()
		if fn != nil {
			fn(status, reason, uc)
		}
	})
}

// HandleConnectionLost implements transport.Receiver.
func (s *Session) HandleConnectionLost(reason transport.Reason, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.state.transition(StateUnauthenticated, StateAuthenticated) {
		// Connect hasn't returned yet, connect picks it up
		if s.connecting {
			s.lostOnDial, s.lostReason = true, reason
		}
		return
	}
	s.logger.Warnf("connection lost (%s): %v", reason, err)
	s.notifyStatus(ConnectionUnauthenticated, reason)
	if !stopsRetrying(reason) {
		s.startReconnect()
	}
}

// HandleMessage implements transport.Receiver, it blocks until
// the message callback decides how to settle the message.
func (s *Session) HandleMessage(msg *common.Message) transport.Disposition {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.DispositionAbandoned
	}
	s.lastReceive = time.Now()
	s.mu.Unlock()
	s.metrics.receive()

	dc := make(chan transport.Disposition, 1)
	if !s.disp.post("message", func() {
		d := transport.DispositionAbandoned
		defer func() { dc <- d }()
		d = s.deliverMessage(msg)
	}) {
		return transport.DispositionAbandoned
	}
	select {
	case d := <-dc:
		return d
	case <-s.ctx.Done():
		return transport.DispositionAbandoned
	}
}

func (s *Session) deliverMessage(msg *common.Message) transport.Disposition {
	s.mu.RLock()
	fn, uc := s.msgFn, s.msgUC
	if in, ok := s.inputs[msg.InputName()]; ok && msg.InputName() != "" {
		fn, uc = in.fn, in.uc
	}
	s.mu.RUnlock()
	if fn == nil {
		s.logger.Warnf("no message callback registered, abandoning message %q", msg.MessageID())
		return transport.DispositionAbandoned
	}
	return fn(msg, uc)
}

// HandleMethod implements transport.Receiver.
func (s *Session) HandleMethod(rid, name string, payload []byte) {
	s.disp.post("method", func() {
		s.deliverMethod(rid, name, payload)
	})
}

func (s *Session) deliverMethod(rid, name string, payload []byte) {
	s.mu.Lock()
	fn, ex, uc := s.methodFn, s.methodEx, s.methodUC
	var h MethodHandle
	if ex != nil {
		s.nextCall++
		h = s.nextCall
		s.calls[h] = rid
	}
	s.mu.Unlock()

	switch {
	case fn != nil:
		status, b := fn(name, payload, uc)
		s.spawn(func() {
			if err := s.respond(s.ctx, rid, status, b); err != nil {
				s.logger.Errorf("direct-method %q response error: %s", name, err)
			}
		})
	case ex != nil:
		ex(name, payload, h, uc)
	default:
		s.logger.Warnf("direct-method %q is not handled", name)
		s.spawn(func() {
			if err := s.respond(s.ctx, rid, methodNotFound, nil); err != nil {
				s.logger.Errorf("direct-method %q response error: %s", name, err)
			}
		})
	}
}

func (s *Session) respond(ctx context.Context, rid string, status int, b []byte) error {
	if len(b) == 0 {
		b = []byte("{}")
	}
	ctx, cancel := context.WithTimeout(ctx, defaultRespondTimeout)
	defer cancel()
	return s.tr.RespondMethod(ctx, rid, status, b)
}

// HandleDesiredState implements transport.Receiver.
func (s *Session) HandleDesiredState(payload []byte) {
	s.disp.post("twin", func() {
		s.mu.RLock()
		fn, uc := s.twinFn, s.twinUC
		s.mu.RUnlock()
		if fn != nil {
			fn(TwinPartial, payload, uc)
		}
	})
}

// SendEventAsync sends a copy of msg, cb is called exactly once
// with the copy and the terminal result, cb may be nil.
func (s *Session) SendEventAsync(msg *common.Message, cb ConfirmationFunc, userContext interface{}) error {
	s.mustOpen()
	if msg == nil {
		return fmt.Errorf("%w: message is nil", transport.ErrInvalidArg)
	}
	return s.send(msg.Clone(), cb, userContext)
}

func (s *Session) send(msg *common.Message, cb ConfirmationFunc, userContext interface{}) error {
	s.mu.RLock()
	expired := s.retryExpired
	s.mu.RUnlock()
	if expired {
		return fmt.Errorf("%w: retry policy expired", transport.ErrNotConnected)
	}

	op, ok := s.pending.add(opSendEvent, func(o outcome, err error) {
		r := ConfirmationOK
		switch {
		case o == outcomeDestroyed:
			r = ConfirmationBecauseDestroy
		case o == outcomeTimeout:
			r = ConfirmationMessageTimeout
		case err != nil:
			s.logger.Errorf("send error: %s", err)
			r = ConfirmationError
		}
		s.metrics.confirm(r)
		if cb != nil {
			s.disp.post("send confirmation", func() {
				cb(msg, r, userContext)
			})
		}
	})
	if !ok {
		return ErrClosed
	}
	s.metrics.send()
	s.logger.Debugf("device-to-cloud %s", msg.Inspect())
	s.tr.Send(s.ctx, msg, func(err error) {
		s.complete(op.handle, err)
	})
	return nil
}

// complete finishes the operation unless Close has started,
// then the operation is left to be destroyed.
func (s *Session) complete(h opHandle, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	if op, ok := s.pending.complete(h); ok {
		op.finish(outcomeDone, err)
	}
}

// SendStatus reports whether any sent message is waiting for confirmation.
func (s *Session) SendStatus() SendStatus {
	s.mustOpen()
	if s.pending.count(opSendEvent) != 0 {
		return SendBusy
	}
	return SendIdle
}

// SetMessageCallback registers the cloud-to-device message callback
// replacing the previous one, nil unregisters it.
func (s *Session) SetMessageCallback(fn MessageFunc, userContext interface{}) error {
	s.mustOpen()
	s.mu.Lock()
	s.msgFn, s.msgUC = fn, userContext
	s.mu.Unlock()
	s.updateSubscription()
	return nil
}

func (s *Session) updateSubscription() {
	sub, ok := s.tr.(transport.MessageSubscriber)
	if !ok {
		return
	}
	s.mu.RLock()
	on := s.msgFn != nil || len(s.inputs) != 0
	s.mu.RUnlock()
	sub.SetMessageSubscription(on)
}

// SetConnectionStatusCallback registers the connection status callback.
func (s *Session) SetConnectionStatusCallback(fn ConnectionStatusFunc, userContext interface{}) error {
	s.mustOpen()
	s.mu.Lock()
	s.statusFn, s.statusUC = fn, userContext
	s.mu.Unlock()
	return nil
}

// SetTwinCallback registers the twin callback, the full twin document
// is fetched and delivered with TwinComplete right after that.
func (s *Session) SetTwinCallback(fn TwinFunc, userContext interface{}) error {
	s.mustOpen()
	s.mu.Lock()
	s.twinFn, s.twinUC = fn, userContext
	s.twinGen++
	s.mu.Unlock()
	if fn != nil {
		s.refreshTwin()
	}
	return nil
}

// refreshTwin delivers the full twin to the callback registered at the moment.
func (s *Session) refreshTwin() {
	s.mu.RLock()
	fn, gen := s.twinFn, s.twinGen
	s.mu.RUnlock()
	if fn == nil {
		return
	}
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(s.ctx, defaultRespondTimeout)
		defer cancel()
		b, err := s.tr.GetTwin(ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Errorf("get twin error: %s", err)
			}
			return
		}
		s.disp.post("twin", func() {
			s.mu.RLock()
			fn, uc, cur := s.twinFn, s.twinUC, s.twinGen
			s.mu.RUnlock()
			if fn != nil && cur == gen {
				fn(TwinComplete, b, uc)
			}
		})
	})
}

// SetMethodCallback registers the immediate-response direct method callback.
// It fails with ErrInvalidArg while a MethodExFunc is registered.
func (s *Session) SetMethodCallback(fn MethodFunc, userContext interface{}) error {
	s.mustOpen()
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil && s.methodEx != nil {
		return fmt.Errorf("%w: deferred method callback is registered", transport.ErrInvalidArg)
	}
	s.methodFn, s.methodUC = fn, userContext
	return nil
}

// SetMethodCallbackEx registers the deferred-response direct method callback.
// It fails with ErrInvalidArg while a MethodFunc is registered.
func (s *Session) SetMethodCallbackEx(fn MethodExFunc, userContext interface{}) error {
	s.mustOpen()
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil && s.methodFn != nil {
		return fmt.Errorf("%w: method callback is registered", transport.ErrInvalidArg)
	}
	s.methodEx, s.methodUC = fn, userContext
	return nil
}

// DeviceMethodResponse answers a direct method delivered to MethodExFunc.
func (s *Session) DeviceMethodResponse(ctx context.Context, h MethodHandle, status int, payload []byte) error {
	s.mustOpen()
	s.mu.Lock()
	rid, ok := s.calls[h]
	delete(s.calls, h)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown method handle %d", transport.ErrInvalidArg, h)
	}
	return s.respond(ctx, rid, status, payload)
}

// SendReportedState patches reported twin properties, cb may be nil.
func (s *Session) SendReportedState(patch []byte, cb ReportedStateFunc, userContext interface{}) error {
	s.mustOpen()
	if len(patch) == 0 {
		return fmt.Errorf("%w: patch is empty", transport.ErrInvalidArg)
	}
	b := append([]byte(nil), patch...)
	op, ok := s.pending.add(opReportedState, func(o outcome, err error) {
		status := reportedStateOK
		switch {
		case o == outcomeDestroyed:
			status = 0
		case err != nil:
			s.logger.Errorf("reported state error: %s", err)
			status = reportedStateError
			var serr *transport.StatusError
			if errors.As(err, &serr) {
				status = serr.Code
			}
		}
		if cb != nil {
			s.disp.post("reported state", func() {
				cb(status, userContext)
			})
		}
	})
	if !ok {
		return ErrClosed
	}
	if !s.spawn(func() {
		_, err := s.tr.UpdateReportedState(s.ctx, b)
		s.complete(op.handle, err)
	}) {
		return ErrClosed
	}
	return nil
}

// UploadToBlobAsync stores data in the blob storage linked to the hub,
// the driver has to implement transport.Uploader.
func (s *Session) UploadToBlobAsync(name string, data []byte, cb FileUploadFunc, userContext interface{}) error {
	s.mustOpen()
	up, ok := s.tr.(transport.Uploader)
	if !ok {
		return fmt.Errorf("%w: blob upload over %s", transport.ErrNotImplemented, s.tr.Name())
	}
	if name == "" {
		return fmt.Errorf("%w: blob name is empty", transport.ErrInvalidArg)
	}
	b := append([]byte(nil), data...)
	op, ok := s.pending.add(opUploadBlob, func(o outcome, err error) {
		r := FileUploadOK
		if o != outcomeDone || err != nil {
			if err != nil {
				s.logger.Errorf("upload %q error: %s", name, err)
			}
			r = FileUploadError
		}
		if cb != nil {
			s.disp.post("file upload", func() {
				cb(r, userContext)
			})
		}
	})
	if !ok {
		return ErrClosed
	}
	if !s.spawn(func() {
		s.complete(op.handle, up.UploadToBlob(s.ctx, name, bytes.NewReader(b)))
	}) {
		return ErrClosed
	}
	return nil
}

// SetRetryPolicy changes reconnect pacing keeping backoff constants.
func (s *Session) SetRetryPolicy(kind retry.Kind, timeoutLimit time.Duration) error {
	s.mustOpen()
	if timeoutLimit < 0 {
		return fmt.Errorf("%w: negative retry timeout", transport.ErrInvalidArg)
	}
	s.mu.Lock()
	s.policy.Kind = kind
	s.policy.TimeoutLimit = timeoutLimit
	s.mu.Unlock()
	return nil
}

// RetryPolicy returns the current retry policy.
func (s *Session) RetryPolicy() retry.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// LastMessageReceiveTime returns when the last inbound message arrived,
// ErrIndefiniteTime is returned if nothing has arrived yet.
func (s *Session) LastMessageReceiveTime() (time.Time, error) {
	s.mustOpen()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastReceive.IsZero() {
		return time.Time{}, transport.ErrIndefiniteTime
	}
	return s.lastReceive, nil
}

// Options returns names of all accepted options.
func (s *Session) Options() transport.OptionTable {
	return s.tr.Options().Merge(sessionOptions)
}

// SetOption sets a session option or passes it to the driver.
func (s *Session) SetOption(name string, v interface{}) error {
	s.mustOpen()
	return s.setOption(name, v)
}

func (s *Session) setOption(name string, v interface{}) error {
	if _, ok := sessionOptions[name]; !ok {
		return s.tr.SetOption(name, v)
	}
	v, err := sessionOptions.Validate(name, v)
	if err != nil {
		return err
	}
	switch name {
	case OptionMessageTimeout:
		n := v.(int64)
		if n < 0 {
			return fmt.Errorf("%w: negative message timeout", transport.ErrInvalidArg)
		}
		s.mu.Lock()
		s.msgTimeout = time.Duration(n) * time.Millisecond
		s.mu.Unlock()
		if n > 0 && s.disp != nil {
			s.startSweeper()
		}
	case OptionLogTrace:
		ls, ok := s.logger.(common.LevelSetter)
		if !ok {
			return nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case v.(int64) != 0 && !s.tracing:
			s.traceLevel, s.tracing = ls.Level(), true
			ls.SetLevel(common.LevelDebug)
		case v.(int64) == 0 && s.tracing:
			s.tracing = false
			ls.SetLevel(s.traceLevel)
		}
	case OptionProductInfo:
		s.mu.Lock()
		s.productInfo = v.(string)
		s.mu.Unlock()
		if _, ok := s.tr.Options()[name]; ok {
			return s.tr.SetOption(name, v)
		}
	}
	return nil
}

func (s *Session) messageTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.msgTimeout
}

func (s *Session) startSweeper() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sweeping {
		return
	}
	s.sweeping = true
	s.wg.Add(1)
	go s.sweep()
}

// sweep completes sends waiting longer than the message timeout.
func (s *Session) sweep() {
	defer s.wg.Done()
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-s.ctx.Done():
			return
		}
		d := s.messageTimeout()
		if d == 0 {
			s.mu.Lock()
			s.sweeping = false
			s.mu.Unlock()
			return
		}
		for _, op := range s.pending.expire(d) {
			s.logger.Warnf("message %d timed out after %s", op.handle, d)
			op.finish(outcomeTimeout, nil)
		}
	}
}

// Close disconnects the session, blocks until no callback is running
// and completes every pending operation with a because-destroy result.
//
// It's safe to call it multiple times, any other method panics after it.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	// wait for reconnects and requests, cancelled above
	s.wg.Wait()
	err := s.tr.Close()
	if err != nil {
		s.logger.Errorf("transport close error: %s", err)
	}

	s.mu.Lock()
	s.statusFn, s.msgFn, s.twinFn, s.methodFn, s.methodEx = nil, nil, nil, nil, nil
	s.inputs = map[string]inputCallback{}
	s.calls = map[MethodHandle]string{}
	s.mu.Unlock()

	for _, op := range s.pending.destroy() {
		op.finish(outcomeDestroyed, nil)
	}
	s.disp.close()
	s.state.set(StateClosed)
	s.logger.Debugf("closed")
	return err
}
