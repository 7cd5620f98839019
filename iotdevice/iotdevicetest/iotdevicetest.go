// Package iotdevicetest provides an in-memory transport driver for
// exercising sessions without network access.
package iotdevicetest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
)

// ErrNetwork is reported as a network error by Driver.IsNetworkError.
var ErrNetwork = errors.New("iotdevicetest: network error")

var options = transport.OptionTable{
	transport.OptionKeepAlive:   transport.OptionInt,
	transport.OptionProductInfo: transport.OptionString,
}

// Send is a message handed over to the driver.
type Send struct {
	Msg  *common.Message
	done transport.DoneFunc
	once sync.Once
}

// Complete reports the terminal send result, repeated calls are ignored.
func (s *Send) Complete(err error) {
	s.once.Do(func() {
		s.done(err)
	})
}

// Response is a direct method response sent by a session.
type Response struct {
	RID     string
	Status  int
	Payload []byte
}

// Option is a driver configuration option.
type Option func(d *Driver)

// WithName overrides the driver name, default is FAKE.
func WithName(name string) Option {
	return func(d *Driver) {
		d.name = name
	}
}

// WithAutoComplete makes the driver complete sends right away.
func WithAutoComplete(on bool) Option {
	return func(d *Driver) {
		d.auto = on
	}
}

// WithTwin sets the document GetTwin returns.
func WithTwin(b []byte) Option {
	return func(d *Driver) {
		d.twin = b
	}
}

// WithMethodInvoker sets the handler of InvokeMethod calls,
// by default invocations block until the context is done.
func WithMethodInvoker(fn func(ctx context.Context, call *transport.MethodCall) (*transport.MethodResult, error)) Option {
	return func(d *Driver) {
		d.invoke = fn
	}
}

// New creates a new driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		name:    "FAKE",
		sent:    make(chan *Send, 64),
		resp:    make(chan *Response, 64),
		options: map[string]interface{}{},
		uploads: map[string][]byte{},
		logger:  common.NewLogger("iotdevicetest", common.LevelError, nil),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Driver is a scriptable transport.Driver, it also implements
// transport.Uploader, transport.MethodInvoker and transport.MessageSubscriber.
type Driver struct {
	mu         sync.Mutex
	name       string
	auto       bool
	recv       transport.Receiver
	creds      transport.Credentials
	connected  bool
	closed     bool
	connects   int
	connErrs   []error
	connDrops  []error
	pending    []*Send
	twin       []byte
	version    int
	reported   [][]byte
	options    map[string]interface{}
	uploads    map[string][]byte
	subscribed bool
	invoke     func(ctx context.Context, call *transport.MethodCall) (*transport.MethodResult, error)
	logger     common.Logger

	sent chan *Send
	resp chan *Response
}

var (
	_ transport.Driver            = (*Driver)(nil)
	_ transport.Uploader          = (*Driver)(nil)
	_ transport.MethodInvoker     = (*Driver)(nil)
	_ transport.MessageSubscriber = (*Driver)(nil)
)

func (d *Driver) Name() string {
	return d.name
}

func (d *Driver) SetLogger(logger common.Logger) {
	d.mu.Lock()
	d.logger = logger
	d.mu.Unlock()
}

// DropOnConnect makes the next len(errs) successful Connect calls
// report a connection loss to the receiver before they return.
func (d *Driver) DropOnConnect(errs ...error) {
	d.mu.Lock()
	d.connDrops = append(d.connDrops, errs...)
	d.mu.Unlock()
}

// FailConnect makes the next len(errs) Connect calls fail with the given errors.
func (d *Driver) FailConnect(errs ...error) {
	d.mu.Lock()
	d.connErrs = append(d.connErrs, errs...)
	d.mu.Unlock()
}

func (d *Driver) Connect(ctx context.Context, creds transport.Credentials, r transport.Receiver) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("iotdevicetest: driver is closed")
	}
	d.connects++
	if len(d.connErrs) != 0 {
		err := d.connErrs[0]
		d.connErrs = d.connErrs[1:]
		if err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.creds, d.recv, d.connected = creds, r, true
	var drop error
	if len(d.connDrops) != 0 {
		drop = d.connDrops[0]
		d.connDrops = d.connDrops[1:]
		d.connected = false
	}
	d.mu.Unlock()

	if drop != nil {
		r.HandleConnectionLost(transport.ReasonOf(d, drop), drop)
	}
	return nil
}

// Connects returns number of Connect calls.
func (d *Driver) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Connected reports whether the driver is connected.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Credentials returns credentials of the last successful Connect call.
func (d *Driver) Credentials() transport.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creds
}

func (d *Driver) Send(ctx context.Context, msg *common.Message, done transport.DoneFunc) {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		done(transport.ErrNotConnected)
		return
	}
	s := &Send{Msg: msg, done: done}
	if !d.auto {
		d.pending = append(d.pending, s)
	}
	d.mu.Unlock()

	select {
	case d.sent <- s:
	default:
		d.logger.Warnf("sent channel is full")
	}
	if d.auto {
		s.Complete(nil)
	}
}

// Sent returns a channel of sends in the order they were made.
func (d *Driver) Sent() <-chan *Send {
	return d.sent
}

// CompleteAll completes all sends waiting for a result.
func (d *Driver) CompleteAll(err error) int {
	d.mu.Lock()
	s := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, p := range s {
		p.Complete(err)
	}
	return len(s)
}

func (d *Driver) GetTwin(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, transport.ErrNotConnected
	}
	if d.twin == nil {
		return nil, transport.ErrNotImplemented
	}
	return d.twin, nil
}

func (d *Driver) UpdateReportedState(ctx context.Context, b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return 0, transport.ErrNotConnected
	}
	d.reported = append(d.reported, b)
	d.version++
	return d.version, nil
}

// Reported returns all reported state patches.
func (d *Driver) Reported() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.reported...)
}

func (d *Driver) RespondMethod(ctx context.Context, rid string, status int, b []byte) error {
	select {
	case d.resp <- &Response{RID: rid, Status: status, Payload: b}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Responses returns a channel of direct method responses.
func (d *Driver) Responses() <-chan *Response {
	return d.resp
}

func (d *Driver) Options() transport.OptionTable {
	return options
}

func (d *Driver) SetOption(name string, v interface{}) error {
	v, err := options.Validate(name, v)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.options[name] = v
	d.mu.Unlock()
	return nil
}

// Option returns a value set with SetOption.
func (d *Driver) Option(name string) interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.options[name]
}

func (d *Driver) IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func (d *Driver) SetMessageSubscription(on bool) {
	d.mu.Lock()
	d.subscribed = on
	d.mu.Unlock()
}

// Subscribed reports whether a session asked for inbound messages.
func (d *Driver) Subscribed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribed
}

func (d *Driver) UploadToBlob(ctx context.Context, name string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return transport.ErrNotConnected
	}
	d.uploads[name] = b
	return nil
}

// Upload returns an uploaded blob.
func (d *Driver) Upload(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.uploads[name]
	return b, ok
}

func (d *Driver) InvokeMethod(ctx context.Context, call *transport.MethodCall) (*transport.MethodResult, error) {
	d.mu.Lock()
	fn := d.invoke
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, call)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *Driver) receiver() transport.Receiver {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	return d.recv
}

// Deliver passes an inbound message to the session and returns its disposition.
func (d *Driver) Deliver(msg *common.Message) (transport.Disposition, error) {
	r := d.receiver()
	if r == nil {
		return 0, transport.ErrNotConnected
	}
	return r.HandleMessage(msg), nil
}

// Call delivers a direct method invocation.
func (d *Driver) Call(rid, name string, payload []byte) error {
	r := d.receiver()
	if r == nil {
		return transport.ErrNotConnected
	}
	r.HandleMethod(rid, name, payload)
	return nil
}

// PatchDesired delivers a desired properties patch.
func (d *Driver) PatchDesired(payload []byte) error {
	r := d.receiver()
	if r == nil {
		return transport.ErrNotConnected
	}
	r.HandleDesiredState(payload)
	return nil
}

// Drop breaks the connection and reports it to the session.
func (d *Driver) Drop(err error) error {
	r := d.receiver()
	if r == nil {
		return transport.ErrNotConnected
	}
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	r.HandleConnectionLost(transport.ReasonOf(d, err), err)
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.connected = false
	d.recv = nil
	return nil
}
