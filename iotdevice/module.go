package iotdevice

import (
	"context"
	"errors"
	"fmt"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
)

// NewModuleFromConnectionString creates a module session out of a module connection string.
func NewModuleFromConnectionString(ctx context.Context, tr transport.Driver, cs string, opts ...ClientOption) (*Session, error) {
	creds, err := NewCredentialsFromConnectionString(cs)
	if err != nil {
		return nil, err
	}
	if creds.ModuleID() == "" {
		return nil, fmt.Errorf("%w: ModuleId is missing in connection string", transport.ErrInvalidArg)
	}
	return New(ctx, tr, creds, opts...)
}

func (s *Session) mustModule(op string) error {
	if s.kind != KindModule {
		return fmt.Errorf("%w: %s is available only to modules", transport.ErrInvalidArg, op)
	}
	return nil
}

// SendEventToOutputAsync sends a copy of msg to the named module output.
func (s *Session) SendEventToOutputAsync(output string, msg *common.Message, cb ConfirmationFunc, userContext interface{}) error {
	s.mustOpen()
	if err := s.mustModule("sending to outputs"); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: message is nil", transport.ErrInvalidArg)
	}
	clone := msg.Clone()
	if err := clone.SetOutputName(output); err != nil {
		return fmt.Errorf("%w: %s", transport.ErrInvalidArg, err)
	}
	return s.send(clone, cb, userContext)
}

// SetInputMessageCallback registers the callback for messages routed
// to the named input, they take precedence over SetMessageCallback.
// nil unregisters it.
func (s *Session) SetInputMessageCallback(input string, fn MessageFunc, userContext interface{}) error {
	s.mustOpen()
	if err := s.mustModule("input callbacks"); err != nil {
		return err
	}
	if input == "" {
		return fmt.Errorf("%w: input name is empty", transport.ErrInvalidArg)
	}
	s.mu.Lock()
	if fn == nil {
		delete(s.inputs, input)
	} else {
		s.inputs[input] = inputCallback{fn: fn, uc: userContext}
	}
	s.mu.Unlock()
	s.updateSubscription()
	return nil
}

// InvokeMethod calls a direct method of a device or of a module when
// call.ModuleID is set, the driver has to implement transport.MethodInvoker.
//
// It returns ErrTimeout when the target doesn't answer in
// call.ConnectTimeout + call.ResponseTimeout and a little slack.
func (s *Session) InvokeMethod(ctx context.Context, call *transport.MethodCall) (*transport.MethodResult, error) {
	s.mustOpen()
	if err := s.mustModule("method invocation"); err != nil {
		return nil, err
	}
	if call == nil || call.DeviceID == "" || call.MethodName == "" {
		return nil, fmt.Errorf("%w: device id and method name are required", transport.ErrInvalidArg)
	}
	inv, ok := s.tr.(transport.MethodInvoker)
	if !ok {
		return nil, fmt.Errorf("%w: method invocation over %s", transport.ErrNotImplemented, s.tr.Name())
	}

	timeout := call.ConnectTimeout + call.ResponseTimeout
	if timeout <= 0 {
		timeout = defaultMethodTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+methodTimeoutSlack)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	type reply struct {
		res *transport.MethodResult
		err error
	}
	rc := make(chan reply, 1)
	var res *transport.MethodResult
	op, ok := s.pending.add(opInvokeMethod, func(o outcome, err error) {
		if o == outcomeDestroyed {
			err = ErrClosed
		}
		rc <- reply{res: res, err: err}
	})
	if !ok {
		return nil, ErrClosed
	}
	if !s.spawn(func() {
		r, err := inv.InvokeMethod(ctx, call)
		res = r
		s.complete(op.handle, err)
	}) {
		return nil, ErrClosed
	}

	select {
	case r := <-rc:
		if r.err == nil || ctx.Err() == nil {
			return r.res, r.err
		}
	case <-ctx.Done():
	}
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: method %q didn't respond in %s", transport.ErrTimeout, call.MethodName, timeout)
	}
	return nil, ctx.Err()
}
