package iotservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DeviceMethod invokes direct methods on devices and modules.
type DeviceMethod struct {
	*Client
}

// NewDeviceMethod creates a direct method client sharing auth.
func NewDeviceMethod(auth *Auth, opts ...ClientOption) (*DeviceMethod, error) {
	c, err := New(auth, opts...)
	if err != nil {
		return nil, err
	}
	return &DeviceMethod{c}, nil
}

// MethodResult is a direct method response.
type MethodResult struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

type methodCall struct {
	MethodName      string          `json:"methodName"`
	ConnectTimeout  int             `json:"connectTimeoutInSeconds"`
	ResponseTimeout int             `json:"responseTimeoutInSeconds"`
	Payload         json.RawMessage `json:"payload"`
}

const (
	defaultMethodTimeout = 30 * time.Second

	// methodSlack is added to the response timeout so the hub
	// can report a timeout before the request deadline hits.
	methodSlack = 5 * time.Second
)

// Invoke calls the named method on a device, or a module when moduleID is
// not empty, waiting up to timeout for the response, zero means 30s.
//
// ErrTimeout is returned when the device doesn't respond in time.
func (m *DeviceMethod) Invoke(
	ctx context.Context,
	deviceID, moduleID, methodName string,
	payload []byte,
	timeout time.Duration,
) (*MethodResult, error) {
	if deviceID == "" {
		return nil, errEmptyDeviceID
	}
	if methodName == "" {
		return nil, fmt.Errorf("%w: method name is empty", ErrInvalidArg)
	}
	if timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInvalidArg)
	}
	if timeout == 0 {
		timeout = defaultMethodTimeout
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: method payload", ErrInvalidJSON)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+methodSlack)
	defer cancel()

	var res MethodResult
	if _, err := m.call(
		ctx,
		http.MethodPost,
		twinPath(deviceID, moduleID)+"/methods",
		nil,
		&methodCall{
			MethodName:      methodName,
			ResponseTimeout: int(timeout / time.Second),
			Payload:         payload,
		},
		&res,
	); err != nil {
		var serr *HTTPStatusError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: method %q didn't respond in %s", ErrTimeout, methodName, timeout)
		case errors.As(err, &serr) && serr.Code == http.StatusGatewayTimeout:
			return nil, fmt.Errorf("%w: %s", ErrTimeout, serr)
		}
		return nil, err
	}
	return &res, nil
}
