package iotservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DeviceTwin reads and patches device and module twins,
// documents are passed through as raw JSON.
type DeviceTwin struct {
	*Client
}

// NewDeviceTwin creates a twin client sharing auth.
func NewDeviceTwin(auth *Auth, opts ...ClientOption) (*DeviceTwin, error) {
	c, err := New(auth, opts...)
	if err != nil {
		return nil, err
	}
	return &DeviceTwin{c}, nil
}

// GetTwin returns the named device twin document.
func (t *DeviceTwin) GetTwin(ctx context.Context, deviceID string) (json.RawMessage, error) {
	if deviceID == "" {
		return nil, errEmptyDeviceID
	}
	return t.get(ctx, twinPath(deviceID, ""))
}

// UpdateTwin patches the named device twin and returns the updated document.
func (t *DeviceTwin) UpdateTwin(ctx context.Context, deviceID string, patch []byte) (json.RawMessage, error) {
	if deviceID == "" {
		return nil, errEmptyDeviceID
	}
	return t.patch(ctx, twinPath(deviceID, ""), patch)
}

// GetModuleTwin returns the named module twin document.
func (t *DeviceTwin) GetModuleTwin(ctx context.Context, deviceID, moduleID string) (json.RawMessage, error) {
	if deviceID == "" || moduleID == "" {
		return nil, errEmptyModuleID
	}
	return t.get(ctx, twinPath(deviceID, moduleID))
}

// UpdateModuleTwin patches the named module twin and returns the updated document.
func (t *DeviceTwin) UpdateModuleTwin(ctx context.Context, deviceID, moduleID string, patch []byte) (
	json.RawMessage, error,
) {
	if deviceID == "" || moduleID == "" {
		return nil, errEmptyModuleID
	}
	return t.patch(ctx, twinPath(deviceID, moduleID), patch)
}

func (t *DeviceTwin) get(ctx context.Context, path string) (json.RawMessage, error) {
	var res json.RawMessage
	if _, err := t.call(ctx, http.MethodGet, path, nil, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (t *DeviceTwin) patch(ctx context.Context, path string, patch []byte) (json.RawMessage, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: twin patch is empty", ErrInvalidArg)
	}
	if !json.Valid(patch) {
		return nil, fmt.Errorf("%w: twin patch", ErrInvalidJSON)
	}
	var res json.RawMessage
	if _, err := t.call(
		ctx,
		http.MethodPatch,
		path,
		ifMatchHeader(""),
		json.RawMessage(patch),
		&res,
	); err != nil {
		return nil, err
	}
	return res, nil
}
