package iotdevice

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
)

// DeviceAuth is what a provisioning service hands out after a successful
// registration: the assigned hub, the device id and its authentication.
type DeviceAuth struct {
	URI          string
	DeviceID     string
	SecurityType SecurityType

	// Key is a base64 encoded symmetric key for SecuritySAS.
	Key string

	// Certificate is the client certificate for SecurityX509.
	Certificate *tls.Certificate
}

// Provisioner performs device registration, the attestation
// protocol itself is out of this package scope.
type Provisioner interface {
	Register(ctx context.Context) (*DeviceAuth, error)
}

// ProvisionerFunc is a function implementing Provisioner.
type ProvisionerFunc func(ctx context.Context) (*DeviceAuth, error)

func (fn ProvisionerFunc) Register(ctx context.Context) (*DeviceAuth, error) {
	return fn(ctx)
}

// Credentials converts auth into session credentials.
func (auth *DeviceAuth) Credentials() (*Credentials, error) {
	if auth.URI == "" || auth.DeviceID == "" {
		return nil, fmt.Errorf("%w: device auth has no hub uri or device id", transport.ErrInvalidArg)
	}
	switch auth.SecurityType {
	case SecuritySAS:
		if auth.Key == "" {
			return nil, fmt.Errorf("%w: sas device auth has no key", transport.ErrInvalidArg)
		}
		return &Credentials{
			deviceID: auth.DeviceID,
			hostName: auth.URI,
			key:      auth.Key,
		}, nil
	case SecurityX509:
		return NewX509Credentials(auth.URI, auth.DeviceID, auth.Certificate)
	default:
		return nil, fmt.Errorf("%w: unsupported security type %s", transport.ErrInvalidArg, auth.SecurityType)
	}
}

// NewFromDeviceAuth creates a device session for a provisioned identity.
func NewFromDeviceAuth(ctx context.Context, tr transport.Driver, auth *DeviceAuth, opts ...ClientOption) (*Session, error) {
	if auth == nil {
		return nil, fmt.Errorf("%w: device auth is nil", transport.ErrInvalidArg)
	}
	creds, err := auth.Credentials()
	if err != nil {
		return nil, err
	}
	return New(ctx, tr, creds, opts...)
}

// NewFromProvisioner registers the device with p and connects to the assigned hub.
func NewFromProvisioner(ctx context.Context, tr transport.Driver, p Provisioner, opts ...ClientOption) (*Session, error) {
	auth, err := p.Register(ctx)
	if err != nil {
		return nil, fmt.Errorf("provisioning: %w", err)
	}
	return NewFromDeviceAuth(ctx, tr, auth, opts...)
}
