package iotdevice

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/credentials"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
)

// SignFunc returns base64 encoded signature of the given string,
// it's used when the key is held by an external party like the edge runtime.
type SignFunc func(ctx context.Context, s string) (string, error)

// Credentials is a device or module identity, it implements transport.Credentials.
type Credentials struct {
	deviceID string
	moduleID string
	hostName string
	gateway  string

	key     string
	keyName string
	sign    SignFunc
	token   string
	cert    *tls.Certificate
	x509    bool

	roots *x509.CertPool
}

var _ transport.Credentials = (*Credentials)(nil)

// NewCredentialsFromConnectionString parses a device or module connection string.
//
// For x509=true connection strings the certificate has to be passed
// to the driver with the x509certificate and x509privatekey options.
func NewCredentialsFromConnectionString(cs string) (*Credentials, error) {
	c, err := credentials.ParseConnectionString(cs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", transport.ErrInvalidArg, err)
	}
	if c.DeviceID == "" {
		return nil, fmt.Errorf("%w: DeviceId is missing in connection string", transport.ErrInvalidArg)
	}
	return &Credentials{
		deviceID: c.DeviceID,
		moduleID: c.ModuleID,
		hostName: c.HostName,
		gateway:  c.GatewayHostName,
		key:      c.SharedAccessKey,
		keyName:  c.SharedAccessKeyName,
		x509:     c.X509,
	}, nil
}

// NewCredentialsFromSASToken uses a pre-generated token, it cannot be
// renewed so connecting after it expires fails with ErrExpiredSASToken.
func NewCredentialsFromSASToken(hostName, deviceID, moduleID, token string) (*Credentials, error) {
	if hostName == "" || deviceID == "" || token == "" {
		return nil, fmt.Errorf("%w: hostname, device id and token are required", transport.ErrInvalidArg)
	}
	if _, err := credentials.TokenExpiry(token); err != nil {
		return nil, fmt.Errorf("%w: %s", transport.ErrInvalidArg, err)
	}
	return &Credentials{
		deviceID: deviceID,
		moduleID: moduleID,
		hostName: hostName,
		token:    token,
	}, nil
}

// NewX509Credentials authenticates with the given client certificate.
func NewX509Credentials(hostName, deviceID string, crt *tls.Certificate) (*Credentials, error) {
	if hostName == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: hostname and device id are required", transport.ErrInvalidArg)
	}
	if crt == nil {
		return nil, fmt.Errorf("%w: certificate is nil", transport.ErrInvalidArg)
	}
	return &Credentials{
		deviceID: deviceID,
		hostName: hostName,
		cert:     crt,
		x509:     true,
	}, nil
}

// NewSignerCredentials delegates token signing to fn.
func NewSignerCredentials(hostName, gateway, deviceID, moduleID string, fn SignFunc) (*Credentials, error) {
	if hostName == "" || deviceID == "" {
		return nil, fmt.Errorf("%w: hostname and device id are required", transport.ErrInvalidArg)
	}
	if fn == nil {
		panic("fn is nil")
	}
	return &Credentials{
		deviceID: deviceID,
		moduleID: moduleID,
		hostName: hostName,
		gateway:  gateway,
		sign:     fn,
	}, nil
}

func (c *Credentials) DeviceID() string {
	return c.deviceID
}

func (c *Credentials) ModuleID() string {
	return c.moduleID
}

func (c *Credentials) HostName() string {
	return c.hostName
}

func (c *Credentials) Gateway() string {
	return c.gateway
}

func (c *Credentials) IsSAS() bool {
	return !c.x509
}

// SecurityType reports how the identity authenticates.
func (c *Credentials) SecurityType() SecurityType {
	if c.x509 {
		return SecurityX509
	}
	return SecuritySAS
}

func (c *Credentials) TLSConfig() *tls.Config {
	roots := c.roots
	if roots == nil {
		roots = common.RootCAs()
	}
	tc := &tls.Config{
		ServerName: transport.Broker(c),
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	}
	if c.cert != nil {
		tc.Certificates = []tls.Certificate{*c.cert}
	}
	return tc
}

func (c *Credentials) Token(ctx context.Context, uri string, d time.Duration) (string, error) {
	switch {
	case c.sign != nil:
		return credentials.SignWith(func(s string) (string, error) {
			return c.sign(ctx, s)
		}, "", uri, time.Now().Add(d))
	case c.key != "":
		return credentials.Sign(c.key, c.keyName, uri, time.Now().Add(d))
	case c.token != "":
		exp, err := credentials.TokenExpiry(c.token)
		if err != nil {
			return "", err
		}
		if !time.Now().Before(exp) {
			return "", fmt.Errorf("%w: expired at %s", transport.ErrExpiredSASToken, exp)
		}
		return c.token, nil
	default:
		return "", errors.New("x509 credentials cannot issue sas tokens")
	}
}
