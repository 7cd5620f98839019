package iotservice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/amenzhinsky/iothubcore/credentials"
)

// Auth is a service credential shared by the service clients.
//
// Every client retains a reference on creation and releases it on Close,
// the key is wiped once the last reference is released.
type Auth struct {
	mu    sync.Mutex
	refs  int
	creds *credentials.Credentials
}

// NewAuth parses a service connection string, it must carry a shared access policy.
func NewAuth(cs string) (*Auth, error) {
	creds, err := credentials.ParseConnectionString(cs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArg, err)
	}
	if creds.SharedAccessKeyName == "" {
		return nil, fmt.Errorf("%w: SharedAccessKeyName is missing in connection string", ErrInvalidArg)
	}
	if creds.SharedAccessKey == "" {
		return nil, fmt.Errorf("%w: SharedAccessKey is missing in connection string", ErrInvalidArg)
	}
	if creds.DeviceID != "" {
		return nil, fmt.Errorf("%w: device connection string given", ErrInvalidArg)
	}
	return &Auth{refs: 1, creds: creds}, nil
}

// NewAuthFromEnv uses $IOTHUB_SERVICE_CONNECTION_STRING.
func NewAuthFromEnv() (*Auth, error) {
	cs := os.Getenv("IOTHUB_SERVICE_CONNECTION_STRING")
	if cs == "" {
		return nil, errors.New("$IOTHUB_SERVICE_CONNECTION_STRING is empty")
	}
	return NewAuth(cs)
}

// Retain adds a reference, it fails once all references are released.
func (a *Auth) Retain() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs == 0 {
		return ErrClosed
	}
	a.refs++
	return nil
}

// Release drops a reference, releasing more than retained panics.
func (a *Auth) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs == 0 {
		panic("iotservice: auth is released too many times")
	}
	a.refs--
	if a.refs == 0 {
		a.creds.SharedAccessKey = ""
	}
}

// Refs returns the number of live references.
func (a *Auth) Refs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs
}

// HostName is the hub host name.
func (a *Auth) HostName() string {
	return a.creds.HostName
}

// KeyName is the shared access policy name.
func (a *Auth) KeyName() string {
	return a.creds.SharedAccessKeyName
}

// Token generates a sas token for the hub valid for d.
func (a *Auth) Token(d time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs == 0 {
		return "", ErrClosed
	}
	return a.creds.GenerateToken(a.creds.HostName, credentials.WithDuration(d))
}

// tokenFunc adapts Token to the amqp token renewal.
func (a *Auth) tokenFunc(_ context.Context, d time.Duration) (string, error) {
	return a.Token(d)
}
