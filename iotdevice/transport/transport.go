// Package transport defines the contract every device-facing protocol driver
// satisfies and the result taxonomy drivers report through.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
)

// Driver is a device-facing protocol implementation,
// one driver instance serves exactly one client session.
type Driver interface {
	// Name is the transport name, e.g. MQTT or AMQP_WS.
	Name() string

	SetLogger(logger common.Logger)

	// Connect establishes connection and starts delivering
	// inbound traffic to r. It's called again on reconnects.
	Connect(ctx context.Context, creds Credentials, r Receiver) error

	// Send transmits msg asynchronously, done is called exactly once
	// with nil on success, it may be called before Send returns.
	Send(ctx context.Context, msg *common.Message, done DoneFunc)

	// GetTwin retrieves the full twin document.
	GetTwin(ctx context.Context) ([]byte, error)

	// UpdateReportedState patches reported properties and returns the new version.
	UpdateReportedState(ctx context.Context, b []byte) (int, error)

	// RespondMethod sends a direct method result for the given request id.
	RespondMethod(ctx context.Context, rid string, status int, b []byte) error

	// Options lists options the driver accepts in SetOption.
	Options() OptionTable

	// SetOption changes a driver option, values are validated against Options.
	SetOption(name string, v interface{}) error

	// IsNetworkError reports whether err is a transient network failure.
	IsNetworkError(err error) bool

	// Close disconnects, once it returns the receiver is never called again.
	Close() error
}

// DoneFunc is called when an asynchronous send reaches a terminal state.
type DoneFunc func(err error)

// Uploader is implemented by drivers that can store blobs.
type Uploader interface {
	UploadToBlob(ctx context.Context, name string, r io.Reader) error
}

// MethodInvoker is implemented by drivers that can call direct
// methods of other devices and modules through the edge gateway.
type MethodInvoker interface {
	InvokeMethod(ctx context.Context, call *MethodCall) (*MethodResult, error)
}

// MethodCall is a direct method invocation request.
type MethodCall struct {
	DeviceID   string
	ModuleID   string
	MethodName string

	// Payload is a JSON document, nil means null.
	Payload []byte

	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
}

// MethodResult is a direct method invocation result.
type MethodResult struct {
	Status  int
	Payload []byte
}

// Disposition is how a receiver settled an inbound message.
type Disposition int

const (
	DispositionAccepted Disposition = iota
	DispositionRejected
	DispositionAbandoned
)

func (d Disposition) String() string {
	switch d {
	case DispositionAccepted:
		return "IOTHUBMESSAGE_ACCEPTED"
	case DispositionRejected:
		return "IOTHUBMESSAGE_REJECTED"
	case DispositionAbandoned:
		return "IOTHUBMESSAGE_ABANDONED"
	default:
		return "IOTHUBMESSAGE_UNKNOWN"
	}
}

// Receiver is implemented by client sessions to consume inbound traffic.
//
// Drivers may call its methods from any goroutine, implementations
// must not block for long.
type Receiver interface {
	// HandleMessage consumes a cloud-to-device or module input message.
	HandleMessage(msg *common.Message) Disposition

	// HandleMethod consumes a direct method invocation,
	// the session answers it later with RespondMethod.
	HandleMethod(rid, name string, payload []byte)

	// HandleDesiredState consumes a desired properties patch.
	HandleDesiredState(payload []byte)

	// HandleConnectionLost reports that the connection is gone.
	HandleConnectionLost(reason Reason, err error)
}

// Reason is why a connection status has changed.
type Reason int

const (
	ReasonConnectionOK Reason = iota
	ReasonExpiredSASToken
	ReasonDeviceDisabled
	ReasonBadCredential
	ReasonRetryExpired
	ReasonNoNetwork
	ReasonCommunicationError
)

func (r Reason) String() string {
	switch r {
	case ReasonConnectionOK:
		return "CONNECTION_OK"
	case ReasonExpiredSASToken:
		return "EXPIRED_SAS_TOKEN"
	case ReasonDeviceDisabled:
		return "DEVICE_DISABLED"
	case ReasonBadCredential:
		return "BAD_CREDENTIAL"
	case ReasonRetryExpired:
		return "RETRY_EXPIRED"
	case ReasonNoNetwork:
		return "NO_NETWORK"
	case ReasonCommunicationError:
		return "COMMUNICATION_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ReasonOf classifies a connect or connection-loss error.
func ReasonOf(d Driver, err error) Reason {
	switch {
	case err == nil:
		return ReasonConnectionOK
	case errors.Is(err, ErrExpiredSASToken):
		return ReasonExpiredSASToken
	case errors.Is(err, ErrDeviceDisabled):
		return ReasonDeviceDisabled
	case errors.Is(err, ErrBadCredential):
		return ReasonBadCredential
	case d != nil && d.IsNetworkError(err):
		return ReasonNoNetwork
	default:
		return ReasonCommunicationError
	}
}

// Credentials provides authentication material to drivers.
type Credentials interface {
	DeviceID() string
	ModuleID() string
	HostName() string

	// Gateway is the edge gateway hostname or an empty string.
	Gateway() string

	IsSAS() bool
	TLSConfig() *tls.Config

	// Token returns a SAS token for the uri valid for at least d.
	Token(ctx context.Context, uri string, d time.Duration) (string, error)
}

// Broker returns the host drivers have to connect to.
func Broker(creds Credentials) string {
	if gw := creds.Gateway(); gw != "" {
		return gw
	}
	return creds.HostName()
}

// ResourceURI is the SAS token audience of the identity.
func ResourceURI(creds Credentials) string {
	uri := creds.HostName() + "/devices/" + creds.DeviceID()
	if creds.ModuleID() != "" {
		uri += "/modules/" + creds.ModuleID()
	}
	return uri
}

// MessageSubscriber is implemented by drivers that fetch inbound
// messages only while a message consumer is registered.
type MessageSubscriber interface {
	SetMessageSubscription(on bool)
}
