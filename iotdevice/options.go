package iotdevice

import (
	"errors"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
	"github.com/amenzhinsky/iothubcore/retry"
	"go.opentelemetry.io/otel/metric"
)

// ClientOption is a client configuration option.
type ClientOption func(s *Session) error

// WithLogger changes default logger, default is a LevelLogger
// configured with the IOTHUB_DEVICE_LOG_LEVEL environment variable.
func WithLogger(l common.Logger) ClientOption {
	return func(s *Session) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		s.logger = l
		return nil
	}
}

// WithRetryPolicy overrides the default exponential backoff with jitter
// policy, it's the only way to change backoff constants.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(s *Session) error {
		s.policy = p
		return nil
	}
}

// WithConnectTimeout limits every single connection attempt.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(s *Session) error {
		if d <= 0 {
			return errors.New("connect timeout must be positive")
		}
		s.connectTimeout = d
		return nil
	}
}

// WithMeterProvider sets the provider session metrics are recorded with,
// the global one is used by default.
func WithMeterProvider(mp metric.MeterProvider) ClientOption {
	return func(s *Session) error {
		s.meterProvider = mp
		return nil
	}
}

// WithOption sets a session or driver option before connecting,
// some drivers read options like x509certificate only on connect.
func WithOption(name string, v interface{}) ClientOption {
	return func(s *Session) error {
		return s.setOption(name, v)
	}
}

// WithConnectionStatusCallback registers the callback before connecting
// so it sees the outcome of the initial connection as well.
func WithConnectionStatusCallback(fn ConnectionStatusFunc, userContext interface{}) ClientOption {
	return func(s *Session) error {
		s.statusFn, s.statusUC = fn, userContext
		return nil
	}
}

// Session option names, everything else is passed to the driver.
const (
	OptionMessageTimeout = "messageTimeout"
	OptionLogTrace       = "logtrace"
	OptionProductInfo    = transport.OptionProductInfo
)

var sessionOptions = transport.OptionTable{
	OptionMessageTimeout: transport.OptionInt,
	OptionLogTrace:       transport.OptionInt,
	OptionProductInfo:    transport.OptionString,
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultRespondTimeout = 30 * time.Second
	defaultMethodTimeout  = 30 * time.Second
	methodTimeoutSlack    = 5 * time.Second
	sweepInterval         = 100 * time.Millisecond
)
