// Package iotservice implements the service-side façades of IoT Hub:
// registry manager, cloud-to-device messaging, direct methods and twins.
//
// All of them share a refcounted Auth, every façade retains it on
// creation and releases it on Close.
package iotservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/credentials"
	"github.com/sony/gobreaker"
)

// ClientOption is a client configuration option.
type ClientOption func(c *Client) error

// WithHTTPClient changes default http rest client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) error {
		if client == nil {
			return fmt.Errorf("%w: http client is nil", ErrInvalidArg)
		}
		c.http = client
		return nil
	}
}

// WithLogger sets client logger.
func WithLogger(l common.Logger) ClientOption {
	return func(c *Client) error {
		if l == nil {
			return fmt.Errorf("%w: logger is nil", ErrInvalidArg)
		}
		c.logger = l
		return nil
	}
}

// WithTLSConfig sets TLS config that's used by REST HTTP and AMQP clients.
func WithTLSConfig(config *tls.Config) ClientOption {
	return func(c *Client) error {
		c.tls = config
		return nil
	}
}

// WithBaseURL overrides https://{HostName} for REST requests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) error {
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidArg, err)
		}
		c.baseURL = u
		return nil
	}
}

// WithWebSocket makes messaging connect over AMQP WebSockets.
func WithWebSocket(ws bool) ClientOption {
	return func(c *Client) error {
		c.ws = ws
		return nil
	}
}

// WithCircuitBreaker opens the breaker after the given number of consecutive
// transport or server failures and keeps it open for timeout,
// zero failures disables the breaker.
func WithCircuitBreaker(failures uint32, timeout time.Duration) ClientOption {
	return func(c *Client) error {
		c.tripAfter = failures
		c.tripTimeout = timeout
		return nil
	}
}

const (
	defaultTripAfter   = 5
	defaultTripTimeout = 30 * time.Second
	tokenLifetime      = time.Hour
)

// Client is the REST core shared by the service façades.
type Client struct {
	auth    *Auth
	tls     *tls.Config
	http    *http.Client
	logger  common.Logger
	baseURL string
	ws      bool

	tripAfter   uint32
	tripTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker

	closed atomic.Bool
}

// New creates a REST client retaining a reference to auth.
func New(auth *Auth, opts ...ClientOption) (*Client, error) {
	if auth == nil {
		return nil, fmt.Errorf("%w: auth is nil", ErrInvalidArg)
	}
	c := &Client{
		auth:        auth,
		logger:      common.NewLoggerFromEnv("iotservice", "IOTHUB_SERVICE_LOG_LEVEL"),
		tripAfter:   defaultTripAfter,
		tripTimeout: defaultTripTimeout,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.tls == nil {
		c.tls = &tls.Config{RootCAs: common.RootCAs(), MinVersion: tls.VersionTLS12}
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: c.tls,
			},
		}
	}
	if c.baseURL == "" {
		c.baseURL = "https://" + auth.HostName()
	}
	if c.tripAfter > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        auth.HostName(),
			MaxRequests: 1,
			Timeout:     c.tripTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= c.tripAfter
			},
			IsSuccessful: func(err error) bool {
				return !isServerFailure(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warnf("%s circuit breaker: %s -> %s", name, from, to)
			},
		})
	}
	if err := auth.Retain(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromConnectionString creates a client with its own Auth.
func NewFromConnectionString(cs string, opts ...ClientOption) (*Client, error) {
	auth, err := NewAuth(cs)
	if err != nil {
		return nil, err
	}
	defer auth.Release()
	return New(auth, opts...)
}

// HostName returns service's hostname.
func (c *Client) HostName() string {
	return c.auth.HostName()
}

// Auth returns the shared credential.
func (c *Client) Auth() *Auth {
	return c.auth
}

// DeviceConnectionString builds up a connection string for the given device.
func (c *Client) DeviceConnectionString(device *Device, secondary bool) (string, error) {
	if device == nil {
		panic("device is nil")
	}
	if device.DeviceID == "" {
		return "", errEmptyDeviceID
	}
	key := accessKey(device.Authentication, secondary)
	if key == "" {
		return "", errKeyNotAvailable
	}
	return (&credentials.Credentials{
		HostName:        c.HostName(),
		DeviceID:        device.DeviceID,
		SharedAccessKey: key,
	}).String(), nil
}

// ModuleConnectionString builds up a connection string for the given module.
func (c *Client) ModuleConnectionString(module *Module, secondary bool) (string, error) {
	if module == nil {
		panic("module is nil")
	}
	if module.DeviceID == "" || module.ModuleID == "" {
		return "", errEmptyModuleID
	}
	key := accessKey(module.Authentication, secondary)
	if key == "" {
		return "", errKeyNotAvailable
	}
	return (&credentials.Credentials{
		HostName:        c.HostName(),
		DeviceID:        module.DeviceID,
		ModuleID:        module.ModuleID,
		SharedAccessKey: key,
	}).String(), nil
}

// DeviceSAS generates a token for the named device.
func (c *Client) DeviceSAS(device *Device, duration time.Duration, secondary bool) (string, error) {
	if device == nil {
		panic("device is nil")
	}
	if device.DeviceID == "" {
		return "", errEmptyDeviceID
	}
	key := accessKey(device.Authentication, secondary)
	if key == "" {
		return "", errKeyNotAvailable
	}
	if duration == 0 {
		duration = time.Hour
	}
	creds := credentials.Credentials{
		HostName:        c.HostName(),
		DeviceID:        device.DeviceID,
		SharedAccessKey: key,
	}
	return creds.GenerateToken(creds.HostName+"/devices/"+url.PathEscape(device.DeviceID),
		credentials.WithDuration(duration),
	)
}

func accessKey(auth *Authentication, secondary bool) string {
	if auth == nil || auth.SymmetricKey == nil {
		return ""
	}
	if secondary {
		return auth.SymmetricKey.SecondaryKey
	}
	return auth.SymmetricKey.PrimaryKey
}

var (
	errEmptyDeviceID   = fmt.Errorf("%w: device id is empty", ErrInvalidArg)
	errEmptyModuleID   = fmt.Errorf("%w: device or module id is empty", ErrInvalidArg)
	errKeyNotAvailable = fmt.Errorf("%w: symmetric key is not available", ErrInvalidArg)
)

// serverFailure marks errors that count against the circuit breaker.
type serverFailure struct {
	err error
}

func (e *serverFailure) Error() string { return e.err.Error() }
func (e *serverFailure) Unwrap() error { return e.err }

func isServerFailure(err error) bool {
	var sf *serverFailure
	return errors.As(err, &sf)
}

// call performs a REST request, r and v are request and response
// objects encoded as JSON, nil r means no body and nil v discards it.
func (c *Client) call(
	ctx context.Context,
	method, path string,
	headers http.Header,
	r, v interface{},
) (*http.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	var b []byte
	if r != nil {
		var err error
		if raw, ok := r.(json.RawMessage); ok {
			b = raw
		} else if b, err = json.Marshal(r); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, err)
		}
	}
	if c.breaker == nil {
		return c.do(ctx, method, path, headers, b, v)
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, method, path, headers, b, v)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrHTTPAPI, err)
	}
	if err != nil {
		return nil, err
	}
	return res.(*http.Response), nil
}

func (c *Client) do(
	ctx context.Context,
	method, path string,
	headers http.Header,
	b []byte,
	v interface{},
) (*http.Response, error) {
	uri := c.baseURL + "/" + path + "?api-version=" + common.APIVersion
	req, err := http.NewRequestWithContext(ctx, method, uri, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	token, err := c.auth.Token(tokenLifetime)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", token)
	req.Header.Set("Request-Id", common.GenID())
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		for i := range v {
			req.Header.Add(k, v[i])
		}
	}
	c.logger.Debugf("%s", &requestOutDump{req})

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &serverFailure{fmt.Errorf("%w: %s", ErrHTTPAPI, err)}
	}
	defer res.Body.Close()
	c.logger.Debugf("%s", &responseDump{res})

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &serverFailure{fmt.Errorf("%w: %s", ErrHTTPAPI, err)}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		err = statusError(res.StatusCode, body)
		if res.StatusCode >= 500 {
			return nil, &serverFailure{err}
		}
		return nil, err
	}
	if v == nil || len(body) == 0 {
		return res, nil
	}
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = body
		return res, nil
	}
	if err = json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, err)
	}
	return res, nil
}

const userAgent = "iothubcore-service/1.0"

func ifMatchHeader(etag string) http.Header {
	if etag == "" {
		etag = "*"
	}
	return http.Header{"If-Match": {`"` + etag + `"`}}
}

func maxItemsHeader(h http.Header, n int) http.Header {
	if n > 0 {
		if h == nil {
			h = http.Header{}
		}
		h.Set("x-ms-max-item-count", strconv.Itoa(n))
	}
	return h
}

// Close releases the auth reference, it's safe to call it multiple times.
func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.auth.Release()
	}
	return nil
}
