package iotservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testServiceCS = "HostName=hub.example.net;SharedAccessKeyName=iothubowner;SharedAccessKey=c2VjcmV0"

func testLogger(t *testing.T) common.Logger {
	return common.NewLogger("test", common.LevelDebug, func(v ...interface{}) {
		t.Log(v...)
	})
}

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	auth, err := NewAuth(testServiceCS)
	require.NoError(t, err)
	return auth
}

// newTestClient starts a server and returns a client pointing to it,
// the caller's auth reference is released so the client is the only owner.
func newTestClient(t *testing.T, h http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	auth := newTestAuth(t)
	defer auth.Release()
	c, err := New(auth, append([]ClientOption{
		WithBaseURL(srv.URL),
		WithLogger(testLogger(t)),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func reply(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprint(w, body)
}

func TestCallHeaders(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/devices/dev%231", r.URL.EscapedPath())
		assert.Equal(t, common.APIVersion, r.URL.Query().Get("api-version"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "SharedAccessSignature sr=hub.example.net"))
		assert.Contains(t, r.Header.Get("Authorization"), "skn=iothubowner")
		assert.NotEmpty(t, r.Header.Get("Request-Id"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		reply(w, http.StatusOK, `{"deviceId":"dev#1","status":"enabled"}`)
	})

	var d Device
	_, err := c.call(context.Background(), http.MethodGet, devicePath("dev#1"), nil, nil, &d)
	require.NoError(t, err)
	assert.Equal(t, "dev#1", d.DeviceID)
	assert.Equal(t, Enabled, d.Status)
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		code   int
		err    error
		result Result
	}{
		{http.StatusNotFound, ErrDeviceNotExist, ResultDeviceNotExist},
		{http.StatusConflict, ErrDeviceExist, ResultDeviceExist},
		{http.StatusBadRequest, nil, ResultHTTPStatusError},
		{http.StatusInternalServerError, nil, ResultHTTPStatusError},
	} {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				reply(w, tc.code, `{"Message":"nope"}`)
			}, WithCircuitBreaker(0, 0))

			_, err := c.call(context.Background(), http.MethodGet, "devices/x", nil, nil, nil)
			require.Error(t, err)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			} else {
				var serr *HTTPStatusError
				require.ErrorAs(t, err, &serr)
				assert.Equal(t, tc.code, serr.Code)
				assert.JSONEq(t, `{"Message":"nope"}`, string(serr.Body))
			}
			assert.Equal(t, tc.result, ResultOf(err))
		})
	}
}

func TestTransportFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	auth := newTestAuth(t)
	defer auth.Release()
	c, err := New(auth, WithBaseURL(srv.URL), WithLogger(testLogger(t)))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.call(context.Background(), http.MethodGet, "statistics/devices", nil, nil, nil)
	assert.ErrorIs(t, err, ErrHTTPAPI)
	assert.Equal(t, ResultHTTPAPIError, ResultOf(err))
}

func TestInvalidJSONResponse(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, `{"deviceId":`)
	})
	var d Device
	_, err := c.call(context.Background(), http.MethodGet, "devices/x", nil, nil, &d)
	assert.ErrorIs(t, err, ErrInvalidJSON)
	assert.Equal(t, ResultJSONError, ResultOf(err))
}

func TestCircuitBreakerOpens(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		reply(w, http.StatusServiceUnavailable, `{}`)
	}, WithCircuitBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := c.call(context.Background(), http.MethodGet, "devices/x", nil, nil, nil)
		var serr *HTTPStatusError
		require.ErrorAs(t, err, &serr)
	}
	_, err := c.call(context.Background(), http.MethodGet, "devices/x", nil, nil, nil)
	assert.ErrorIs(t, err, ErrHTTPAPI)
	assert.EqualValues(t, 2, hits.Load())
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		reply(w, http.StatusNotFound, `{}`)
	}, WithCircuitBreaker(2, time.Minute))

	for i := 0; i < 5; i++ {
		_, err := c.call(context.Background(), http.MethodGet, "devices/x", nil, nil, nil)
		require.ErrorIs(t, err, ErrDeviceNotExist)
	}
	assert.EqualValues(t, 5, hits.Load())
}

func TestClientClose(t *testing.T) {
	t.Parallel()
	auth := newTestAuth(t)
	c, err := New(auth, WithLogger(testLogger(t)))
	require.NoError(t, err)
	assert.Equal(t, 2, auth.Refs())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, auth.Refs())

	_, err = c.call(context.Background(), http.MethodGet, "devices/x", nil, nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	auth.Release()
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()
	auth := newTestAuth(t)
	defer auth.Release()

	_, err := New(nil)
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = New(auth, WithHTTPClient(nil))
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = New(auth, WithLogger(nil))
	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.Equal(t, 1, auth.Refs())
}

func TestNewFromConnectionString(t *testing.T) {
	t.Parallel()
	c, err := NewFromConnectionString(testServiceCS, WithLogger(testLogger(t)))
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net", c.HostName())
	assert.Equal(t, 1, c.Auth().Refs())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Auth().Refs())
}

func TestDeviceConnectionString(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, nil)
	device := &Device{
		DeviceID: "dev",
		Authentication: &Authentication{
			Type:         AuthSAS,
			SymmetricKey: &SymmetricKey{PrimaryKey: "cHJpbWFyeQ==", SecondaryKey: "c2Vjb25kYXJ5"},
		},
	}

	cs, err := c.DeviceConnectionString(device, true)
	require.NoError(t, err)
	assert.Equal(t, "HostName=hub.example.net;DeviceId=dev;SharedAccessKey=c2Vjb25kYXJ5", cs)

	creds, err := credentials.ParseConnectionString(cs)
	require.NoError(t, err)
	assert.Equal(t, "dev", creds.DeviceID)

	cs, err = c.ModuleConnectionString(&Module{
		DeviceID:       "dev",
		ModuleID:       "mod",
		Authentication: device.Authentication,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "HostName=hub.example.net;DeviceId=dev;ModuleId=mod;SharedAccessKey=cHJpbWFyeQ==", cs)

	_, err = c.DeviceConnectionString(&Device{DeviceID: "dev"}, false)
	assert.ErrorIs(t, err, ErrInvalidArg)
}

func TestDeviceSAS(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, nil)
	sas, err := c.DeviceSAS(&Device{
		DeviceID: "dev",
		Authentication: &Authentication{
			SymmetricKey: &SymmetricKey{PrimaryKey: "cHJpbWFyeQ=="},
		},
	}, time.Minute, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sas, "SharedAccessSignature sr=hub.example.net%2Fdevices%2Fdev"))

	exp, err := credentials.TokenExpiry(sas)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, 5*time.Second)
}

func TestRedactAuthorization(t *testing.T) {
	t.Parallel()
	b := redactAuthorization([]byte("GET / HTTP/1.1\r\nAuthorization: SharedAccessSignature sig=secret\r\nHost: h\r\n\r\n"))
	assert.Equal(t, "GET / HTTP/1.1\r\nAuthorization: <redacted>\r\nHost: h\r\n\r\n", string(b))
	assert.Equal(t, "> a\n> b", prefix([]byte("a\nb"), "> "))
}

func TestResultOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ResultOK, ResultOf(nil))
	assert.Equal(t, ResultError, ResultOf(errors.New("x")))
	assert.Equal(t, ResultCallbackNotSet, ResultOf(ErrCallbackNotSet))
	assert.Equal(t, ResultTimeout, ResultOf(fmt.Errorf("%w: slow", ErrTimeout)))
	assert.Equal(t, "DEVICE_NOT_EXIST", ResultDeviceNotExist.String())
}
