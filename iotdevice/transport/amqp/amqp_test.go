package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/common/commonamqp"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCreds struct {
	device, module string
}

func (c *testCreds) DeviceID() string       { return c.device }
func (c *testCreds) ModuleID() string       { return c.module }
func (c *testCreds) HostName() string       { return "test.azure-devices.net" }
func (c *testCreds) Gateway() string        { return "" }
func (c *testCreds) IsSAS() bool            { return true }
func (c *testCreds) TLSConfig() *tls.Config { return &tls.Config{} }
func (c *testCreds) Token(context.Context, string, time.Duration) (string, error) {
	return "token", nil
}

func TestAddresses(t *testing.T) {
	t.Parallel()

	dev := &testCreds{device: "d"}
	mod := &testCreds{device: "d", module: "m"}
	assert.Equal(t, "/devices/d/messages/events", eventsAddress(dev))
	assert.Equal(t, "/devices/d/messages/devicebound", inboundAddress(dev))
	assert.Equal(t, "/devices/d/modules/m/messages/events", eventsAddress(mod))
	assert.Equal(t, "/devices/d/modules/m/messages/events", inboundAddress(mod))
}

func TestName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "AMQP", New().Name())
	assert.Equal(t, "AMQP_WS", New(WithWebSocket(true)).Name())
}

func TestSetOption(t *testing.T) {
	t.Parallel()

	tr := New()
	require.NoError(t, tr.SetOption(transport.OptionCBSLifetime, 600))
	assert.Equal(t, 10*time.Minute, tr.cbsLifetime)

	require.NoError(t, tr.SetOption(transport.OptionProxyData, "socks5://127.0.0.1:1080"))
	assert.Equal(t, "127.0.0.1:1080", tr.proxy.Host)

	assert.ErrorIs(t, tr.SetOption(transport.OptionProxyData, "not a url"), transport.ErrInvalidArg)
	assert.ErrorIs(t, tr.SetOption(transport.OptionCBSLifetime, "600"), transport.ErrOptionType)
	assert.ErrorIs(t, tr.SetOption(transport.OptionTrustedCerts, "garbage"), transport.ErrInvalidArg)
	assert.ErrorIs(t, tr.SetOption("keepalive", 1), transport.ErrUnknownOption)
}

func TestNotImplemented(t *testing.T) {
	t.Parallel()

	tr := New()
	_, err := tr.GetTwin(context.Background())
	assert.ErrorIs(t, err, transport.ErrNotImplemented)
	_, err = tr.UpdateReportedState(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, transport.ErrNotImplemented)
	assert.ErrorIs(t, tr.RespondMethod(context.Background(), "1", 200, nil), transport.ErrNotImplemented)
}

func TestSendNotConnected(t *testing.T) {
	t.Parallel()

	msg, err := common.NewMessageFromString("x")
	require.NoError(t, err)
	errc := make(chan error, 1)
	New().Send(context.Background(), msg, func(err error) { errc <- err })
	assert.ErrorIs(t, <-errc, transport.ErrNotConnected)
}

func TestCBSError(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, cbsError(&commonamqp.StatusError{Code: 401}), transport.ErrBadCredential)
	assert.ErrorIs(t, cbsError(&commonamqp.StatusError{Code: 403}), transport.ErrDeviceDisabled)
	err := errors.New("eof")
	assert.Equal(t, err, cbsError(err))
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	tr := New()
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Error(t, tr.Connect(context.Background(), &testCreds{device: "d"}, nil))
}
