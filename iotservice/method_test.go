package iotservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeMethod(t *testing.T) {
	t.Parallel()
	m := &DeviceMethod{newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/twins/dev/modules/mod/methods", r.URL.Path)

		var call methodCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		assert.Equal(t, "reboot", call.MethodName)
		assert.Equal(t, 10, call.ResponseTimeout)
		assert.JSONEq(t, `{"delay":1}`, string(call.Payload))
		reply(w, http.StatusOK, `{"status":200,"payload":{"ok":true}}`)
	})}

	res, err := m.Invoke(context.Background(), "dev", "mod", "reboot", []byte(`{"delay":1}`), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))
}

func TestInvokeMethodDefaults(t *testing.T) {
	t.Parallel()
	m := &DeviceMethod{newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/twins/dev/methods", r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(b), `"payload":null`)
		assert.Contains(t, string(b), `"responseTimeoutInSeconds":30`)
		reply(w, http.StatusOK, `{"status":404,"payload":null}`)
	})}

	res, err := m.Invoke(context.Background(), "dev", "", "missing", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 404, res.Status)
}

func TestInvokeMethodInvalidArg(t *testing.T) {
	t.Parallel()
	m := &DeviceMethod{newTestClient(t, nil)}
	ctx := context.Background()

	_, err := m.Invoke(ctx, "", "", "x", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = m.Invoke(ctx, "dev", "", "", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = m.Invoke(ctx, "dev", "", "x", nil, -time.Second)
	assert.ErrorIs(t, err, ErrInvalidArg)
	_, err = m.Invoke(ctx, "dev", "", "x", []byte("{"), 0)
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestInvokeMethodDeviceTimeout(t *testing.T) {
	t.Parallel()
	m := &DeviceMethod{newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusGatewayTimeout, `{"errorCode":504101}`)
	})}
	_, err := m.Invoke(context.Background(), "dev", "", "slow", nil, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ResultTimeout, ResultOf(err))
}

func TestInvokeMethodDeadline(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	m := &DeviceMethod{newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, WithCircuitBreaker(0, 0))}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := m.Invoke(ctx, "dev", "", "hang", nil, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}
