package commonamqp

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"pack.ag/amqp"
)

func TestToFromAMQPMessage(t *testing.T) {
	t.Parallel()

	msg, err := common.NewMessageFromBytes([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, msg.SetMessageID("mid"))
	require.NoError(t, msg.SetCorrelationID("cid"))
	require.NoError(t, msg.SetOutputName("out"))
	require.NoError(t, msg.Properties().Add("foo", "bar"))
	require.NoError(t, msg.SetDiagnostic(&common.Diagnostic{
		ID:           "diag",
		CreationTime: time.Unix(1500000000, 250*int64(time.Millisecond)),
	}))
	msg.UserID = "user"

	am := ToAMQPMessage(msg)
	require.Equal(t, "mid", am.Properties.MessageID)
	require.Equal(t, "out", am.Annotations[annOutputName])
	require.Equal(t, "creationtimeutc=1500000000.250", am.ApplicationProperties[propDiagContext])

	// the hub attaches connection annotations to routed messages
	am.Annotations[annConnDeviceID] = "dev"
	am.Annotations[annEnqueuedTime] = time.Unix(10, 0)

	g, err := FromAMQPMessage(am)
	require.NoError(t, err)
	require.Equal(t, "hello", string(g.Payload()))
	require.Equal(t, "mid", g.MessageID())
	require.Equal(t, "cid", g.CorrelationID())
	require.Equal(t, "out", g.OutputName())
	require.Equal(t, "dev", g.ConnectionDeviceID())
	require.Equal(t, "user", g.UserID)
	require.True(t, g.EnqueuedTime.Equal(time.Unix(10, 0)))
	if diff := cmp.Diff(map[string]string{"foo": "bar"}, g.Properties().Snapshot()); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, msg.Diagnostic().ID, g.Diagnostic().ID)
	require.True(t, g.Diagnostic().CreationTime.Equal(msg.Diagnostic().CreationTime))
}

func TestFromAMQPMessageEmpty(t *testing.T) {
	t.Parallel()

	g, err := FromAMQPMessage(&amqp.Message{})
	require.NoError(t, err)
	require.Empty(t, g.Payload())
}

func TestCheckMessageResponse(t *testing.T) {
	t.Parallel()

	ok := &amqp.Message{ApplicationProperties: map[string]interface{}{"status-code": int32(200)}}
	require.NoError(t, CheckMessageResponse(ok))

	bad := &amqp.Message{ApplicationProperties: map[string]interface{}{
		"status-code":        int32(401),
		"status-description": "unauthorized",
	}}
	var serr *StatusError
	require.True(t, errors.As(CheckMessageResponse(bad), &serr))
	require.Equal(t, int32(401), serr.Code)

	require.Error(t, CheckMessageResponse(&amqp.Message{}))
}

func TestWebSocketConn(t *testing.T) {
	t.Parallel()

	up := websocket.Upgrader{Subprotocols: []string{WebSocketSubprotocol}}
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		conn := NewWebSocketConn(ws)
		_, _ = io.Copy(conn, conn)
	}))
	defer s.Close()

	d := websocket.Dialer{Subprotocols: []string{WebSocketSubprotocol}}
	ws, _, err := d.Dial("ws"+strings.TrimPrefix(s.URL, "http"), nil)
	require.NoError(t, err)
	require.Equal(t, WebSocketSubprotocol, ws.Subprotocol())

	conn := NewWebSocketConn(ws)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("def"))
	require.NoError(t, err)

	b := make([]byte, 6)
	_, err = io.ReadFull(conn, b)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(b))
}
