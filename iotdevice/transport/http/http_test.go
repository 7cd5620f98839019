package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCreds struct {
	module string
}

func (c *testCreds) DeviceID() string       { return "dev" }
func (c *testCreds) ModuleID() string       { return c.module }
func (c *testCreds) HostName() string       { return "test.azure-devices.net" }
func (c *testCreds) Gateway() string        { return "" }
func (c *testCreds) IsSAS() bool            { return true }
func (c *testCreds) TLSConfig() *tls.Config { return &tls.Config{} }
func (c *testCreds) Token(context.Context, string, time.Duration) (string, error) {
	return "SharedAccessSignature sr=test", nil
}

type testReceiver struct {
	mu   sync.Mutex
	msgs []*common.Message
	disp transport.Disposition
	got  chan struct{}
}

func (r *testReceiver) HandleMessage(msg *common.Message) transport.Disposition {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return r.disp
}

func (r *testReceiver) HandleMethod(rid, name string, payload []byte) {}
func (r *testReceiver) HandleDesiredState(payload []byte)             {}
func (r *testReceiver) HandleConnectionLost(transport.Reason, error)  {}

func newTransport(t *testing.T, h http.Handler, creds transport.Credentials, r transport.Receiver) *Transport {
	t.Helper()
	s := httptest.NewTLSServer(h)
	t.Cleanup(s.Close)

	tr := New(WithClient(s.Client()), WithBaseURL(s.URL))
	require.NoError(t, tr.Connect(context.Background(), creds, r))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestSend(t *testing.T) {
	t.Parallel()

	reqc := make(chan *http.Request, 1)
	bodyc := make(chan string, 1)
	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodyc <- string(b)
		reqc <- r
		w.WriteHeader(http.StatusNoContent)
	}), &testCreds{}, nil)

	msg, err := common.NewMessageFromBytes([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, msg.SetMessageID("mid"))
	require.NoError(t, msg.Properties().Add("foo", "bar"))

	errc := make(chan error, 1)
	tr.Send(context.Background(), msg, func(err error) { errc <- err })
	require.NoError(t, <-errc)

	r := <-reqc
	assert.Equal(t, http.MethodPost, r.Method)
	assert.Equal(t, "/devices/dev/messages/events", r.URL.Path)
	assert.Equal(t, common.APIVersion, r.URL.Query().Get("api-version"))
	assert.Equal(t, "mid", r.Header.Get("iothub-messageid"))
	assert.Equal(t, "bar", r.Header.Get("iothub-app-foo"))
	assert.Equal(t, "SharedAccessSignature sr=test", r.Header.Get("Authorization"))
	assert.Equal(t, "hello", <-bodyc)
}

func TestSendFailure(t *testing.T) {
	t.Parallel()

	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), &testCreds{}, nil)

	msg, _ := common.NewMessageFromString("x")
	errc := make(chan error, 1)
	tr.Send(context.Background(), msg, func(err error) { errc <- err })
	err := <-errc
	assert.ErrorIs(t, err, transport.ErrBadCredential)
	assert.Equal(t, transport.ReasonBadCredential, transport.ReasonOf(tr, err))
}

func TestSendRejectsModulesAndDisconnected(t *testing.T) {
	t.Parallel()

	msg, _ := common.NewMessageFromString("x")
	errc := make(chan error, 1)
	New().Send(context.Background(), msg, func(err error) { errc <- err })
	assert.ErrorIs(t, <-errc, transport.ErrNotConnected)
	assert.ErrorIs(t, New().UploadToBlob(context.Background(), "f", strings.NewReader("x")), transport.ErrNotConnected)

	tr := newTransport(t, http.NotFoundHandler(), &testCreds{module: "mod"}, nil)
	tr.Send(context.Background(), msg, func(err error) { errc <- err })
	assert.ErrorIs(t, <-errc, transport.ErrInvalidArg)
}

// run with -race, Connect replaces credentials while sends are in flight.
func TestSendDuringConnect(t *testing.T) {
	t.Parallel()

	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), &testCreds{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = tr.Connect(context.Background(), &testCreds{}, nil)
		}
	}()

	msg, _ := common.NewMessageFromString("x")
	errc := make(chan error, 50)
	for i := 0; i < 50; i++ {
		tr.Send(context.Background(), msg, func(err error) { errc <- err })
	}
	for i := 0; i < 50; i++ {
		assert.NoError(t, <-errc)
	}
	<-done
}

func TestPollAndSettle(t *testing.T) {
	for _, s := range []struct {
		disp   transport.Disposition
		method string
		path   string
		query  string
	}{
		{transport.DispositionAccepted, http.MethodDelete, "/devices/dev/messages/deviceBound/lock", ""},
		{transport.DispositionRejected, http.MethodDelete, "/devices/dev/messages/deviceBound/lock", "reject"},
		{transport.DispositionAbandoned, http.MethodPost, "/devices/dev/messages/deviceBound/lock/abandon", ""},
	} {
		s := s
		t.Run(s.disp.String(), func(t *testing.T) {
			t.Parallel()

			var once sync.Once
			settled := make(chan *http.Request, 1)
			h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodGet {
					served := false
					once.Do(func() {
						w.Header().Set("ETag", `"lock"`)
						w.Header().Set("iothub-messageid", "m1")
						w.Header().Set("iothub-app-k", "v")
						_, _ = w.Write([]byte("c2d"))
						served = true
					})
					if !served {
						w.WriteHeader(http.StatusNoContent)
					}
					return
				}
				settled <- r
				w.WriteHeader(http.StatusNoContent)
			})

			r := &testReceiver{disp: s.disp, got: make(chan struct{}, 1)}
			tr := newTransport(t, h, &testCreds{}, r)
			tr.SetMessageSubscription(true)

			select {
			case req := <-settled:
				assert.Equal(t, s.method, req.Method)
				assert.Equal(t, s.path, req.URL.Path)
				_, hasReject := req.URL.Query()["reject"]
				assert.Equal(t, s.query == "reject", hasReject)
			case <-time.After(5 * time.Second):
				t.Fatal("message was not settled")
			}

			r.mu.Lock()
			defer r.mu.Unlock()
			require.Len(t, r.msgs, 1)
			assert.Equal(t, "c2d", string(r.msgs[0].Payload()))
			assert.Equal(t, "m1", r.msgs[0].MessageID())
			assert.Equal(t, "lock", r.msgs[0].LockToken)
			v, err := r.msgs[0].Properties().Value("k")
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		})
	}
}

func TestSubscriptionStopsPolling(t *testing.T) {
	defer leaktest.Check(t)()

	var mu sync.Mutex
	polls := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	s := httptest.NewTLSServer(h)
	defer s.Close()

	tr := New(WithClient(s.Client()), WithBaseURL(s.URL))
	require.NoError(t, tr.SetOption(transport.OptionMinPollingTime, 3600))
	require.NoError(t, tr.Connect(context.Background(), &testCreds{}, &testReceiver{}))
	tr.SetMessageSubscription(true)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return polls == 1
	}, 5*time.Second, 10*time.Millisecond)
	tr.SetMessageSubscription(false)
	require.NoError(t, tr.Close())
	s.Client().CloseIdleConnections()
}

func TestUploadToBlob(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		blob   string
		notify NotifyFileUploadRequest
	)
	mux := http.NewServeMux()
	var host string
	mux.HandleFunc("/devices/dev/files", func(w http.ResponseWriter, r *http.Request) {
		var req CreateFileUploadRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(&CreateFileUploadResponse{
			CorrelationID: "cid",
			HostName:      host,
			ContainerName: "container",
			BlobName:      req.BlobName,
			SASToken:      "?sig=x",
		})
	})
	mux.HandleFunc("/container/name.txt", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		blob = string(b)
		mu.Unlock()
		if r.Header.Get("x-ms-blob-type") != "BlockBlob" || r.URL.Query().Get("sig") != "x" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/devices/dev/files/notifications", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&notify)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	s := httptest.NewTLSServer(mux)
	defer s.Close()
	host = strings.TrimPrefix(s.URL, "https://")

	tr := New(WithClient(s.Client()), WithBaseURL(s.URL))
	require.NoError(t, tr.Connect(context.Background(), &testCreds{}, nil))
	defer tr.Close()

	require.NoError(t, tr.UploadToBlob(context.Background(), "name.txt", strings.NewReader("content")))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "content", blob)
	assert.Equal(t, NotifyFileUploadRequest{
		CorrelationID:     "cid",
		IsSuccess:         true,
		StatusCode:        http.StatusOK,
		StatusDescription: "ok",
	}, notify)
}

func TestInvokeMethod(t *testing.T) {
	t.Parallel()

	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/twins/target/modules/mod/methods" || r.Header.Get("x-ms-edge-moduleId") != "dev/me" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req methodRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MethodName != "reboot" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"status":201,"payload":{"ok":true}}`))
	}), &testCreds{module: "me"}, nil)

	res, err := tr.InvokeMethod(context.Background(), &transport.MethodCall{
		DeviceID:        "target",
		ModuleID:        "mod",
		MethodName:      "reboot",
		Payload:         []byte(`{"delay":1}`),
		ResponseTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 201, res.Status)
	assert.JSONEq(t, `{"ok":true}`, string(res.Payload))

	_, err = tr.InvokeMethod(context.Background(), &transport.MethodCall{DeviceID: "x", MethodName: "m"})
	var serr *transport.StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusNotFound, serr.Code)
}

func TestNotImplemented(t *testing.T) {
	t.Parallel()

	tr := New()
	_, err := tr.GetTwin(context.Background())
	assert.ErrorIs(t, err, transport.ErrNotImplemented)
	assert.ErrorIs(t, tr.RespondMethod(context.Background(), "1", 200, nil), transport.ErrNotImplemented)
}
