// Package http implements the device transport over HTTPS.
//
// Cloud-to-device messages are polled, direct methods
// and twin operations are not available.
package http

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
	"golang.org/x/time/rate"
)

const (
	// the hub throttles devices polling more often
	defaultMinPollingTime = 25 * time.Minute

	tokenLifetime = time.Hour

	appPropertyPrefix = "iothub-app-"
)

var options = transport.OptionTable{
	transport.OptionMinPollingTime: transport.OptionInt,
	transport.OptionTimeout:        transport.OptionInt,
	transport.OptionTrustedCerts:   transport.OptionString,
}

// TransportOption is a transport configuration option.
type TransportOption func(tr *Transport)

// WithLogger sets logger for errors and warnings
// plus debug messages when it's enabled.
func WithLogger(l common.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// WithClient sets client to use for HTTP requests.
func WithClient(c *http.Client) TransportOption {
	return func(tr *Transport) {
		tr.client = c
	}
}

// WithBaseURL overrides https://{host} for every request.
func WithBaseURL(u string) TransportOption {
	return func(tr *Transport) {
		tr.baseURL = strings.TrimRight(u, "/")
	}
}

type Transport struct {
	mu      sync.Mutex
	client  *http.Client
	baseURL string
	creds   transport.Credentials
	recv    transport.Receiver
	logger  common.Logger

	minPoll time.Duration
	timeout time.Duration
	trusted *x509.CertPool

	polling bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New returns new Transport transport.
func New(opts ...TransportOption) *Transport {
	tr := &Transport{
		minPoll: defaultMinPollingTime,
		logger:  common.NewLoggerFromEnv("http", "IOTHUB_DEVICE_LOG_LEVEL"),
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

func (tr *Transport) Name() string {
	return "HTTP"
}

func (tr *Transport) SetLogger(logger common.Logger) {
	tr.mu.Lock()
	tr.logger = logger
	tr.mu.Unlock()
}

func (tr *Transport) Options() transport.OptionTable {
	return options
}

func (tr *Transport) SetOption(name string, v interface{}) error {
	v, err := options.Validate(name, v)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	switch name {
	case transport.OptionMinPollingTime:
		n := v.(int64)
		if n <= 0 {
			return fmt.Errorf("%w: polling time must be positive", transport.ErrInvalidArg)
		}
		tr.minPoll = time.Duration(n) * time.Second
	case transport.OptionTimeout:
		n := v.(int64)
		if n < 0 {
			return fmt.Errorf("%w: negative timeout", transport.ErrInvalidArg)
		}
		tr.timeout = time.Duration(n) * time.Millisecond
		if tr.client != nil {
			tr.client.Timeout = tr.timeout
		}
	case transport.OptionTrustedCerts:
		pool, err := common.CertPoolFromPEM(v.(string))
		if err != nil {
			return fmt.Errorf("%w: %s", transport.ErrInvalidArg, err)
		}
		tr.trusted = pool
	}
	return nil
}

// Connect only remembers credentials, there's no persistent connection over http.
func (tr *Transport) Connect(ctx context.Context, creds transport.Credentials, r transport.Receiver) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return errors.New("transport is closed")
	}
	if tr.client == nil {
		tc := creds.TLSConfig().Clone()
		if tr.trusted != nil {
			tc.RootCAs = tr.trusted
		}
		tr.client = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tc},
			Timeout:   tr.timeout,
		}
	}
	tr.creds = creds
	tr.recv = r
	if tr.polling && tr.cancel == nil {
		tr.startPolling()
	}
	return nil
}

// SetMessageSubscription starts or stops cloud-to-device polling.
func (tr *Transport) SetMessageSubscription(on bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.polling = on
	switch {
	case on && tr.cancel == nil && tr.creds != nil && !tr.closed:
		tr.startPolling()
	case !on && tr.cancel != nil:
		tr.cancel()
		tr.cancel = nil
	}
}

// startPolling must be called with tr.mu held.
func (tr *Transport) startPolling() {
	ctx, cancel := context.WithCancel(context.Background())
	tr.cancel = cancel
	lim := rate.NewLimiter(rate.Every(tr.minPoll), 1)
	tr.wg.Add(1)
	go func() {
		defer tr.wg.Done()
		for {
			if err := lim.Wait(ctx); err != nil {
				return
			}
			creds, r := tr.connection()
			if err := tr.poll(ctx, creds, r); err != nil {
				if ctx.Err() != nil {
					return
				}
				tr.logger.Errorf("poll error: %s", err)
				if errors.Is(err, transport.ErrBadCredential) {
					r.HandleConnectionLost(transport.ReasonBadCredential, err)
					return
				}
			}
		}
	}()
}

// connection returns what the last Connect call stored,
// creds is nil when the transport isn't connected.
func (tr *Transport) connection() (transport.Credentials, transport.Receiver) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.creds, tr.recv
}

func (tr *Transport) base(creds transport.Credentials) string {
	if tr.baseURL != "" {
		return tr.baseURL
	}
	return "https://" + transport.Broker(creds)
}

func devicePath(creds transport.Credentials) string {
	return "/devices/" + url.PathEscape(creds.DeviceID())
}

func (tr *Transport) do(ctx context.Context, creds transport.Credentials, method, path string, header http.Header, body []byte) (*http.Response, []byte, error) {
	uri := tr.base(creds) + path
	if strings.Contains(path, "?") {
		uri += "&api-version=" + common.APIVersion
	} else {
		uri += "?api-version=" + common.APIVersion
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, r)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if creds.IsSAS() {
		token, err := creds.Token(ctx, transport.ResourceURI(creds), tokenLifetime)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Request-Id", common.GenID())

	tr.logger.Debugf("%s %s", method, uri)
	res, err := tr.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, err
	}
	if err = checkStatus(res, b); err != nil {
		return res, b, err
	}
	return res, b, nil
}

func checkStatus(res *http.Response, b []byte) error {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", transport.ErrBadCredential, b)
	default:
		return &transport.StatusError{Code: res.StatusCode, Body: b}
	}
}

// Send posts msg to the device's events endpoint, system
// properties and user properties travel in headers.
func (tr *Transport) Send(ctx context.Context, msg *common.Message, done transport.DoneFunc) {
	creds, _ := tr.connection()
	if creds == nil {
		done(transport.ErrNotConnected)
		return
	}
	if creds.ModuleID() != "" {
		done(fmt.Errorf("%w: modules cannot send over http", transport.ErrInvalidArg))
		return
	}

	h := http.Header{}
	h.Set("iothub-to", devicePath(creds)+"/messages/events")
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set("iothub-messageid", msg.MessageID())
	set("iothub-correlationid", msg.CorrelationID())
	set("iothub-userid", msg.UserID)
	set("iothub-contenttype", msg.ContentType())
	set("iothub-contentencoding", msg.ContentEncoding())
	if !msg.ExpiryTime.IsZero() {
		set("iothub-expiry", msg.ExpiryTime.UTC().Format(time.RFC3339))
	}
	msg.Properties().Range(func(k, v string) bool {
		h.Set(appPropertyPrefix+k, v)
		return true
	})
	body := msg.Payload()
	go func() {
		_, _, err := tr.do(ctx, creds, http.MethodPost, devicePath(creds)+"/messages/events", h, body)
		done(err)
	}()
}

func (tr *Transport) poll(ctx context.Context, creds transport.Credentials, r transport.Receiver) error {
	res, b, err := tr.do(ctx, creds, http.MethodGet, devicePath(creds)+"/messages/deviceBound", nil, nil)
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusNoContent {
		return nil
	}
	msg, err := parseMessage(res.Header, b)
	if err != nil {
		return err
	}

	etag := msg.LockToken
	path := devicePath(creds) + "/messages/deviceBound/" + url.PathEscape(etag)
	switch d := r.HandleMessage(msg); d {
	case transport.DispositionAccepted:
		_, _, err = tr.do(ctx, creds, http.MethodDelete, path, nil, nil)
	case transport.DispositionRejected:
		_, _, err = tr.do(ctx, creds, http.MethodDelete, path+"?reject", nil, nil)
	default:
		_, _, err = tr.do(ctx, creds, http.MethodPost, path+"/abandon", nil, nil)
	}
	return err
}

func parseMessage(h http.Header, b []byte) (*common.Message, error) {
	if b == nil {
		b = []byte{}
	}
	msg, err := common.NewMessageFromBytes(b)
	if err != nil {
		return nil, err
	}
	msg.LockToken = strings.Trim(h.Get("ETag"), `"`)
	if msg.LockToken == "" {
		return nil, errors.New("cloud-to-device message without etag")
	}
	msg.To = h.Get("iothub-to")
	msg.UserID = h.Get("iothub-userid")
	if s := h.Get("iothub-expiry"); s != "" {
		if msg.ExpiryTime, err = time.Parse(time.RFC3339, s); err != nil {
			return nil, err
		}
	}
	if s := h.Get("iothub-enqueuedtime"); s != "" {
		if t, err := http.ParseTime(s); err == nil {
			msg.EnqueuedTime = t
		}
	}
	for k, fn := range map[string]func(string) error{
		"iothub-messageid":       msg.SetMessageID,
		"iothub-correlationid":   msg.SetCorrelationID,
		"iothub-contenttype":     msg.SetContentType,
		"iothub-contentencoding": msg.SetContentEncoding,
	} {
		if v := h.Get(k); v != "" {
			if err := fn(v); err != nil {
				return nil, err
			}
		}
	}
	props := msg.Properties()
	for k := range h {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, appPropertyPrefix) {
			if err := props.AddOrUpdate(lk[len(appPropertyPrefix):], h.Get(k)); err != nil {
				return nil, err
			}
		}
	}
	return msg, nil
}

// UploadToBlob stores r in the storage account linked to the hub:
// it requests a SAS uri, puts the blob and notifies the hub about the result.
func (tr *Transport) UploadToBlob(ctx context.Context, name string, r io.Reader) error {
	creds, _ := tr.connection()
	if creds == nil {
		return transport.ErrNotConnected
	}
	cid, sasURI, err := tr.getBlobSharedAccessSignature(ctx, creds, name)
	if err != nil {
		return err
	}
	uerr := tr.uploadFile(ctx, sasURI, r)
	code, desc := http.StatusOK, "ok"
	if uerr != nil {
		code, desc = http.StatusInternalServerError, uerr.Error()
	}
	if err := tr.notifyFileUpload(ctx, creds, cid, uerr == nil, code, desc); err != nil {
		if uerr != nil {
			return uerr
		}
		return err
	}
	return uerr
}

func (tr *Transport) getBlobSharedAccessSignature(ctx context.Context, creds transport.Credentials, blobName string) (string, string, error) {
	body, err := json.Marshal(&CreateFileUploadRequest{
		BlobName: blobName,
	})
	if err != nil {
		return "", "", err
	}

	_, b, err := tr.do(ctx, creds, http.MethodPost, devicePath(creds)+"/files", http.Header{
		"Content-Type": {"application/json"},
	}, body)
	if err != nil {
		return "", "", err
	}

	var response CreateFileUploadResponse
	if err = json.Unmarshal(b, &response); err != nil {
		return "", "", err
	}
	return response.CorrelationID, response.SASURI(), nil
}

func (tr *Transport) uploadFile(ctx context.Context, sasURI string, file io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sasURI, file)
	if err != nil {
		return err
	}
	req.Header.Add("x-ms-blob-type", "BlockBlob")

	resp, err := tr.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (tr *Transport) notifyFileUpload(ctx context.Context, creds transport.Credentials, correlationID string, success bool, statusCode int, statusDescription string) error {
	body, err := json.Marshal(&NotifyFileUploadRequest{
		CorrelationID:     correlationID,
		IsSuccess:         success,
		StatusCode:        statusCode,
		StatusDescription: statusDescription,
	})
	if err != nil {
		return err
	}
	_, _, err = tr.do(ctx, creds, http.MethodPost, devicePath(creds)+"/files/notifications", http.Header{
		"Content-Type": {"application/json"},
	}, body)
	return err
}

// InvokeMethod calls a direct method on a device or a module through the edge hub.
func (tr *Transport) InvokeMethod(ctx context.Context, call *transport.MethodCall) (*transport.MethodResult, error) {
	creds, _ := tr.connection()
	if creds == nil {
		return nil, transport.ErrNotConnected
	}
	if call.DeviceID == "" || call.MethodName == "" {
		return nil, fmt.Errorf("%w: device id and method name are required", transport.ErrInvalidArg)
	}

	body, err := json.Marshal(&methodRequest{
		MethodName:      call.MethodName,
		Payload:         rawJSON(call.Payload),
		ConnectTimeout:  int(call.ConnectTimeout / time.Second),
		ResponseTimeout: int(call.ResponseTimeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", transport.ErrInvalidArg, err)
	}

	path := "/twins/" + url.PathEscape(call.DeviceID)
	if call.ModuleID != "" {
		path += "/modules/" + url.PathEscape(call.ModuleID)
	}
	_, b, err := tr.do(ctx, creds, http.MethodPost, path+"/methods", http.Header{
		"Content-Type":       {"application/json"},
		"x-ms-edge-moduleId": {creds.DeviceID() + "/" + creds.ModuleID()},
	}, body)
	if err != nil {
		return nil, err
	}

	var res methodResponse
	if err = json.Unmarshal(b, &res); err != nil {
		return nil, err
	}
	return &transport.MethodResult{Status: res.Status, Payload: res.Payload}, nil
}

// RespondMethod is not available in the HTTP transport.
func (tr *Transport) RespondMethod(ctx context.Context, rid string, code int, payload []byte) error {
	return transport.ErrNotImplemented
}

// GetTwin is not available in the HTTP transport.
func (tr *Transport) GetTwin(ctx context.Context) ([]byte, error) {
	return nil, transport.ErrNotImplemented
}

// UpdateReportedState is not available in the HTTP transport.
func (tr *Transport) UpdateReportedState(ctx context.Context, payload []byte) (int, error) {
	return 0, transport.ErrNotImplemented
}

func (tr *Transport) IsNetworkError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}

func (tr *Transport) Close() error {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return nil
	}
	tr.closed = true
	if tr.cancel != nil {
		tr.cancel()
		tr.cancel = nil
	}
	tr.mu.Unlock()
	tr.wg.Wait()
	return nil
}

// compile-time capability checks
var (
	_ transport.Driver            = (*Transport)(nil)
	_ transport.Uploader          = (*Transport)(nil)
	_ transport.MethodInvoker     = (*Transport)(nil)
	_ transport.MessageSubscriber = (*Transport)(nil)
)
