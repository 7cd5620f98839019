// Package mqtt implements the device transport over MQTT 3.1.1,
// optionally tunneled through WebSockets.
//
// See more: https://docs.microsoft.com/en-us/azure/iot-hub/iot-hub-mqtt-support
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
	"github.com/amenzhinsky/iothubcore/iotutil"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

const (
	// existing SDKs use QoS 1
	defaultQoS = 1

	defaultKeepAlive = 240 * time.Second

	// password token lifetime, the hub disconnects when it expires
	tokenLifetime = time.Hour

	requestTimeout = 30 * time.Second
)

var options = transport.OptionTable{
	transport.OptionKeepAlive:       transport.OptionInt,
	transport.OptionTrustedCerts:    transport.OptionString,
	transport.OptionX509Certificate: transport.OptionString,
	transport.OptionX509PrivateKey:  transport.OptionString,
	transport.OptionQoS:             transport.OptionInt,
	transport.OptionProductInfo:     transport.OptionString,
}

type TransportOption func(tr *Transport)

func WithLogger(l common.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// WithWebSocket makes the transport connect to wss://{host}:443/$iothub/websocket.
func WithWebSocket(ws bool) TransportOption {
	return func(tr *Transport) {
		tr.ws = ws
	}
}

// WithClientOptionsConfig allows tuning paho options right before connecting.
func WithClientOptionsConfig(fn func(opts *mqtt.ClientOptions)) TransportOption {
	return func(tr *Transport) {
		tr.cocfg = fn
	}
}

// New returns new Transport transport.
func New(opts ...TransportOption) *Transport {
	tr := &Transport{
		keepAlive: defaultKeepAlive,
		qos:       defaultQoS,
		logger:    common.NewLoggerFromEnv("mqtt", "IOTHUB_DEVICE_LOG_LEVEL"),
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

type Transport struct {
	mu     sync.RWMutex
	conn   mqtt.Client
	creds  transport.Credentials
	recv   transport.Receiver
	closed bool
	wg     sync.WaitGroup // handlers in flight

	rids iotutil.RIDGenerator
	resp map[string]chan *resp // responses from iothub

	ws    bool
	cocfg func(opts *mqtt.ClientOptions)

	keepAlive   time.Duration
	qos         byte
	trusted     *x509.CertPool
	certPEM     string
	keyPEM      string
	productInfo string

	logger common.Logger
}

func (tr *Transport) Name() string {
	if tr.ws {
		return "MQTT_WS"
	}
	return "MQTT"
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
	case transport.OptionKeepAlive:
		n := v.(int64)
		if n <= 0 {
			return fmt.Errorf("%w: keepalive must be positive", transport.ErrInvalidArg)
		}
		tr.keepAlive = time.Duration(n) * time.Second
	case transport.OptionQoS:
		n := v.(int64)
		if n != 0 && n != 1 {
			return fmt.Errorf("%w: qos must be 0 or 1", transport.ErrInvalidArg)
		}
		tr.qos = byte(n)
	case transport.OptionTrustedCerts:
		pool, err := common.CertPoolFromPEM(v.(string))
		if err != nil {
			return fmt.Errorf("%w: %s", transport.ErrInvalidArg, err)
		}
		tr.trusted = pool
	case transport.OptionX509Certificate:
		tr.certPEM = v.(string)
	case transport.OptionX509PrivateKey:
		tr.keyPEM = v.(string)
	case transport.OptionProductInfo:
		tr.productInfo = v.(string)
	}
	return nil
}

func (tr *Transport) tlsConfig(creds transport.Credentials) (*tls.Config, error) {
	tc := creds.TLSConfig().Clone()
	if tr.trusted != nil {
		tc.RootCAs = tr.trusted
	}
	if tr.certPEM != "" || tr.keyPEM != "" {
		crt, err := tls.X509KeyPair([]byte(tr.certPEM), []byte(tr.keyPEM))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", transport.ErrInvalidArg, err)
		}
		tc.Certificates = []tls.Certificate{crt}
	}
	return tc, nil
}

func clientID(creds transport.Credentials) string {
	if creds.ModuleID() != "" {
		return creds.DeviceID() + "/" + creds.ModuleID()
	}
	return creds.DeviceID()
}

func (tr *Transport) username(creds transport.Credentials) string {
	s := creds.HostName() + "/" + clientID(creds) + "/?api-version=" + common.APIVersion
	if tr.productInfo != "" {
		s += "&DeviceClientType=" + url.QueryEscape(tr.productInfo)
	}
	return s
}

func (tr *Transport) Connect(ctx context.Context, creds transport.Credentials, r transport.Receiver) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return errors.New("transport is closed")
	}
	if tr.conn != nil {
		// reconnect, the old connection must not deliver anything
		tr.conn.Disconnect(0)
		tr.conn = nil
	}

	tc, err := tr.tlsConfig(creds)
	if err != nil {
		return err
	}
	pass := ""
	if creds.IsSAS() {
		if pass, err = creds.Token(ctx, transport.ResourceURI(creds), tokenLifetime); err != nil {
			return err
		}
	}

	host := transport.Broker(creds)
	o := mqtt.NewClientOptions()
	if tr.ws {
		o.AddBroker("wss://" + host + ":443/$iothub/websocket")
	} else {
		o.AddBroker("tls://" + host + ":8883")
	}
	o.SetClientID(clientID(creds))
	o.SetUsername(tr.username(creds))
	o.SetPassword(pass)
	o.SetTLSConfig(tc)
	o.SetKeepAlive(tr.keepAlive)
	o.SetAutoReconnect(false) // reconnects are paced by the session's retry policy
	o.SetOrderMatters(false)
	o.SetOnConnectHandler(func(_ mqtt.Client) {
		tr.logger.Debugf("connection established")
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if !tr.enter() {
			return
		}
		defer tr.wg.Done()
		tr.logger.Warnf("connection lost: %v", err)
		r.HandleConnectionLost(transport.ReasonOf(tr, err), err)
	})
	if tr.cocfg != nil {
		tr.cocfg(o)
	}

	c := mqtt.NewClient(o)
	if err := wait(ctx, c.Connect()); err != nil {
		return connectError(err)
	}

	subs := map[string]byte{
		"$iothub/methods/POST/#":                  defaultQoS,
		"$iothub/twin/res/#":                      defaultQoS,
		"$iothub/twin/PATCH/properties/desired/#": defaultQoS,
	}
	if creds.ModuleID() != "" {
		subs["devices/"+creds.DeviceID()+"/modules/"+creds.ModuleID()+"/inputs/#"] = defaultQoS
	} else {
		subs["devices/"+creds.DeviceID()+"/messages/devicebound/#"] = defaultQoS
	}
	if err := wait(ctx, c.SubscribeMultiple(subs, func(_ mqtt.Client, m mqtt.Message) {
		if !tr.enter() {
			return
		}
		defer tr.wg.Done()
		tr.route(m)
	})); err != nil {
		c.Disconnect(0)
		return err
	}

	tr.conn = c
	tr.creds = creds
	tr.recv = r
	tr.resp = make(map[string]chan *resp)
	return nil
}

// enter registers a handler invocation so Close can wait for it,
// it returns false once the transport is closed.
func (tr *Transport) enter() bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if tr.closed {
		return false
	}
	tr.wg.Add(1)
	return true
}

func connectError(err error) error {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return fmt.Errorf("%w: %s", transport.ErrBadCredential, err)
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return fmt.Errorf("%w: %s", transport.ErrDeviceDisabled, err)
	default:
		return err
	}
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tr *Transport) route(m mqtt.Message) {
	tr.mu.RLock()
	r, creds := tr.recv, tr.creds
	tr.mu.RUnlock()

	topic := m.Topic()
	switch {
	case strings.HasPrefix(topic, "$iothub/methods/POST/"):
		method, rid, err := parseDirectMethodTopic(topic)
		if err != nil {
			tr.logger.Errorf("parse error: %s", err)
			return
		}
		r.HandleMethod(rid, method, m.Payload())
	case strings.HasPrefix(topic, "$iothub/twin/PATCH/properties/desired/"):
		r.HandleDesiredState(m.Payload())
	case strings.HasPrefix(topic, "$iothub/twin/res/"):
		tr.handleTwinResponse(topic, m.Payload())
	default:
		msg, err := parseEventMessage(creds, topic, m.Payload())
		if err != nil {
			tr.logger.Errorf("parse error: %s", err)
			return
		}
		// mqtt has no way to reject messages, they're acked by paho anyway
		if d := r.HandleMessage(msg); d != transport.DispositionAccepted {
			tr.logger.Debugf("message settled as %s, mqtt always completes it", d)
		}
	}
}

// mqtt library wraps errors with fmt.Errorf.
func (tr *Transport) IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(err.Error(), "Network Error")
}

func parseEventMessage(creds transport.Credentials, topic string, payload []byte) (*common.Message, error) {
	var input, query string
	if creds != nil && creds.ModuleID() != "" {
		// devices/{device}/modules/{module}/inputs/{input}/{props}
		_, rest, ok := strings.Cut(topic, "/inputs/")
		if !ok {
			return nil, errors.New("malformed module input topic name")
		}
		input, query, _ = strings.Cut(rest, "/")
		if input == "" {
			return nil, errors.New("module input name is empty")
		}
	} else {
		p, err := parseCloudToDeviceTopic(topic)
		if err != nil {
			return nil, err
		}
		return newMessage(payload, p, "")
	}
	p, err := parseProperties(query)
	if err != nil {
		return nil, err
	}
	return newMessage(payload, p, input)
}

func newMessage(payload []byte, p map[string]string, input string) (*common.Message, error) {
	if payload == nil {
		payload = []byte{}
	}
	msg, err := common.NewMessageFromBytes(payload)
	if err != nil {
		return nil, err
	}
	if input != "" {
		if err = msg.SetInputName(input); err != nil {
			return nil, err
		}
	}
	var diag common.Diagnostic
	props := msg.Properties()
	for _, k := range sortedKeys(p) {
		v := p[k]
		switch k {
		case "$.mid":
			err = msg.SetMessageID(v)
		case "$.cid":
			err = msg.SetCorrelationID(v)
		case "$.ct":
			err = msg.SetContentType(v)
		case "$.ce":
			err = msg.SetContentEncoding(v)
		case "$.cdid":
			err = msg.SetConnectionDeviceID(v)
		case "$.cmid":
			err = msg.SetConnectionModuleID(v)
		case "$.on":
			err = msg.SetOutputName(v)
		case "$.uid":
			msg.UserID = v
		case "$.to":
			msg.To = v
		case "$.exp":
			t, perr := time.Parse(time.RFC3339, v)
			if perr != nil {
				return nil, perr
			}
			msg.ExpiryTime = t
		case "$.diagid":
			diag.ID = v
		case "$.diagctx":
			if s, ok := strings.CutPrefix(v, "creationtimeutc="); ok {
				diag.CreationTime, _ = time.Parse(time.RFC3339, s)
			}
		default:
			err = props.AddOrUpdate(k, v)
		}
		if err != nil {
			return nil, err
		}
	}
	if diag.ID != "" {
		if err = msg.SetDiagnostic(&diag); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// devices/{device}/messages/devicebound/%24.to=%2Fdevices%2F{device}%2Fmessages%2FdeviceBound&a=b&b=c
func parseCloudToDeviceTopic(s string) (map[string]string, error) {
	_, q, ok := strings.Cut(s, "/messages/devicebound/")
	if !ok {
		return nil, errors.New("malformed cloud-to-device topic name")
	}
	return parseProperties(q)
}

// attributes are prefixed with $.,
// e.g. `messageId` becomes `$.mid`, `to` becomes `$.to`, etc.
func parseProperties(q string) (map[string]string, error) {
	v, err := url.ParseQuery(q)
	if err != nil {
		return nil, err
	}
	p := make(map[string]string, len(v))
	for k, x := range v {
		if len(x) != 1 {
			return nil, fmt.Errorf("unexpected number of property values: %d", len(x))
		}
		p[k] = x[0]
	}
	return p, nil
}

// returns method name and rid
// format: $iothub/methods/POST/{method}/?$rid={rid}
func parseDirectMethodTopic(s string) (string, string, error) {
	ss := strings.Split(s, "/")
	if len(ss) != 5 {
		return "", "", errors.New("malformed direct-method topic name")
	}
	if !strings.HasPrefix(ss[4], "?$rid=") {
		return "", "", errors.New("malformed direct-method topic name")
	}
	return ss[3], ss[4][6:], nil
}

func (tr *Transport) RespondMethod(ctx context.Context, rid string, status int, b []byte) error {
	dst := fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", status, rid)
	return tr.publish(ctx, dst, defaultQoS, b)
}

type resp struct {
	code int
	ver  int // twin response only
	body []byte
}

func (tr *Transport) GetTwin(ctx context.Context) ([]byte, error) {
	r, err := tr.request(ctx, "$iothub/twin/GET/?$rid=%s", nil)
	if err != nil {
		return nil, err
	}
	return r.body, nil
}

func (tr *Transport) UpdateReportedState(ctx context.Context, b []byte) (int, error) {
	r, err := tr.request(ctx, "$iothub/twin/PATCH/properties/reported/?$rid=%s", b)
	if err != nil {
		return 0, err
	}
	return r.ver, nil
}

func (tr *Transport) request(ctx context.Context, topic string, b []byte) (*resp, error) {
	rid := tr.rids.Next()
	dst := fmt.Sprintf(topic, rid)
	rch := make(chan *resp, 1)
	tr.mu.Lock()
	if tr.resp == nil {
		tr.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	tr.resp[rid] = rch
	tr.mu.Unlock()
	defer func() {
		tr.mu.Lock()
		delete(tr.resp, rid)
		tr.mu.Unlock()
	}()

	if err := tr.publish(ctx, dst, defaultQoS, b); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case r := <-rch:
		if r.code < 200 || r.code > 299 {
			return nil, &transport.StatusError{Code: r.code, Body: r.body}
		}
		return r, nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (tr *Transport) handleTwinResponse(topic string, b []byte) {
	rc, rid, ver, err := parseTwinPropsTopic(topic)
	if err != nil {
		tr.logger.Errorf("parse error: %s", err)
		return
	}

	tr.mu.RLock()
	defer tr.mu.RUnlock()
	rch, ok := tr.resp[rid]
	if !ok {
		tr.logger.Warnf("unknown rid: %q", rid)
		return
	}
	select {
	case rch <- &resp{code: rc, ver: ver, body: b}:
	default:
		// duplicate delivery of a QoS 1 response
		tr.logger.Debugf("duplicate response for rid %q", rid)
	}
}

var twinResponseRegexp = regexp.MustCompile(
	`\$iothub/twin/res/(\d+)/\?\$rid=(\w+)(?:&\$version=(\d+))?`,
)

// parseTwinPropsTopic parses the given topic name into rc, rid and ver.
// $iothub/twin/res/{rc}/?$rid={rid}(&$version={ver})?
func parseTwinPropsTopic(s string) (int, string, int, error) {
	ss := twinResponseRegexp.FindStringSubmatch(s)
	if ss == nil {
		return 0, "", 0, errors.New("malformed topic name")
	}

	// regexp already returns valid strings of digits.
	rc, _ := strconv.Atoi(ss[1])
	ver, _ := strconv.Atoi(ss[3])

	return rc, ss[2], ver, nil
}

// Send publishes msg to the telemetry topic, a non-empty output name
// is encoded as $.on so it works for module outputs as well.
func (tr *Transport) Send(ctx context.Context, msg *common.Message, done transport.DoneFunc) {
	tr.mu.RLock()
	conn, creds, qos := tr.conn, tr.creds, tr.qos
	tr.mu.RUnlock()
	if conn == nil {
		done(transport.ErrNotConnected)
		return
	}
	if q, ok := msg.TransportOptions["qos"]; ok {
		if n, ok := q.(int); ok && (n == 0 || n == 1) {
			qos = byte(n)
		}
	}

	t := conn.Publish(telemetryTopic(creds, msg), qos, false, msg.Payload())
	go func() {
		done(wait(ctx, t))
	}()
}

func telemetryTopic(creds transport.Credentials, msg *common.Message) string {
	// this is just copying functionality from the nodejs sdk, but
	// seems like adding meta attributes does nothing or in some cases,
	// e.g. when $.exp is set the cloud just disconnects.
	u := make(url.Values, msg.Properties().Len()+8)
	set := func(k, v string) {
		if v != "" {
			u[k] = []string{v}
		}
	}
	set("$.mid", msg.MessageID())
	set("$.cid", msg.CorrelationID())
	set("$.ct", msg.ContentType())
	set("$.ce", msg.ContentEncoding())
	set("$.on", msg.OutputName())
	set("$.uid", msg.UserID)
	set("$.to", msg.To)
	if !msg.ExpiryTime.IsZero() {
		set("$.exp", msg.ExpiryTime.UTC().Format(time.RFC3339))
	}
	if d := msg.Diagnostic(); d != nil {
		set("$.diagid", d.ID)
		set("$.diagctx", "creationtimeutc="+d.CreationTime.UTC().Format(time.RFC3339))
	}
	msg.Properties().Range(func(k, v string) bool {
		u[k] = []string{v}
		return true
	})

	dst := "devices/" + creds.DeviceID()
	if creds.ModuleID() != "" {
		dst += "/modules/" + creds.ModuleID()
	}
	return dst + "/messages/events/" + encodeProperties(u)
}

// encodeProperties url-encodes properties, spaces are
// encoded as %20 because the hub doesn't decode pluses.
func encodeProperties(u url.Values) string {
	return strings.ReplaceAll(u.Encode(), "+", "%20")
}

func (tr *Transport) publish(ctx context.Context, topic string, qos byte, b []byte) error {
	tr.mu.RLock()
	conn := tr.conn
	tr.mu.RUnlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	return wait(ctx, conn.Publish(topic, qos, false, b))
}

func (tr *Transport) Close() error {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return nil
	}
	tr.closed = true
	conn := tr.conn
	tr.conn = nil
	tr.resp = nil
	tr.mu.Unlock()

	if conn != nil && conn.IsConnected() {
		conn.Disconnect(250)
		tr.logger.Debugf("disconnected")
	}
	tr.wg.Wait()
	return nil
}

func sortedKeys(m map[string]string) []string {
	s := make([]string, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	sort.Strings(s)
	return s
}
