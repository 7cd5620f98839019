// Package amqp implements the device transport over AMQP 1.0,
// optionally tunneled through WebSockets.
//
// Direct methods and twin operations are not available over this transport.
package amqp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/common/commonamqp"
	"github.com/amenzhinsky/iothubcore/iotdevice/transport"
	"pack.ag/amqp"
)

var options = transport.OptionTable{
	transport.OptionTrustedCerts:    transport.OptionString,
	transport.OptionX509Certificate: transport.OptionString,
	transport.OptionX509PrivateKey:  transport.OptionString,
	transport.OptionCBSLifetime:     transport.OptionInt,
	transport.OptionProxyData:       transport.OptionString,
}

// TransportOption is transport configuration option.
type TransportOption func(tr *Transport)

// WithLogger overrides transport logger.
func WithLogger(l common.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// WithWebSocket tunnels AMQP through wss://{host}:443/$iothub/websocket.
func WithWebSocket(ws bool) TransportOption {
	return func(tr *Transport) {
		tr.ws = ws
	}
}

// New creates new amqp iothub transport.
func New(opts ...TransportOption) *Transport {
	tr := &Transport{
		cbsLifetime: commonamqp.DefaultTokenLifetime,
		logger:      common.NewLoggerFromEnv("amqp", "IOTHUB_DEVICE_LOG_LEVEL"),
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

type Transport struct {
	mu     sync.Mutex
	cur    *link
	closed bool

	ws          bool
	trusted     *x509.CertPool
	certPEM     string
	keyPEM      string
	cbsLifetime time.Duration
	proxy       *url.URL

	logger common.Logger
}

// link is a single connection with its d2c sender and receive loop.
type link struct {
	conn   *commonamqp.Client
	send   *amqp.Sender
	cancel context.CancelFunc
	done   chan struct{} // closed when the receive loop exits
}

func (l *link) close() {
	l.cancel()
	_ = l.conn.Close()
	<-l.done
}

func (tr *Transport) Name() string {
	if tr.ws {
		return "AMQP_WS"
	}
	return "AMQP"
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
	case transport.OptionCBSLifetime:
		n := v.(int64)
		if n <= 0 {
			return fmt.Errorf("%w: cbs token lifetime must be positive", transport.ErrInvalidArg)
		}
		tr.cbsLifetime = time.Duration(n) * time.Second
	case transport.OptionProxyData:
		u, err := url.Parse(v.(string))
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: malformed proxy url %q", transport.ErrInvalidArg, v)
		}
		tr.proxy = u
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

func (tr *Transport) Connect(ctx context.Context, creds transport.Credentials, r transport.Receiver) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return errors.New("transport is closed")
	}
	if tr.cur != nil {
		tr.cur.close()
		tr.cur = nil
	}

	tc, err := tr.tlsConfig(creds)
	if err != nil {
		return err
	}
	opts := []commonamqp.Option{
		commonamqp.WithTLSConfig(tc),
		commonamqp.WithWebSocket(tr.ws),
		commonamqp.WithSASLAnonymous(),
		commonamqp.WithLogger(tr.logger),
	}
	if tr.proxy != nil {
		opts = append(opts, commonamqp.WithProxy(tr.proxy))
	}
	c, err := commonamqp.Dial(ctx, transport.Broker(creds), opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	// put token in the background when sas authentication is on
	if creds.IsSAS() {
		uri := transport.ResourceURI(creds)
		if err = c.PutTokenContinuously(ctx, uri, tr.cbsLifetime, func(ctx context.Context, d time.Duration) (string, error) {
			return creds.Token(ctx, uri, d)
		}); err != nil {
			return cbsError(err)
		}
	}

	send, err := c.Sess().NewSender(
		amqp.LinkTargetAddress(eventsAddress(creds)),
	)
	if err != nil {
		return err
	}
	recv, err := c.Sess().NewReceiver(
		amqp.LinkSourceAddress(inboundAddress(creds)),
		amqp.LinkCredit(10),
	)
	if err != nil {
		return err
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &link{conn: c, send: send, cancel: cancel, done: make(chan struct{})}
	go tr.receive(lctx, l, recv, r)
	tr.cur = l
	return nil
}

func (tr *Transport) receive(ctx context.Context, l *link, recv *amqp.Receiver, r transport.Receiver) {
	defer close(l.done)
	for {
		msg, err := recv.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // closed intentionally
			}
			tr.logger.Warnf("receive error: %s", err)
			r.HandleConnectionLost(transport.ReasonOf(tr, err), err)
			return
		}

		m, err := commonamqp.FromAMQPMessage(msg)
		if err != nil {
			tr.logger.Errorf("message conversion error: %s", err)
			if err = msg.Reject(nil); err != nil {
				tr.logger.Errorf("reject error: %s", err)
			}
			continue
		}

		switch d := r.HandleMessage(m); d {
		case transport.DispositionAccepted:
			err = msg.Accept()
		case transport.DispositionRejected:
			err = msg.Reject(nil)
		default:
			err = msg.Release()
		}
		if err != nil {
			tr.logger.Errorf("settle error: %s", err)
		}
	}
}

// cbsError maps put-token failures to credential errors.
func cbsError(err error) error {
	var serr *commonamqp.StatusError
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.Code {
	case 401:
		return fmt.Errorf("%w: %s", transport.ErrBadCredential, err)
	case 403:
		return fmt.Errorf("%w: %s", transport.ErrDeviceDisabled, err)
	default:
		return err
	}
}

func eventsAddress(creds transport.Credentials) string {
	if creds.ModuleID() != "" {
		return "/devices/" + creds.DeviceID() + "/modules/" + creds.ModuleID() + "/messages/events"
	}
	return "/devices/" + creds.DeviceID() + "/messages/events"
}

func inboundAddress(creds transport.Credentials) string {
	if creds.ModuleID() != "" {
		return "/devices/" + creds.DeviceID() + "/modules/" + creds.ModuleID() + "/messages/events"
	}
	return "/devices/" + creds.DeviceID() + "/messages/devicebound"
}

func (tr *Transport) IsNetworkError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (tr *Transport) Send(ctx context.Context, msg *common.Message, done transport.DoneFunc) {
	tr.mu.Lock()
	l := tr.cur
	tr.mu.Unlock()
	if l == nil {
		done(transport.ErrNotConnected)
		return
	}

	am := commonamqp.ToAMQPMessage(msg)
	if am.Properties.MessageID == nil {
		am.Properties.MessageID = common.GenID()
	}
	go func() {
		done(l.send.Send(ctx, am))
	}()
}

func (tr *Transport) RespondMethod(ctx context.Context, rid string, code int, payload []byte) error {
	return transport.ErrNotImplemented
}

func (tr *Transport) GetTwin(ctx context.Context) ([]byte, error) {
	return nil, transport.ErrNotImplemented
}

func (tr *Transport) UpdateReportedState(ctx context.Context, payload []byte) (int, error) {
	return 0, transport.ErrNotImplemented
}

func (tr *Transport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return nil
	}
	tr.closed = true
	if tr.cur != nil {
		tr.cur.close()
		tr.cur = nil
	}
	tr.logger.Debugf("closed")
	return nil
}
