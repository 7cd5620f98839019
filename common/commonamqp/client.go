package commonamqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
	"pack.ag/amqp"
)

// WebSocketSubprotocol is the subprotocol IoT Hub expects for AMQP over WebSockets.
const WebSocketSubprotocol = "AMQPWSB10"

// Option is a Dial option.
type Option func(c *Client)

// WithTLSConfig sets TLS configuration for both plain and WebSocket connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) {
		c.tls = tc
	}
}

// WithWebSocket tunnels the connection through wss://{host}:443/$iothub/websocket.
func WithWebSocket(ws bool) Option {
	return func(c *Client) {
		c.ws = ws
	}
}

// WithProxy routes the connection through the given proxy url,
// http(s) proxies are supported only with WebSockets, socks5 with both.
func WithProxy(u *url.URL) Option {
	return func(c *Client) {
		c.proxy = u
	}
}

// WithSASLPlain enables SASL PLAIN authentication.
func WithSASLPlain(username, password string) Option {
	return WithConnOption(amqp.ConnSASLPlain(username, password))
}

// WithSASLAnonymous enables SASL ANONYMOUS authentication that precedes CBS.
func WithSASLAnonymous() Option {
	return WithConnOption(amqp.ConnSASLAnonymous())
}

// WithConnOption appends a raw amqp connection option.
func WithConnOption(opt amqp.ConnOption) Option {
	return func(c *Client) {
		c.opts = append(c.opts, opt)
	}
}

func WithLogger(l common.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Dial connects to the named amqp broker and opens a session.
func Dial(ctx context.Context, host string, opts ...Option) (*Client, error) {
	c := &Client{
		done:   make(chan struct{}),
		logger: common.NewLoggerFromEnv("amqp", "IOTHUB_AMQP_LOG_LEVEL"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tls == nil {
		c.tls = &tls.Config{RootCAs: common.RootCAs()}
	}
	if c.tls.ServerName == "" {
		c.tls = c.tls.Clone()
		c.tls.ServerName = host
	}

	var err error
	switch {
	case c.ws:
		var conn net.Conn
		if conn, err = c.dialWebSocket(ctx, host); err != nil {
			return nil, err
		}
		c.conn, err = amqp.New(conn, append(c.opts, amqp.ConnServerHostname(host))...)
	case c.proxy != nil:
		var conn net.Conn
		if conn, err = c.dialProxy(ctx, host); err != nil {
			return nil, err
		}
		c.conn, err = amqp.New(tls.Client(conn, c.tls), append(c.opts, amqp.ConnServerHostname(host))...)
	default:
		c.conn, err = amqp.Dial("amqps://"+host, append(c.opts, amqp.ConnTLSConfig(c.tls))...)
	}
	if err != nil {
		return nil, err
	}
	c.sess, err = c.conn.NewSession()
	if err != nil {
		_ = c.conn.Close()
		return nil, err
	}
	c.logger.Debugf("connected to %s", host)
	return c, nil
}

func (c *Client) dialWebSocket(ctx context.Context, host string) (net.Conn, error) {
	d := &websocket.Dialer{
		TLSClientConfig:  c.tls,
		Subprotocols:     []string{WebSocketSubprotocol},
		HandshakeTimeout: 30 * time.Second,
	}
	if c.proxy != nil {
		switch c.proxy.Scheme {
		case "http", "https":
			d.Proxy = http.ProxyURL(c.proxy)
		default:
			pd, err := proxyDialer(c.proxy)
			if err != nil {
				return nil, err
			}
			d.NetDialContext = pd
		}
	}
	ws, res, err := d.DialContext(ctx, "wss://"+host+":443/$iothub/websocket", nil)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", res.Status, err)
		}
		return nil, err
	}
	return NewWebSocketConn(ws), nil
}

func (c *Client) dialProxy(ctx context.Context, host string) (net.Conn, error) {
	if c.proxy.Scheme == "http" || c.proxy.Scheme == "https" {
		return nil, errors.New("http proxies are supported only over websockets")
	}
	pd, err := proxyDialer(c.proxy)
	if err != nil {
		return nil, err
	}
	return pd(ctx, "tcp", net.JoinHostPort(host, "5671"))
}

func proxyDialer(u *url.URL) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}

// Client is an amqp connection with a single session.
type Client struct {
	mu     sync.Mutex
	conn   *amqp.Client
	opts   []amqp.ConnOption
	tls    *tls.Config
	ws     bool
	proxy  *url.URL
	sess   *amqp.Session
	done   chan struct{}
	logger common.Logger
}

func (c *Client) Sess() *amqp.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// TokenFunc returns a sas token valid for at least d.
type TokenFunc func(ctx context.Context, d time.Duration) (string, error)

// DefaultTokenLifetime is the lifetime of tokens put by PutTokenContinuously.
const DefaultTokenLifetime = time.Hour

// PutTokenContinuously writes token first time in blocking mode and returns
// maintaining token updates in the background until the client is closed.
//
// Tokens are renewed when 80% of lifetime passed so the hub
// never sees an expired one without interrupting the message flow.
func (c *Client) PutTokenContinuously(
	ctx context.Context,
	audience string,
	lifetime time.Duration,
	fn TokenFunc,
) error {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	token, err := fn(ctx, lifetime)
	if err != nil {
		return err
	}
	if err := c.PutToken(ctx, audience, token); err != nil {
		return err
	}

	go func() {
		renew := lifetime * 4 / 5
		ticker := time.NewTimer(renew)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				token, err := fn(context.Background(), lifetime)
				if err != nil {
					c.logger.Errorf("generate token error: %s", err)
					return
				}
				if err := c.PutToken(context.Background(), audience, token); err != nil {
					c.logger.Errorf("put token error: %s", err)
					return
				}
				c.logger.Debugf("token renewed for %s", audience)
				ticker.Reset(renew)
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

// PutToken authorizes the connection to access audience with the given token.
func (c *Client) PutToken(ctx context.Context, audience, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	send, err := c.sess.NewSender(
		amqp.LinkTargetAddress("$cbs"),
	)
	if err != nil {
		return err
	}
	defer send.Close(context.Background())

	recv, err := c.sess.NewReceiver(amqp.LinkSourceAddress("$cbs"))
	if err != nil {
		return err
	}
	defer recv.Close(context.Background())

	if err = send.Send(ctx, &amqp.Message{
		Value: token,
		Properties: &amqp.MessageProperties{
			To:      "$cbs",
			ReplyTo: "cbs",
		},
		ApplicationProperties: map[string]interface{}{
			"operation": "put-token",
			"type":      "servicebus.windows.net:sastoken",
			"name":      audience,
		},
	}); err != nil {
		return err
	}

	msg, err := recv.Receive(ctx)
	if err != nil {
		return err
	}
	if err = msg.Accept(); err != nil {
		return err
	}
	return CheckMessageResponse(msg)
}

// Close closes amqp session and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	if err := c.sess.Close(context.Background()); err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}

// StatusError is a non-200 management or cbs response.
type StatusError struct {
	Code        int32
	Description string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("code = %d, description = %q", e.Code, e.Description)
}

// CheckMessageResponse checks for 200 response code otherwise returns an error.
func CheckMessageResponse(msg *amqp.Message) error {
	rc, ok := msg.ApplicationProperties["status-code"].(int32)
	if !ok {
		return errors.New("unable to typecast status-code")
	}
	if rc == 200 {
		return nil
	}
	rd, _ := msg.ApplicationProperties["status-description"].(string)
	return &StatusError{Code: rc, Description: rd}
}
