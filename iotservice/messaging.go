package iotservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/amenzhinsky/iothubcore/common/commonamqp"
	"github.com/google/uuid"
	"pack.ag/amqp"
)

const (
	devicesBoundAddress = "/messages/devicebound"
	feedbackAddress     = "/messages/servicebound/feedback"
)

// FeedbackStatus is a cloud-to-device message delivery outcome.
type FeedbackStatus int

const (
	FeedbackSuccess FeedbackStatus = iota
	FeedbackExpired
	FeedbackDeliveryCountExceeded
	FeedbackRejected
	FeedbackUnknown
)

func (s FeedbackStatus) String() string {
	switch s {
	case FeedbackSuccess:
		return "Success"
	case FeedbackExpired:
		return "Expired"
	case FeedbackDeliveryCountExceeded:
		return "DeliveryCountExceeded"
	case FeedbackRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

func (s FeedbackStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *FeedbackStatus) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "Success":
		*s = FeedbackSuccess
	case "Expired":
		*s = FeedbackExpired
	case "DeliveryCountExceeded":
		*s = FeedbackDeliveryCountExceeded
	case "Rejected":
		*s = FeedbackRejected
	default:
		*s = FeedbackUnknown
	}
	return nil
}

// FeedbackRecord is the delivery outcome of a single message.
type FeedbackRecord struct {
	OriginalMessageID string         `json:"originalMessageId"`
	Description       string         `json:"description"`
	DeviceID          string         `json:"deviceId"`
	CorrelationID     string         `json:"correlationId"`
	GenerationID      string         `json:"deviceGenerationId"`
	EnqueuedTime      MicrosoftTime  `json:"enqueuedTimeUtc"`
	Status            FeedbackStatus `json:"statusCode"`
}

// FeedbackBatch is a group of records delivered in one feedback message.
type FeedbackBatch struct {
	UserID    string            `json:"userId"`
	LockToken string            `json:"lockToken"`
	Records   []*FeedbackRecord `json:"records"`
}

func parseFeedback(msg *amqp.Message) (*FeedbackBatch, error) {
	var b []byte
	if len(msg.Data) != 0 {
		b = msg.Data[0]
	}
	var records []*FeedbackRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("%w: feedback: %s", ErrInvalidJSON, err)
	}
	batch := &FeedbackBatch{Records: records}
	if msg.Properties != nil {
		batch.UserID = string(msg.Properties.UserID)
	}
	if v, ok := msg.Annotations["x-opt-lock-token"]; ok {
		batch.LockToken = fmt.Sprint(v)
	} else if id, err := uuid.FromBytes(msg.DeliveryTag); err == nil {
		batch.LockToken = id.String()
	}
	return batch, nil
}

type messageSender interface {
	Send(ctx context.Context, msg *amqp.Message) error
	Close(ctx context.Context) error
}

type feedbackReceiver interface {
	Receive(ctx context.Context) (*amqp.Message, error)
	Accept(ctx context.Context, msg *amqp.Message) error
	Close(ctx context.Context) error
}

// messagingConn is an authorized connection to the hub.
type messagingConn interface {
	newSender(ctx context.Context) (messageSender, error)
	newReceiver(ctx context.Context) (feedbackReceiver, error)
	Close() error
}

type amqpConn struct {
	c *commonamqp.Client
}

func (a *amqpConn) newSender(_ context.Context) (messageSender, error) {
	s, err := a.c.Sess().NewSender(
		amqp.LinkTargetAddress(devicesBoundAddress),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *amqpConn) newReceiver(_ context.Context) (feedbackReceiver, error) {
	r, err := a.c.Sess().NewReceiver(
		amqp.LinkSourceAddress(feedbackAddress),
	)
	if err != nil {
		return nil, err
	}
	return &amqpReceiver{r}, nil
}

func (a *amqpConn) Close() error {
	return a.c.Close()
}

type amqpReceiver struct {
	*amqp.Receiver
}

func (r *amqpReceiver) Accept(_ context.Context, msg *amqp.Message) error {
	return msg.Accept()
}

type messagingState int

const (
	stateIdle messagingState = iota
	stateOpening
	stateOpen
	stateClosed
)

type sendRequest struct {
	ctx context.Context
	msg *common.Message
	cb  func(err error)
}

// Messaging sends cloud-to-device messages and receives their delivery feedback.
type Messaging struct {
	*Client
	dial func(ctx context.Context) (messagingConn, error)

	mu       sync.RWMutex
	state    messagingState
	conn     messagingConn
	sendc    chan *sendRequest
	feedback func(*FeedbackBatch)
	watching bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending sync.WaitGroup // SendAsync calls waiting for queue space
}

// NewMessaging creates a messaging client sharing auth, it has to be opened before sending.
func NewMessaging(auth *Auth, opts ...ClientOption) (*Messaging, error) {
	c, err := New(auth, opts...)
	if err != nil {
		return nil, err
	}
	m := &Messaging{
		Client: c,
		sendc:  make(chan *sendRequest, 64),
	}
	m.dial = m.dialAMQP
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

func (m *Messaging) dialAMQP(ctx context.Context) (messagingConn, error) {
	c, err := commonamqp.Dial(ctx, m.HostName(),
		commonamqp.WithSASLAnonymous(),
		commonamqp.WithTLSConfig(m.tls),
		commonamqp.WithWebSocket(m.ws),
		commonamqp.WithLogger(m.logger),
	)
	if err != nil {
		return nil, err
	}
	if err = c.PutTokenContinuously(ctx, m.HostName(), tokenLifetime, m.auth.tokenFunc); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &amqpConn{c}, nil
}

var errAlreadyOpen = errors.New("messaging is already open")

// Open connects to the hub in the background and calls fn with the result,
// it can be called again after a failed attempt.
func (m *Messaging) Open(ctx context.Context, fn func(err error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateClosed:
		return ErrClosed
	case stateOpening, stateOpen:
		return errAlreadyOpen
	}
	m.state = stateOpening

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.open(ctx)
		if err != nil {
			m.logger.Errorf("messaging open error: %s", err)
		}
		if fn != nil {
			m.safeCall(func() { fn(err) })
		}
	}()
	return nil
}

func (m *Messaging) open(ctx context.Context) error {
	dctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	conn, err := m.dial(dctx)
	var send messageSender
	if err == nil {
		if send, err = conn.newSender(dctx); err != nil {
			_ = conn.Close()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateClosed {
		if err == nil {
			_ = send.Close(context.Background())
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		m.state = stateIdle
		return err
	}
	m.conn = conn
	m.state = stateOpen
	m.wg.Add(1)
	go m.sendLoop(send)
	if m.feedback != nil {
		m.watchFeedback()
	}
	m.logger.Infof("messaging connected to %s", m.HostName())
	return nil
}

// SendAsync queues msg for the named device, or module when moduleID is not empty.
// Messages are sent in order and cb is called once per message.
//
// The hub only produces feedback for messages with the iothub-ack property.
func (m *Messaging) SendAsync(
	ctx context.Context,
	deviceID, moduleID string,
	msg *common.Message,
	cb func(err error),
) error {
	if deviceID == "" {
		return errEmptyDeviceID
	}
	if msg == nil {
		return fmt.Errorf("%w: message is nil", ErrInvalidArg)
	}
	if cb == nil {
		return ErrCallbackNotSet
	}

	msg = msg.Clone()
	msg.To = deviceBoundTo(deviceID, moduleID)
	if msg.MessageID() == "" {
		if err := msg.SetMessageID(common.GenID()); err != nil {
			return err
		}
	}

	m.mu.RLock()
	if m.state != stateOpen {
		m.mu.RUnlock()
		return ErrNotOpen
	}
	m.pending.Add(1)
	m.mu.RUnlock()
	defer m.pending.Done()

	// blocks while the queue is full, Close unblocks it by cancelling m.ctx
	select {
	case m.sendc <- &sendRequest{ctx: ctx, msg: msg, cb: cb}:
		return nil
	case <-m.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func deviceBoundTo(deviceID, moduleID string) string {
	if moduleID == "" {
		return "/devices/" + url.PathEscape(deviceID) + devicesBoundAddress
	}
	return "/devices/" + url.PathEscape(deviceID) + "/modules/" + url.PathEscape(moduleID) + devicesBoundAddress
}

func (m *Messaging) sendLoop(send messageSender) {
	defer m.wg.Done()
	defer send.Close(context.Background())
	for {
		select {
		case req := <-m.sendc:
			err := req.ctx.Err()
			if err == nil {
				err = send.Send(m.ctx, commonamqp.ToAMQPMessage(req.msg))
			}
			if err != nil && m.ctx.Err() != nil {
				err = ErrClosed
			}
			m.safeCall(func() { req.cb(err) })
		case <-m.ctx.Done():
			return
		}
	}
}

// SetFeedbackCallback sets the callback receiving feedback batches,
// the feedback link is attached once messaging is open.
func (m *Messaging) SetFeedbackCallback(fn func(batch *FeedbackBatch)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateClosed {
		return ErrClosed
	}
	m.feedback = fn
	if fn != nil && m.state == stateOpen {
		m.watchFeedback()
	}
	return nil
}

// watchFeedback must be called with mu held.
func (m *Messaging) watchFeedback() {
	if m.watching {
		return
	}
	m.watching = true
	m.wg.Add(1)
	go m.feedbackLoop()
}

func (m *Messaging) feedbackLoop() {
	defer m.wg.Done()
	recv, err := m.conn.newReceiver(m.ctx)
	if err != nil {
		m.logger.Errorf("feedback link error: %s", err)
		m.mu.Lock()
		m.watching = false
		m.mu.Unlock()
		return
	}
	defer recv.Close(context.Background())

	for {
		msg, err := recv.Receive(m.ctx)
		if err != nil {
			if m.ctx.Err() == nil {
				m.logger.Errorf("feedback receive error: %s", err)
			}
			return
		}
		batch, err := parseFeedback(msg)
		if err := recv.Accept(m.ctx, msg); err != nil {
			m.logger.Warnf("feedback accept error: %s", err)
		}
		if err != nil {
			m.logger.Errorf("feedback parse error: %s", err)
			continue
		}

		m.mu.RLock()
		fn := m.feedback
		m.mu.RUnlock()
		if fn != nil {
			m.safeCall(func() { fn(batch) })
		}
	}
}

func (m *Messaging) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("messaging callback panicked: %v", r)
		}
	}()
	fn()
}

// Close stops sending, queued messages complete with ErrClosed.
func (m *Messaging) Close() error {
	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = stateClosed
	conn := m.conn
	m.mu.Unlock()

	m.cancel()
	m.pending.Wait()
	m.wg.Wait()
	for len(m.sendc) != 0 {
		req := <-m.sendc
		m.safeCall(func() { req.cb(ErrClosed) })
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if cerr := m.Client.Close(); err == nil {
		err = cerr
	}
	return err
}
