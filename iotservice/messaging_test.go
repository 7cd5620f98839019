package iotservice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/fortytw2/leaktest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pack.ag/amqp"
)

const waitTimeout = 5 * time.Second

type fakeSender struct {
	mu   sync.Mutex
	sent []*amqp.Message
	err  error
}

func (s *fakeSender) Send(ctx context.Context, msg *amqp.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) Close(context.Context) error { return nil }

type fakeReceiver struct {
	msgc     chan *amqp.Message
	accepted chan *amqp.Message
}

func (r *fakeReceiver) Receive(ctx context.Context) (*amqp.Message, error) {
	select {
	case msg := <-r.msgc:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *fakeReceiver) Accept(_ context.Context, msg *amqp.Message) error {
	r.accepted <- msg
	return nil
}

func (r *fakeReceiver) Close(context.Context) error { return nil }

type fakeConn struct {
	send   *fakeSender
	recv   *fakeReceiver
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		send: &fakeSender{},
		recv: &fakeReceiver{
			msgc:     make(chan *amqp.Message, 8),
			accepted: make(chan *amqp.Message, 8),
		},
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) newSender(context.Context) (messageSender, error)      { return c.send, nil }
func (c *fakeConn) newReceiver(context.Context) (feedbackReceiver, error) { return c.recv, nil }

func (c *fakeConn) Close() error {
	close(c.closed)
	return nil
}

func newTestMessaging(t *testing.T, dial func(ctx context.Context) (messagingConn, error)) *Messaging {
	t.Helper()
	auth := newTestAuth(t)
	defer auth.Release()
	m, err := NewMessaging(auth, WithLogger(testLogger(t)))
	require.NoError(t, err)
	m.dial = dial
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func openMessaging(t *testing.T, m *Messaging) {
	t.Helper()
	errc := make(chan error, 1)
	require.NoError(t, m.Open(context.Background(), func(err error) { errc <- err }))
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("open timed out")
	}
}

func results() (func(err error), <-chan error) {
	c := make(chan error, 128)
	return func(err error) { c <- err }, c
}

func TestMessagingSendBeforeOpen(t *testing.T) {
	t.Parallel()
	m := newTestMessaging(t, func(context.Context) (messagingConn, error) {
		return newFakeConn(), nil
	})
	msg, err := common.NewMessageFromString("hello")
	require.NoError(t, err)

	cb, _ := results()
	assert.ErrorIs(t, m.SendAsync(context.Background(), "dev", "", msg, cb), ErrNotOpen)
	assert.ErrorIs(t, m.SendAsync(context.Background(), "dev", "", msg, nil), ErrCallbackNotSet)
	assert.ErrorIs(t, m.SendAsync(context.Background(), "", "", msg, cb), ErrInvalidArg)
	assert.ErrorIs(t, m.SendAsync(context.Background(), "dev", "", nil, cb), ErrInvalidArg)
}

func TestMessagingSend(t *testing.T) {
	defer leaktest.Check(t)()
	conn := newFakeConn()
	m := newTestMessaging(t, func(context.Context) (messagingConn, error) {
		return conn, nil
	})
	openMessaging(t, m)

	cb, resc := results()
	for i, to := range []struct{ device, module string }{{"dev", ""}, {"dev", "mod"}} {
		msg, err := common.NewMessageFromString("hello")
		require.NoError(t, err)
		require.NoError(t, msg.Properties().Add("iothub-ack", "full"))
		if i == 1 {
			require.NoError(t, msg.SetMessageID("fixed"))
		}
		require.NoError(t, m.SendAsync(context.Background(), to.device, to.module, msg, cb))
		assert.Empty(t, msg.To)
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-resc:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("send timed out")
		}
	}

	conn.send.mu.Lock()
	sent := conn.send.sent
	conn.send.mu.Unlock()
	require.Len(t, sent, 2)
	assert.Equal(t, "/devices/dev/messages/devicebound", sent[0].Properties.To)
	assert.NotEmpty(t, sent[0].Properties.MessageID)
	assert.Equal(t, "full", sent[0].ApplicationProperties["iothub-ack"])
	assert.Equal(t, "/devices/dev/modules/mod/messages/devicebound", sent[1].Properties.To)
	assert.Equal(t, "fixed", sent[1].Properties.MessageID)

	require.NoError(t, m.Close())
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection is not closed")
	}
}

func TestMessagingSendError(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.send.err = errors.New("link detached")
	m := newTestMessaging(t, func(context.Context) (messagingConn, error) {
		return conn, nil
	})
	openMessaging(t, m)

	msg, err := common.NewMessageFromBytes([]byte{1, 2})
	require.NoError(t, err)
	cb, resc := results()
	require.NoError(t, m.SendAsync(context.Background(), "dev", "", msg, cb))
	select {
	case err := <-resc:
		assert.EqualError(t, err, "link detached")
	case <-time.After(waitTimeout):
		t.Fatal("send timed out")
	}
}

func TestMessagingOpenFailure(t *testing.T) {
	t.Parallel()
	var attempts int
	m := newTestMessaging(t, func(context.Context) (messagingConn, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("unauthorized")
		}
		return newFakeConn(), nil
	})

	errc := make(chan error, 1)
	require.NoError(t, m.Open(context.Background(), func(err error) { errc <- err }))
	select {
	case err := <-errc:
		assert.EqualError(t, err, "unauthorized")
	case <-time.After(waitTimeout):
		t.Fatal("open timed out")
	}

	msg, err := common.NewMessageFromString("x")
	require.NoError(t, err)
	cb, _ := results()
	assert.ErrorIs(t, m.SendAsync(context.Background(), "dev", "", msg, cb), ErrNotOpen)

	openMessaging(t, m)
	assert.Error(t, m.Open(context.Background(), nil))
}

func TestMessagingCloseDuringOpen(t *testing.T) {
	defer leaktest.Check(t)()
	started := make(chan struct{})
	m := newTestMessaging(t, func(ctx context.Context) (messagingConn, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errc := make(chan error, 1)
	require.NoError(t, m.Open(context.Background(), func(err error) { errc <- err }))
	<-started
	require.NoError(t, m.Close())
	assert.ErrorIs(t, <-errc, ErrClosed)
	assert.ErrorIs(t, m.Open(context.Background(), nil), ErrClosed)
	assert.ErrorIs(t, m.SetFeedbackCallback(func(*FeedbackBatch) {}), ErrClosed)
}

// stuckSender doesn't complete a send until released or its context is cancelled.
type stuckSender struct {
	entered chan struct{}
	release chan struct{}
}

func (s *stuckSender) Send(ctx context.Context, _ *amqp.Message) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
		return errors.New("link detached")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stuckSender) Close(context.Context) error { return nil }

type stuckConn struct {
	*fakeConn
	send *stuckSender
}

func (c *stuckConn) newSender(context.Context) (messageSender, error) { return c.send, nil }

func TestMessagingCloseWithFullQueue(t *testing.T) {
	defer leaktest.Check(t)()
	conn := &stuckConn{fakeConn: newFakeConn(), send: &stuckSender{entered: make(chan struct{}, 1)}}
	m := newTestMessaging(t, func(context.Context) (messagingConn, error) {
		return conn, nil
	})
	openMessaging(t, m)

	msg, err := common.NewMessageFromString("hello")
	require.NoError(t, err)
	cb, resc := results()

	// the first message occupies the sender, the rest fill up the queue
	require.NoError(t, m.SendAsync(context.Background(), "dev", "", msg, cb))
	select {
	case <-conn.send.entered:
	case <-time.After(waitTimeout):
		t.Fatal("sender is not called")
	}
	for i := 0; i < cap(m.sendc); i++ {
		require.NoError(t, m.SendAsync(context.Background(), "dev", "", msg, cb))
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- m.SendAsync(context.Background(), "dev", "", msg, cb)
	}()
	time.Sleep(100 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Close is blocked by a pending send")
	}
	assert.ErrorIs(t, <-blocked, ErrClosed)

	require.Len(t, resc, cap(m.sendc)+1)
	for i := 0; i < cap(m.sendc)+1; i++ {
		assert.ErrorIs(t, <-resc, ErrClosed)
	}
}

func TestMessagingCallbackSendsOnFullQueue(t *testing.T) {
	defer leaktest.Check(t)()
	conn := &stuckConn{fakeConn: newFakeConn(), send: &stuckSender{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}}
	m := newTestMessaging(t, func(context.Context) (messagingConn, error) {
		return conn, nil
	})
	openMessaging(t, m)

	msg, err := common.NewMessageFromString("hello")
	require.NoError(t, err)
	cb, resc := results()

	resent := make(chan error, 1)
	require.NoError(t, m.SendAsync(context.Background(), "dev", "", msg, func(err error) {
		// runs on the send loop while the queue is full
		resent <- m.SendAsync(context.Background(), "dev", "", msg, cb)
	}))
	<-conn.send.entered
	for i := 0; i < cap(m.sendc); i++ {
		require.NoError(t, m.SendAsync(context.Background(), "dev", "", msg, cb))
	}
	conn.send.release <- struct{}{}
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, <-resent, ErrClosed)
	assert.Len(t, resc, cap(m.sendc))
}

func TestMessagingFeedback(t *testing.T) {
	defer leaktest.Check(t)()
	conn := newFakeConn()
	m := newTestMessaging(t, func(context.Context) (messagingConn, error) {
		return conn, nil
	})
	openMessaging(t, m)

	batches := make(chan *FeedbackBatch, 1)
	require.NoError(t, m.SetFeedbackCallback(func(b *FeedbackBatch) {
		batches <- b
	}))

	tag := uuid.MustParse("0b1bd9a4-f4a3-4b62-9b2b-1b9a8f33e0d1")
	conn.recv.msgc <- &amqp.Message{
		Data: [][]byte{[]byte(`[
			{"originalMessageId":"m1","description":"Success","deviceGenerationId":"g1","deviceId":"dev","enqueuedTimeUtc":"2021-03-04T05:06:07.1234567Z","statusCode":"Success"},
			{"originalMessageId":"m2","deviceId":"dev","statusCode":"Expired"},
			{"originalMessageId":"m3","deviceId":"dev","statusCode":"DeliveryCountExceeded"},
			{"originalMessageId":"m4","deviceId":"dev","statusCode":"Rejected"},
			{"originalMessageId":"m5","deviceId":"dev","statusCode":"Purged"}
		]`)},
		Properties:  &amqp.MessageProperties{UserID: []byte("hub")},
		DeliveryTag: tag[:],
	}

	var b *FeedbackBatch
	select {
	case b = <-batches:
	case <-time.After(waitTimeout):
		t.Fatal("no feedback received")
	}
	assert.Equal(t, "hub", b.UserID)
	assert.Equal(t, tag.String(), b.LockToken)
	require.Len(t, b.Records, 5)
	assert.Equal(t, "g1", b.Records[0].GenerationID)
	assert.Equal(t, 2021, b.Records[0].EnqueuedTime.Year())

	var statuses []FeedbackStatus
	for _, r := range b.Records {
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []FeedbackStatus{
		FeedbackSuccess,
		FeedbackExpired,
		FeedbackDeliveryCountExceeded,
		FeedbackRejected,
		FeedbackUnknown,
	}, statuses)
	<-conn.recv.accepted

	// malformed batches are settled and skipped
	conn.recv.msgc <- &amqp.Message{Data: [][]byte{[]byte(`{`)}}
	<-conn.recv.accepted
	require.NoError(t, m.Close())
	assert.Empty(t, batches)
}

func TestMessagingCallbackPanic(t *testing.T) {
	t.Parallel()
	m := newTestMessaging(t, func(context.Context) (messagingConn, error) {
		return newFakeConn(), nil
	})
	openMessaging(t, m)

	msg, err := common.NewMessageFromString("x")
	require.NoError(t, err)
	done := make(chan struct{})
	require.NoError(t, m.SendAsync(context.Background(), "dev", "", msg, func(error) {
		defer close(done)
		panic("boom")
	}))
	<-done

	cb, resc := results()
	require.NoError(t, m.SendAsync(context.Background(), "dev", "", msg, cb))
	select {
	case err := <-resc:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("send loop stopped after a panic")
	}
}

func TestFeedbackStatusString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "DeliveryCountExceeded", FeedbackDeliveryCountExceeded.String())
	assert.Equal(t, "Unknown", FeedbackStatus(42).String())
}
