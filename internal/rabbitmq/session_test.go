package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T) (*Session, *fakeChannel, *fakeChannel) {
	t.Helper()

	conn := newFakeConnection()
	pubRaw, err := conn.Channel()
	require.NoError(t, err)
	conRaw, err := conn.Channel()
	require.NoError(t, err)

	pub := pubRaw.(*fakeChannel)
	con := conRaw.(*fakeChannel)

	return newSession(conn, pub, con, "alice", testLogger()), pub, con
}

func TestSessionPublish(t *testing.T) {
	t.Run("publishes and waits for confirmation", func(t *testing.T) {
		s, pub, _ := newTestSession(t)

		err := s.Publish(context.Background(), "orders", "orders.created",
			amqp.Publishing{Body: []byte(`{}`)}, false, time.Second)

		assert.NoError(t, err)
		assert.Equal(t, uint64(1), pub.publishSeq)
	})

	t.Run("broker nack is a publish error", func(t *testing.T) {
		s, pub, _ := newTestSession(t)
		pub.confirmAck = false

		err := s.Publish(context.Background(), "orders", "k",
			amqp.Publishing{}, false, time.Second)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.ErrorIs(t, err, ErrPublishNacked)
	})

	t.Run("confirmation timeout is a distinct error", func(t *testing.T) {
		s, pub, _ := newTestSession(t)
		pub.skipConfirm = true

		err := s.Publish(context.Background(), "orders", "k",
			amqp.Publishing{}, false, 50*time.Millisecond)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.ErrorIs(t, err, ErrConfirmTimeout)
	})

	t.Run("mandatory unroutable message surfaces as failure", func(t *testing.T) {
		s, pub, _ := newTestSession(t)
		pub.returnNext = &amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE"}

		err := s.Publish(context.Background(), "orders", "nowhere",
			amqp.Publishing{}, true, time.Second)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMessageReturned)
		assert.Contains(t, err.Error(), "NO_ROUTE")
	})

	t.Run("stale return from a timed-out publish does not fail the next", func(t *testing.T) {
		s, pub, _ := newTestSession(t)
		pub.skipConfirm = true

		err := s.Publish(context.Background(), "orders", "k",
			amqp.Publishing{}, true, 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrConfirmTimeout)

		// The unroutable return shows up only after the caller gave up.
		pub.returns <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE"}
		pub.skipConfirm = false

		err = s.Publish(context.Background(), "orders", "k",
			amqp.Publishing{}, true, time.Second)
		assert.NoError(t, err)
	})

	t.Run("access refusal surfaces as connection error", func(t *testing.T) {
		s, pub, _ := newTestSession(t)
		pub.publishErr = &amqp.Error{Code: amqp.AccessRefused, Reason: "access to exchange refused"}

		err := s.Publish(context.Background(), "forbidden", "k",
			amqp.Publishing{}, false, time.Second)

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})

	t.Run("closed channel maps to channel closed", func(t *testing.T) {
		s, pub, _ := newTestSession(t)
		pub.publishErr = amqp.ErrClosed

		err := s.Publish(context.Background(), "orders", "k",
			amqp.Publishing{}, false, time.Second)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.ErrorIs(t, err, ErrChannelClosed)
	})
}

func TestSessionConsumeOne(t *testing.T) {
	t.Run("returns nil when queue stays empty for the timeout", func(t *testing.T) {
		s, _, _ := newTestSession(t)

		start := time.Now()
		msg, err := s.ConsumeOne(context.Background(), "q", 200*time.Millisecond, 20*time.Millisecond, false)
		elapsed := time.Since(start)

		assert.NoError(t, err)
		assert.Nil(t, msg)
		assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
		assert.Less(t, elapsed, time.Second)
	})

	t.Run("tracks delivery for manual settlement", func(t *testing.T) {
		s, _, con := newTestSession(t)
		con.enqueue(amqp.Delivery{
			DeliveryTag: 7,
			Body:        []byte(`{"a":1}`),
			ContentType: ContentTypeJSON,
			RoutingKey:  "orders.created",
			Exchange:    "orders",
		})

		msg, err := s.ConsumeOne(context.Background(), "q", time.Second, 10*time.Millisecond, false)

		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, uint64(7), msg.DeliveryTag)
		assert.Equal(t, map[string]any{"a": float64(1)}, msg.Body)
		assert.Equal(t, "orders.created", msg.RoutingKey)
		assert.Equal(t, 1, s.PendingCount())
	})

	t.Run("auto-ack deliveries are not tracked", func(t *testing.T) {
		s, _, con := newTestSession(t)
		con.enqueue(amqp.Delivery{DeliveryTag: 3, Body: []byte("hi")})

		msg, err := s.ConsumeOne(context.Background(), "q", time.Second, 10*time.Millisecond, true)

		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, 0, s.PendingCount())
	})

	t.Run("delivery without a usable tag is surfaced but never tracked", func(t *testing.T) {
		s, _, con := newTestSession(t)
		con.enqueue(amqp.Delivery{Body: []byte("x")})

		msg, err := s.ConsumeOne(context.Background(), "q", time.Second, 10*time.Millisecond, false)

		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, 0, s.PendingCount())
		// Tag 0 cannot be settled individually, so no broker call is made.
		assert.Empty(t, con.acked)
	})

	t.Run("pull failure is a consume error", func(t *testing.T) {
		s, _, con := newTestSession(t)
		con.getErr = errors.New("basic.get failed")

		_, err := s.ConsumeOne(context.Background(), "q", time.Second, 10*time.Millisecond, false)

		var consErr *ConsumeError
		require.ErrorAs(t, err, &consErr)
		assert.Equal(t, "q", consErr.Queue)
	})

	t.Run("context cancellation stops the wait", func(t *testing.T) {
		s, _, _ := newTestSession(t)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		_, err := s.ConsumeOne(ctx, "q", 5*time.Second, 10*time.Millisecond, false)

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSessionAcknowledge(t *testing.T) {
	consume := func(t *testing.T, s *Session, con *fakeChannel, tag uint64) {
		t.Helper()
		con.enqueue(amqp.Delivery{DeliveryTag: tag, Body: []byte("x")})
		_, err := s.ConsumeOne(context.Background(), "q", time.Second, 10*time.Millisecond, false)
		require.NoError(t, err)
	}

	t.Run("acknowledges a tracked delivery", func(t *testing.T) {
		s, _, con := newTestSession(t)
		consume(t, s, con, 5)

		ok, err := s.Acknowledge(5)

		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []uint64{5}, con.acked)
		assert.Equal(t, 0, s.PendingCount())
	})

	t.Run("unknown tag returns false without error", func(t *testing.T) {
		s, _, _ := newTestSession(t)

		ok, err := s.Acknowledge(99)

		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("second acknowledge of the same tag returns false", func(t *testing.T) {
		s, _, con := newTestSession(t)
		consume(t, s, con, 5)

		ok, _ := s.Acknowledge(5)
		assert.True(t, ok)

		ok, err := s.Acknowledge(5)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("broker failure restores the pending entry", func(t *testing.T) {
		s, _, con := newTestSession(t)
		consume(t, s, con, 5)
		con.ackErr = errors.New("channel gone")

		ok, err := s.Acknowledge(5)

		assert.False(t, ok)
		assert.Error(t, err)
		assert.Equal(t, 1, s.PendingCount())

		// Still settleable once the broker recovers.
		con.ackErr = nil
		ok, err = s.Acknowledge(5)
		assert.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestSessionReject(t *testing.T) {
	t.Run("rejects with requeue", func(t *testing.T) {
		s, _, con := newTestSession(t)
		con.enqueue(amqp.Delivery{DeliveryTag: 9, Body: []byte("x")})
		_, err := s.ConsumeOne(context.Background(), "q", time.Second, 10*time.Millisecond, false)
		require.NoError(t, err)

		ok, err := s.Reject(9, true)

		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []uint64{9}, con.nacked)
		assert.Equal(t, 0, s.PendingCount())
	})

	t.Run("unknown tag returns false", func(t *testing.T) {
		s, _, _ := newTestSession(t)

		ok, err := s.Reject(42, false)

		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("broker failure restores the pending entry", func(t *testing.T) {
		s, _, con := newTestSession(t)
		con.enqueue(amqp.Delivery{DeliveryTag: 9, Body: []byte("x")})
		_, err := s.ConsumeOne(context.Background(), "q", time.Second, 10*time.Millisecond, false)
		require.NoError(t, err)
		con.nackErr = errors.New("channel gone")

		ok, err := s.Reject(9, false)

		assert.False(t, ok)
		assert.Error(t, err)
		assert.Equal(t, 1, s.PendingCount())
	})
}

func TestSessionClose(t *testing.T) {
	s, pub, con := newTestSession(t)
	con.enqueue(amqp.Delivery{DeliveryTag: 1, Body: []byte("x")})
	_, err := s.ConsumeOne(context.Background(), "q", time.Second, 10*time.Millisecond, false)
	require.NoError(t, err)

	assert.NoError(t, s.Close())

	assert.True(t, pub.IsClosed())
	assert.True(t, con.IsClosed())
	assert.True(t, s.IsClosed())
	assert.Equal(t, 0, s.PendingCount())
}
