package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Session is one tenant's live broker connection: a single physical
// connection with a publish channel (in confirm mode) and a consume channel,
// plus the table of deliveries received but not yet settled. A session's
// channels are never shared across tenants.
type Session struct {
	conn  Connection
	pubCh Channel
	conCh Channel

	confirms   chan amqp.Confirmation
	returns    chan amqp.Return
	publishMu  sync.Mutex // serializes confirm waits on the publish channel
	publishSeq uint64     // delivery tag of the last publish, guarded by publishMu

	pendingMu sync.Mutex
	pending   map[uint64]amqp.Delivery

	lastUsed atomic.Int64 // unix nanos
	user     string
	logger   *slog.Logger
}

func newSession(conn Connection, pubCh, conCh Channel, user string, logger *slog.Logger) *Session {
	s := &Session{
		conn:     conn,
		pubCh:    pubCh,
		conCh:    conCh,
		confirms: pubCh.NotifyPublish(make(chan amqp.Confirmation, 16)),
		returns:  pubCh.NotifyReturn(make(chan amqp.Return, 16)),
		pending:  make(map[uint64]amqp.Delivery),
		user:     user,
		logger:   logger,
	}
	s.Touch()
	return s
}

// Touch refreshes the session's last-used timestamp.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed returns the time of the session's last operation.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// IsClosed reports whether the underlying connection is closed. A closed
// session must be evicted and replaced, never reused.
func (s *Session) IsClosed() bool {
	return s.conn == nil || s.conn.IsClosed()
}

// PendingCount returns the number of unacknowledged tracked deliveries.
func (s *Session) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Publish sends one message and waits for broker confirmation within the
// timeout. A mandatory message returned as unroutable is a failure, not a
// silent drop.
func (s *Session) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing, mandatory bool, timeout time.Duration) error {
	s.Touch()
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	// A basic.return left buffered by an earlier timed-out publish must not
	// be attributed to this one.
	if !s.drainReturns() {
		return s.publishError(exchange, routingKey, mandatory, ErrChannelClosed)
	}

	if err := s.pubCh.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		return s.publishError(exchange, routingKey, mandatory, classifyChannelError(err))
	}
	s.publishSeq++

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ret, ok := <-s.returns:
			if !ok {
				return s.publishError(exchange, routingKey, mandatory, ErrChannelClosed)
			}
			return s.publishError(exchange, routingKey, mandatory,
				fmt.Errorf("%w: %s (%d)", ErrMessageReturned, ret.ReplyText, ret.ReplyCode))

		case confirm, ok := <-s.confirms:
			if !ok {
				return s.publishError(exchange, routingKey, mandatory, ErrChannelClosed)
			}
			if confirm.DeliveryTag < s.publishSeq {
				// Stale confirmation from an earlier timed-out publish.
				continue
			}
			if !confirm.Ack {
				return s.publishError(exchange, routingKey, mandatory, ErrPublishNacked)
			}
			if mandatory {
				// A basic.return for this message is dispatched before its
				// confirmation, so a non-blocking read is sufficient.
				select {
				case ret := <-s.returns:
					return s.publishError(exchange, routingKey, mandatory,
						fmt.Errorf("%w: %s (%d)", ErrMessageReturned, ret.ReplyText, ret.ReplyCode))
				default:
				}
			}
			return nil

		case <-timer.C:
			return s.publishError(exchange, routingKey, mandatory,
				fmt.Errorf("%w after %v", ErrConfirmTimeout, timeout))

		case <-ctx.Done():
			return s.publishError(exchange, routingKey, mandatory, ctx.Err())
		}
	}
}

// ConsumeOne performs a single bounded-wait pull from the queue. It returns
// (nil, nil) when no message arrives within the timeout. Unless autoAck is
// set, the delivery is tracked in the pending table for later settlement.
func (s *Session) ConsumeOne(ctx context.Context, queue string, timeout, pollInterval time.Duration, autoAck bool) (*ConsumedMessage, error) {
	s.Touch()
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for {
		delivery, ok, err := s.conCh.Get(queue, autoAck)
		if err != nil {
			return nil, &ConsumeError{Queue: queue, Op: "get", Err: classifyChannelError(err), Timestamp: time.Now()}
		}
		if ok {
			if !autoAck {
				s.track(queue, delivery)
			}
			return newConsumedMessage(delivery), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := pollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// track stores a delivery for manual settlement. Tag 0 can only be settled
// with multiple=true, which would sweep unrelated deliveries, so such a
// delivery is left to the broker's unacked handling instead of acked with a
// protocol error. basic.get never yields tag 0 in practice.
func (s *Session) track(queue string, delivery amqp.Delivery) {
	if delivery.DeliveryTag == 0 {
		s.logger.Warn("delivery has no usable tag, not tracked for settlement",
			"queue", queue, "user", s.user)
		return
	}

	s.pendingMu.Lock()
	s.pending[delivery.DeliveryTag] = delivery
	s.pendingMu.Unlock()
}

// drainReturns discards buffered returns so the next publish starts with an
// empty return stream. Reports false when the channel is gone.
func (s *Session) drainReturns() bool {
	for {
		select {
		case _, ok := <-s.returns:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

// Acknowledge settles a tracked delivery. It returns false when the tag is
// unknown (already settled or never existed). A broker-level failure puts
// the delivery back in the pending table and is returned to the caller.
func (s *Session) Acknowledge(deliveryTag uint64) (bool, error) {
	s.Touch()
	s.pendingMu.Lock()
	delivery, ok := s.pending[deliveryTag]
	if ok {
		delete(s.pending, deliveryTag)
	}
	s.pendingMu.Unlock()

	if !ok {
		return false, nil
	}

	if err := s.conCh.Ack(deliveryTag, false); err != nil {
		s.restore(deliveryTag, delivery)
		return false, &ConsumeError{Op: "ack", Err: classifyChannelError(err), Timestamp: time.Now()}
	}
	return true, nil
}

// Reject negatively settles a tracked delivery, optionally requeueing it.
// Semantics mirror Acknowledge for unknown tags and broker failures.
func (s *Session) Reject(deliveryTag uint64, requeue bool) (bool, error) {
	s.Touch()
	s.pendingMu.Lock()
	delivery, ok := s.pending[deliveryTag]
	if ok {
		delete(s.pending, deliveryTag)
	}
	s.pendingMu.Unlock()

	if !ok {
		return false, nil
	}

	if err := s.conCh.Nack(deliveryTag, false, requeue); err != nil {
		s.restore(deliveryTag, delivery)
		return false, &ConsumeError{Op: "reject", Err: classifyChannelError(err), Timestamp: time.Now()}
	}
	return true, nil
}

func (s *Session) restore(deliveryTag uint64, delivery amqp.Delivery) {
	s.pendingMu.Lock()
	s.pending[deliveryTag] = delivery
	s.pendingMu.Unlock()
}

// PublishChannel exposes the publish-side channel for topology declaration.
func (s *Session) PublishChannel() Channel {
	return s.pubCh
}

// Close releases both channels and the connection, clearing the pending
// table. Individual close failures are collected, not fatal: a misbehaving
// channel must not leak the connection behind it.
func (s *Session) Close() error {
	var errs []error

	if s.conCh != nil && !s.conCh.IsClosed() {
		if err := s.conCh.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consume channel: %w", err))
		}
	}
	if s.pubCh != nil && !s.pubCh.IsClosed() {
		if err := s.pubCh.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publish channel: %w", err))
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection: %w", err))
		}
	}

	s.pendingMu.Lock()
	s.pending = make(map[uint64]amqp.Delivery)
	s.pendingMu.Unlock()

	return errors.Join(errs...)
}

func (s *Session) publishError(exchange, routingKey string, mandatory bool, err error) error {
	// Access refusals during publish indicate a credential problem, not a
	// publish problem.
	if errors.Is(err, ErrAuthenticationFailed) {
		return &ConnectionError{Op: "publish", Err: err, Timestamp: time.Now()}
	}
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  mandatory,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// classifyChannelError maps broker errors onto the package's sentinels so
// callers can distinguish authentication failures and closed channels from
// protocol errors.
func classifyChannelError(err error) error {
	if err == nil {
		return nil
	}
	if IsAuthenticationError(err) {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return err
}
