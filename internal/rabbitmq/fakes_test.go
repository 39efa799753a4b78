package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeDialer hands out scripted connections, failing the first len(dialErrs)
// attempts.
type fakeDialer struct {
	mu       sync.Mutex
	dialErrs []error
	dials    int
	conns    []*fakeConnection
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := newFakeConnection()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeConnection struct {
	mu       sync.Mutex
	closed   bool
	channels []*fakeChannel
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{}
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeChannel is a stateful in-memory channel: publishes auto-confirm unless
// scripted otherwise, Get serves queued deliveries, and declarations are
// recorded for assertion.
type fakeChannel struct {
	mu     sync.Mutex
	closed bool

	confirms chan amqp.Confirmation
	returns  chan amqp.Return

	publishSeq  uint64
	publishErr  error
	confirmAck  bool
	skipConfirm bool
	returnNext  *amqp.Return

	deliveries []amqp.Delivery
	getErr     error

	ackErr  error
	nackErr error
	acked   []uint64
	nacked  []uint64

	qosCount    int
	confirmMode bool

	exchanges []declaredExchange
	queues    []declaredQueue
	bindings  []declaredBinding

	exchangeErr map[string]error
	queueErr    map[string]error
}

type declaredExchange struct {
	name, kind string
	durable    bool
	args       amqp.Table
}

type declaredQueue struct {
	name    string
	durable bool
	args    amqp.Table
}

type declaredBinding struct {
	queue, key, exchange string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{confirmAck: true}
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.qosCount = prefetchCount
	return nil
}

func (ch *fakeChannel) Confirm(noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirmMode = true
	return nil
}

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.confirms = confirm
	return confirm
}

func (ch *fakeChannel) NotifyReturn(ret chan amqp.Return) chan amqp.Return {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.returns = ret
	return ret
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.publishErr != nil {
		return ch.publishErr
	}

	ch.publishSeq++
	if ch.returnNext != nil {
		ch.returns <- *ch.returnNext
		ch.returnNext = nil
	}
	if !ch.skipConfirm {
		ch.confirms <- amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: ch.confirmAck}
	}
	return nil
}

func (ch *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.getErr != nil {
		return amqp.Delivery{}, false, ch.getErr
	}
	if len(ch.deliveries) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := ch.deliveries[0]
	ch.deliveries = ch.deliveries[1:]
	return d, true, nil
}

func (ch *fakeChannel) enqueue(d amqp.Delivery) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.deliveries = append(ch.deliveries, d)
}

func (ch *fakeChannel) Ack(tag uint64, multiple bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.ackErr != nil {
		return ch.ackErr
	}
	ch.acked = append(ch.acked, tag)
	return nil
}

func (ch *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.nackErr != nil {
		return ch.nackErr
	}
	ch.nacked = append(ch.nacked, tag)
	return nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err, ok := ch.exchangeErr[name]; ok {
		return err
	}
	ch.exchanges = append(ch.exchanges, declaredExchange{name: name, kind: kind, durable: durable, args: args})
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err, ok := ch.queueErr[name]; ok {
		return amqp.Queue{}, err
	}
	ch.queues = append(ch.queues, declaredQueue{name: name, durable: durable, args: args})
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bindings = append(ch.bindings, declaredBinding{queue: name, key: key, exchange: exchange})
	return nil
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return nil
}
