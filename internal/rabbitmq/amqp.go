package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker connections. The default implementation dials AMQP
// 0-9-1 over TCP; tests substitute mocks.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// Connection is the subset of an AMQP connection the pool needs.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Channel is the subset of an AMQP channel used by sessions and topology
// setup. *amqp091.Channel satisfies it directly.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(ret chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	IsClosed() bool
	Close() error
}

// AMQPDialer dials real broker connections with a bounded handshake timeout.
type AMQPDialer struct {
	Timeout time.Duration
}

// NewAMQPDialer creates a dialer with the given connect timeout.
func NewAMQPDialer(timeout time.Duration) *AMQPDialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AMQPDialer{Timeout: timeout}
}

// Dial establishes a connection. The dial runs in a goroutine so the caller's
// context bounds the wait even if the TCP handshake stalls.
func (d *AMQPDialer) Dial(ctx context.Context, url string) (Connection, error) {
	type dialResult struct {
		conn *amqp.Connection
		err  error
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Dial: amqp.DefaultDial(d.Timeout),
		})
		resultCh <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return &amqpConnection{conn: res.conn}, nil
	case <-dialCtx.Done():
		// The dial goroutine closes any late connection.
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// amqpConnection adapts *amqp.Connection to the Connection interface.
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}
