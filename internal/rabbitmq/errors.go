package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed     = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout    = errors.New("rabbitmq: connection timeout")
	ErrRetriesExhausted     = errors.New("rabbitmq: connection retry attempts exhausted")
	ErrAuthenticationFailed = errors.New("rabbitmq: authentication failed")
	ErrPoolClosed           = errors.New("rabbitmq: session pool is closed")

	// Publish errors
	ErrConfirmTimeout   = errors.New("rabbitmq: publish confirmation timeout")
	ErrPublishNacked    = errors.New("rabbitmq: publish not confirmed by broker")
	ErrMessageReturned  = errors.New("rabbitmq: mandatory message returned as unroutable")
	ErrChannelClosed    = errors.New("rabbitmq: channel is closed")

	// Validation errors
	ErrMessageTooLarge = errors.New("rabbitmq: message exceeds maximum size")
	ErrInvalidName     = errors.New("rabbitmq: invalid resource name")
)

// ConnectionError represents a failure to establish or use a session's
// connection, including authentication failures and exhausted retries.
type ConnectionError struct {
	Op        string
	URL       string // sanitized
	Err       error
	Attempts  int
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation failure after the broker was
// consulted: confirmation timeout, closed channel, returned mandatory
// message, or protocol error.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: %s/%s (mandatory=%v): %v",
		e.Exchange, e.RoutingKey, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumeError represents a failure during a pull, acknowledge, or reject.
type ConsumeError struct {
	Queue     string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("rabbitmq consume error: %s failed on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumeError) Unwrap() error {
	return e.Err
}

// TopologyError represents an exchange, queue, or binding declaration failure.
type TopologyError struct {
	Component string // exchange, queue, binding
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s %q: %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// ValidationError represents caller input rejected before any broker call.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rabbitmq validation error: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsAuthenticationError reports whether err indicates the broker refused the
// credentials, as opposed to a transient network failure. Such errors are not
// retried during session creation.
func IsAuthenticationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthenticationFailed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.AccessRefused || amqpErr.Code == amqp.NotAllowed
	}
	return false
}

// IsUnavailable reports whether err is an unavailability signal (connection
// level) rather than a latency or input signal.
func IsUnavailable(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// SanitizeURL masks the password in a broker URL for logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return u.String()
}
