// Package rabbitmq implements the broker-facing layer of the bridge: the
// per-credential session pool with retry-with-backoff connection
// establishment and idle reaping, the message operations (publish with
// confirms, pull-consume, manual acknowledgment with in-flight tracking),
// and idempotent topology declaration.
//
// Broker access goes through the narrow Dialer/Connection/Channel interfaces
// so the package can be exercised against mocks; the default implementation
// wraps github.com/rabbitmq/amqp091-go.
package rabbitmq
