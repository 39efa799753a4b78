package rabbitmq

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTopologyConfig(t *testing.T) {
	t.Run("derives dead-letter names", func(t *testing.T) {
		cfg := NewTopologyConfig("orders", WithQueue("orders.inbox"))

		assert.Equal(t, ExchangeTopic, cfg.ExchangeType)
		assert.Equal(t, "#", cfg.RoutingKey)
		assert.True(t, cfg.Durable)
		assert.Equal(t, "orders.dlx", cfg.DLXExchangeName)
		assert.Equal(t, "orders.inbox.dlq", cfg.DLXQueueName)
	})

	t.Run("explicit dead-letter names win", func(t *testing.T) {
		cfg := NewTopologyConfig("orders",
			WithQueue("orders.inbox"),
			WithDLXNames("dead.letters", "dead.letters.q"))

		assert.Equal(t, "dead.letters", cfg.DLXExchangeName)
		assert.Equal(t, "dead.letters.q", cfg.DLXQueueName)
	})

	t.Run("no queue means no dead-letter queue", func(t *testing.T) {
		cfg := NewTopologyConfig("orders")

		assert.Equal(t, "orders.dlx", cfg.DLXExchangeName)
		assert.Empty(t, cfg.DLXQueueName)
	})

	t.Run("normalized fills defaults on decoded configs", func(t *testing.T) {
		cfg := TopologyConfig{ExchangeName: "events", QueueName: "events.audit"}.Normalized()

		assert.Equal(t, ExchangeTopic, cfg.ExchangeType)
		assert.Equal(t, "#", cfg.RoutingKey)
		assert.Equal(t, "events.dlx", cfg.DLXExchangeName)
		assert.Equal(t, "events.audit.dlq", cfg.DLXQueueName)
	})
}

func TestDeclareTopology(t *testing.T) {
	t.Run("declares dead-letter topology before the main topology", func(t *testing.T) {
		ch := newFakeChannel()
		cfg := NewTopologyConfig("orders",
			WithQueue("orders.inbox"),
			WithRoutingKey("orders.*"),
			WithMessageTTL(7*24*time.Hour))

		require.NoError(t, DeclareTopology(ch, cfg))

		require.Len(t, ch.exchanges, 2)
		assert.Equal(t, declaredExchange{name: "orders.dlx", kind: ExchangeFanout, durable: true}, ch.exchanges[0])
		assert.Equal(t, "orders", ch.exchanges[1].name)
		assert.Equal(t, ExchangeTopic, ch.exchanges[1].kind)

		require.Len(t, ch.queues, 2)
		assert.Equal(t, "orders.inbox.dlq", ch.queues[0].name)
		assert.Nil(t, ch.queues[0].args)
		assert.Equal(t, "orders.inbox", ch.queues[1].name)
		assert.Equal(t, amqp.Table{
			"x-dead-letter-exchange": "orders.dlx",
			"x-message-ttl":          (7 * 24 * time.Hour).Milliseconds(),
		}, ch.queues[1].args)

		require.Len(t, ch.bindings, 2)
		assert.Equal(t, declaredBinding{queue: "orders.inbox.dlq", key: "", exchange: "orders.dlx"}, ch.bindings[0])
		assert.Equal(t, declaredBinding{queue: "orders.inbox", key: "orders.*", exchange: "orders"}, ch.bindings[1])
	})

	t.Run("omits the ttl argument when unset", func(t *testing.T) {
		ch := newFakeChannel()

		require.NoError(t, DeclareTopology(ch, NewTopologyConfig("orders", WithQueue("orders.inbox"))))

		assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "orders.dlx"}, ch.queues[1].args)
	})

	t.Run("exchange only topology declares no queues", func(t *testing.T) {
		ch := newFakeChannel()

		require.NoError(t, DeclareTopology(ch, NewTopologyConfig("broadcast", WithExchangeType(ExchangeFanout))))

		assert.Len(t, ch.exchanges, 2)
		assert.Empty(t, ch.queues)
		assert.Empty(t, ch.bindings)
	})

	t.Run("is idempotent under identical configuration", func(t *testing.T) {
		ch := newFakeChannel()
		cfg := NewTopologyConfig("orders", WithQueue("orders.inbox"))

		require.NoError(t, DeclareTopology(ch, cfg))
		require.NoError(t, DeclareTopology(ch, cfg))
	})

	t.Run("rejects reserved and malformed names before touching the broker", func(t *testing.T) {
		ch := newFakeChannel()

		for _, name := range []string{"amq.direct", "bad name", "a/../b", ""} {
			err := DeclareTopology(ch, NewTopologyConfig(name))
			var valErr *ValidationError
			assert.ErrorAs(t, err, &valErr, "name %q", name)
		}
		assert.Empty(t, ch.exchanges)
	})

	t.Run("surfaces broker declaration failures", func(t *testing.T) {
		ch := newFakeChannel()
		ch.queueErr = map[string]error{
			"orders.inbox": errors.New("PRECONDITION_FAILED - inequivalent arg 'durable'"),
		}

		err := DeclareTopology(ch, NewTopologyConfig("orders", WithQueue("orders.inbox")))

		var topErr *TopologyError
		require.ErrorAs(t, err, &topErr)
		assert.Equal(t, "queue", topErr.Component)
		assert.Equal(t, "orders.inbox", topErr.Name)
		assert.Equal(t, "declare", topErr.Op)
	})
}
