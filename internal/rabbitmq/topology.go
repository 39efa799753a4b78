package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange types supported by topology declaration.
const (
	ExchangeTopic   = "topic"
	ExchangeDirect  = "direct"
	ExchangeFanout  = "fanout"
	ExchangeHeaders = "headers"
)

// TopologyConfig declaratively describes one exchange, an optional bound
// queue, and its dead-letter routing. Build it with NewTopologyConfig so the
// dead-letter names default to {exchange}.dlx and {queue}.dlq.
type TopologyConfig struct {
	ExchangeName    string        `yaml:"exchange_name" json:"exchangeName"`
	ExchangeType    string        `yaml:"exchange_type" json:"exchangeType"`
	QueueName       string        `yaml:"queue_name" json:"queueName,omitempty"`
	RoutingKey      string        `yaml:"routing_key" json:"routingKey"`
	Durable         bool          `yaml:"durable" json:"durable"`
	DLXExchangeName string        `yaml:"dlx_exchange_name" json:"dlxExchangeName"`
	DLXQueueName    string        `yaml:"dlx_queue_name" json:"dlxQueueName,omitempty"`
	MessageTTL      time.Duration `yaml:"message_ttl" json:"messageTTL,omitempty"`
}

// TopologyOption configures a TopologyConfig
type TopologyOption func(*TopologyConfig)

// WithExchangeType overrides the default topic exchange type
func WithExchangeType(kind string) TopologyOption {
	return func(c *TopologyConfig) {
		c.ExchangeType = kind
	}
}

// WithQueue binds a queue to the exchange
func WithQueue(name string) TopologyOption {
	return func(c *TopologyConfig) {
		c.QueueName = name
	}
}

// WithRoutingKey sets the binding pattern (default "#")
func WithRoutingKey(key string) TopologyOption {
	return func(c *TopologyConfig) {
		c.RoutingKey = key
	}
}

// WithDurable controls durability of all declared entities
func WithDurable(durable bool) TopologyOption {
	return func(c *TopologyConfig) {
		c.Durable = durable
	}
}

// WithDLXNames overrides the derived dead-letter exchange and queue names
func WithDLXNames(exchange, queue string) TopologyOption {
	return func(c *TopologyConfig) {
		c.DLXExchangeName = exchange
		c.DLXQueueName = queue
	}
}

// WithMessageTTL sets a per-queue message time-to-live
func WithMessageTTL(ttl time.Duration) TopologyOption {
	return func(c *TopologyConfig) {
		c.MessageTTL = ttl
	}
}

// NewTopologyConfig builds an immutable topology description with defaults
// applied.
func NewTopologyConfig(exchangeName string, options ...TopologyOption) TopologyConfig {
	c := TopologyConfig{
		ExchangeName: exchangeName,
		ExchangeType: ExchangeTopic,
		RoutingKey:   "#",
		Durable:      true,
	}
	for _, opt := range options {
		opt(&c)
	}
	c.applyDefaults()
	return c
}

// applyDefaults fills in derived dead-letter names, mirroring
// NewTopologyConfig for configs decoded from YAML.
func (c *TopologyConfig) applyDefaults() {
	if c.ExchangeType == "" {
		c.ExchangeType = ExchangeTopic
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "#"
	}
	if c.DLXExchangeName == "" {
		c.DLXExchangeName = c.ExchangeName + ".dlx"
	}
	if c.DLXQueueName == "" && c.QueueName != "" {
		c.DLXQueueName = c.QueueName + ".dlq"
	}
}

// Normalized returns a copy with derived defaults applied. Used for configs
// populated directly (YAML bootstrap files) rather than via NewTopologyConfig.
func (c TopologyConfig) Normalized() TopologyConfig {
	c.applyDefaults()
	return c
}

// Validate checks every name in the topology before touching the broker.
func (c TopologyConfig) Validate() error {
	if err := ValidateName(c.ExchangeName, "exchange_name"); err != nil {
		return err
	}
	if err := ValidateName(c.DLXExchangeName, "dlx_exchange_name"); err != nil {
		return err
	}
	if c.QueueName != "" {
		if err := ValidateName(c.QueueName, "queue_name"); err != nil {
			return err
		}
	}
	if c.DLXQueueName != "" {
		if err := ValidateName(c.DLXQueueName, "dlx_queue_name"); err != nil {
			return err
		}
	}
	return ValidateRoutingKey(c.RoutingKey)
}

// DeclareTopology idempotently declares the dead-letter exchange and queue,
// the main exchange, and the optionally bound main queue on the given
// channel. Redeclaring with identical arguments succeeds; the broker rejects
// mismatched redeclarations and that error is surfaced.
func DeclareTopology(ch Channel, cfg TopologyConfig) error {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Dead-letter exchange first so the main queue can reference it.
	if err := ch.ExchangeDeclare(cfg.DLXExchangeName, ExchangeFanout, cfg.Durable, false, false, false, nil); err != nil {
		return topologyError("declare", "exchange", cfg.DLXExchangeName, err)
	}

	if cfg.DLXQueueName != "" {
		if _, err := ch.QueueDeclare(cfg.DLXQueueName, cfg.Durable, false, false, false, nil); err != nil {
			return topologyError("declare", "queue", cfg.DLXQueueName, err)
		}
		// Fanout: no routing key filtering on the dead-letter binding.
		if err := ch.QueueBind(cfg.DLXQueueName, "", cfg.DLXExchangeName, false, nil); err != nil {
			return topologyError("bind", "queue", cfg.DLXQueueName, err)
		}
	}

	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, cfg.Durable, false, false, false, nil); err != nil {
		return topologyError("declare", "exchange", cfg.ExchangeName, err)
	}

	if cfg.QueueName != "" {
		args := amqp.Table{
			"x-dead-letter-exchange": cfg.DLXExchangeName,
		}
		if cfg.MessageTTL > 0 {
			args["x-message-ttl"] = cfg.MessageTTL.Milliseconds()
		}
		if _, err := ch.QueueDeclare(cfg.QueueName, cfg.Durable, false, false, false, args); err != nil {
			return topologyError("declare", "queue", cfg.QueueName, err)
		}
		if err := ch.QueueBind(cfg.QueueName, cfg.RoutingKey, cfg.ExchangeName, false, nil); err != nil {
			return topologyError("bind", "queue", cfg.QueueName, err)
		}
	}

	return nil
}

func topologyError(op, component, name string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
