// Copyright 2025 BridgeMQ Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridgemq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bridgemq/bridgemq/config"
	"github.com/bridgemq/bridgemq/internal/rabbitmq"
	"github.com/bridgemq/bridgemq/internal/reliability"
)

// Re-exported types so callers never import internal packages.
type (
	// Credentials identifies a tenant's broker login.
	Credentials = rabbitmq.Credentials

	// Message is a consumed broker message with its decoded body.
	Message = rabbitmq.ConsumedMessage

	// TopologyConfig describes one exchange, an optional bound queue, and its
	// dead-letter routing.
	TopologyConfig = rabbitmq.TopologyConfig

	// TopologyOption configures a TopologyConfig.
	TopologyOption = rabbitmq.TopologyOption

	// Payload is a publishable payload variant.
	Payload = rabbitmq.Payload

	// JSONPayload publishes an arbitrary value encoded as JSON.
	JSONPayload = rabbitmq.JSONPayload

	// TextPayload publishes a UTF-8 string.
	TextPayload = rabbitmq.TextPayload

	// BinaryPayload publishes raw bytes.
	BinaryPayload = rabbitmq.BinaryPayload

	// BreakerMetrics is a point-in-time circuit breaker snapshot.
	BreakerMetrics = reliability.CircuitBreakerMetrics
)

// Topology construction, re-exported for callers and cmd/topology-init.
var (
	NewTopologyConfig = rabbitmq.NewTopologyConfig
	WithExchangeType  = rabbitmq.WithExchangeType
	WithQueue         = rabbitmq.WithQueue
	WithRoutingKey    = rabbitmq.WithRoutingKey
	WithDurable       = rabbitmq.WithDurable
	WithDLXNames      = rabbitmq.WithDLXNames
	WithMessageTTL    = rabbitmq.WithMessageTTL
)

// Client is the process-wide bridge to the broker: a per-credential session
// pool guarded by a single circuit breaker. All broker-facing operations go
// through it.
type Client struct {
	pool    *rabbitmq.SessionPool
	breaker *reliability.CircuitBreaker
	logger  *slog.Logger

	publishTimeout  time.Duration
	consumeTimeout  time.Duration
	pollInterval    time.Duration
	maxMessageSize  int
	shutdownTimeout time.Duration

	correlationIDFn func(context.Context) string
}

// clientConfig holds client construction settings
type clientConfig struct {
	cfg             *config.Config
	logger          *slog.Logger
	dialer          rabbitmq.Dialer
	pollInterval    time.Duration
	correlationIDFn func(context.Context) string
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithConfig supplies a full configuration instead of per-field defaults
func WithConfig(cfg *config.Config) ClientOption {
	return func(c *clientConfig) {
		c.cfg = cfg
	}
}

// WithCorrelationIDFunc supplies the accessor used to default correlation ids
// from the caller's context (e.g. a request id). When it yields nothing, a new
// uuid is generated.
func WithCorrelationIDFunc(fn func(context.Context) string) ClientOption {
	return func(c *clientConfig) {
		c.correlationIDFn = fn
	}
}

// WithPollInterval sets the basic.get polling interval for bounded consumes
func WithPollInterval(interval time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.pollInterval = interval
	}
}

// withDialer substitutes the broker dialer (used by tests)
func withDialer(d rabbitmq.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = d
	}
}

// NewClient creates a bridge client for the given broker URL with default
// configuration.
func NewClient(brokerURL string, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{
		cfg:    config.Default(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cc)
	}
	if brokerURL != "" {
		cc.cfg.Broker.URL = brokerURL
	}
	if cc.cfg.Broker.URL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}

	poolOpts := []rabbitmq.PoolOption{
		rabbitmq.WithPoolLogger(cc.logger),
		rabbitmq.WithPrefetchCount(cc.cfg.Broker.PrefetchCount),
		rabbitmq.WithRetryAttempts(cc.cfg.Pool.RetryAttempts),
		rabbitmq.WithRetryBaseDelay(cc.cfg.Pool.RetryBaseDelay.Std()),
		rabbitmq.WithIdleTimeout(cc.cfg.Pool.IdleTimeout.Std()),
		rabbitmq.WithReapInterval(cc.cfg.Pool.ReapInterval.Std()),
	}
	if cc.dialer != nil {
		poolOpts = append(poolOpts, rabbitmq.WithDialer(cc.dialer))
	}

	breaker := reliability.NewCircuitBreaker(
		reliability.WithFailureThreshold(cc.cfg.Breaker.FailureThreshold),
		reliability.WithFailureWindow(cc.cfg.Breaker.FailureWindow.Std()),
		reliability.WithRecoveryTimeout(cc.cfg.Breaker.RecoveryTimeout.Std()),
		reliability.WithHalfOpenRequests(cc.cfg.Breaker.HalfOpenRequests),
		reliability.WithBreakerLogger(cc.logger),
	)

	pollInterval := cc.pollInterval
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	return &Client{
		pool:            rabbitmq.NewSessionPool(cc.cfg.Broker.URL, poolOpts...),
		breaker:         breaker,
		logger:          cc.logger,
		publishTimeout:  cc.cfg.Broker.PublishTimeout.Std(),
		consumeTimeout:  cc.cfg.Broker.ConsumeTimeout.Std(),
		pollInterval:    pollInterval,
		maxMessageSize:  cc.cfg.Broker.MaxMessageSize,
		shutdownTimeout: cc.cfg.Broker.ShutdownTimeout.Std(),
		correlationIDFn: cc.correlationIDFn,
	}, nil
}

// NewClientFromConfig creates a bridge client from a loaded configuration.
func NewClientFromConfig(cfg *config.Config, options ...ClientOption) (*Client, error) {
	return NewClient("", append([]ClientOption{WithConfig(cfg)}, options...)...)
}

// publishSettings holds per-publish overrides
type publishSettings struct {
	headers       map[string]any
	persistent    bool
	mandatory     bool
	messageID     string
	correlationID string
	priority      uint8
}

// PublishOption configures a single publish
type PublishOption func(*publishSettings)

// WithHeaders attaches application headers to the message
func WithHeaders(headers map[string]any) PublishOption {
	return func(s *publishSettings) {
		s.headers = headers
	}
}

// WithPersistent controls broker persistence (default true)
func WithPersistent(persistent bool) PublishOption {
	return func(s *publishSettings) {
		s.persistent = persistent
	}
}

// WithMandatory controls whether unroutable messages fail the publish
// (default true)
func WithMandatory(mandatory bool) PublishOption {
	return func(s *publishSettings) {
		s.mandatory = mandatory
	}
}

// WithMessageID overrides the generated message id
func WithMessageID(id string) PublishOption {
	return func(s *publishSettings) {
		s.messageID = id
	}
}

// WithCorrelationID sets an explicit correlation id
func WithCorrelationID(id string) PublishOption {
	return func(s *publishSettings) {
		s.correlationID = id
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(s *publishSettings) {
		s.priority = priority
	}
}

// Publish sends one message on behalf of the given tenant and waits for
// broker confirmation. The circuit breaker gates the attempt; input validation
// failures reject the call without counting against the breaker.
func (c *Client) Publish(ctx context.Context, creds *Credentials, exchange, routingKey string, payload Payload, options ...PublishOption) error {
	if err := rabbitmq.ValidateName(exchange, "exchange"); err != nil {
		return err
	}
	if err := rabbitmq.ValidateRoutingKey(routingKey); err != nil {
		return err
	}

	if !c.breaker.AllowRequest() {
		c.logger.Warn("circuit breaker rejecting publish",
			"exchange", exchange, "routingKey", routingKey, "state", c.breaker.GetState().String())
		return c.breaker.NewError("publish")
	}

	body, err := payload.Bytes()
	if err != nil {
		return &rabbitmq.ValidationError{Field: "payload", Err: err}
	}
	if err := rabbitmq.ValidateMessageSize(body, c.maxMessageSize); err != nil {
		return err
	}

	session, err := c.pool.GetSession(ctx, creds)
	if err != nil {
		c.breaker.RecordFailure()
		return err
	}

	settings := publishSettings{persistent: true, mandatory: true}
	for _, opt := range options {
		opt(&settings)
	}

	deliveryMode := amqp.Transient
	if settings.persistent {
		deliveryMode = amqp.Persistent
	}
	msg := amqp.Publishing{
		Body:          body,
		ContentType:   payload.ContentType(),
		DeliveryMode:  deliveryMode,
		MessageId:     c.messageID(settings),
		CorrelationId: c.correlationID(ctx, settings),
		Headers:       amqp.Table(settings.headers),
		Priority:      settings.priority,
		Timestamp:     time.Now(),
	}

	if err := session.Publish(ctx, exchange, routingKey, msg, settings.mandatory, c.publishTimeout); err != nil {
		c.breaker.RecordFailure()
		return err
	}

	c.breaker.RecordSuccess()
	c.logger.Info("message published",
		"user", userOf(creds),
		"exchange", exchange,
		"routingKey", routingKey,
		"correlationId", msg.CorrelationId,
		"bytes", len(body))
	return nil
}

// ConsumeOne pulls at most one message from the queue on behalf of the given
// tenant, waiting up to timeout (zero means the configured consume timeout).
// It returns (nil, nil) when the queue stays empty. Unless autoAck is set,
// the delivery must later be settled via Acknowledge or Reject with the same
// credentials.
func (c *Client) ConsumeOne(ctx context.Context, creds *Credentials, queue string, timeout time.Duration, autoAck bool) (*Message, error) {
	if err := rabbitmq.ValidateName(queue, "queue"); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.consumeTimeout
	}

	if !c.breaker.AllowRequest() {
		c.logger.Warn("circuit breaker rejecting consume",
			"queue", queue, "state", c.breaker.GetState().String())
		return nil, c.breaker.NewError("consume")
	}

	session, err := c.pool.GetSession(ctx, creds)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}

	msg, err := session.ConsumeOne(ctx, queue, timeout, c.pollInterval, autoAck)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}

	c.breaker.RecordSuccess()
	if msg != nil {
		c.logger.Info("message consumed",
			"user", userOf(creds),
			"queue", queue,
			"deliveryTag", msg.DeliveryTag,
			"autoAck", autoAck)
	}
	return msg, nil
}

// Acknowledge settles a previously consumed delivery. It returns false when
// the tag is unknown to the tenant's session, which includes deliveries lost
// to a connection replacement.
func (c *Client) Acknowledge(ctx context.Context, creds *Credentials, deliveryTag uint64) (bool, error) {
	session, err := c.pool.GetSession(ctx, creds)
	if err != nil {
		return false, err
	}
	ok, err := session.Acknowledge(deliveryTag)
	if ok {
		c.logger.Info("message acknowledged", "user", userOf(creds), "deliveryTag", deliveryTag)
	}
	return ok, err
}

// Reject negatively settles a previously consumed delivery, optionally
// requeueing it. Unknown-tag semantics mirror Acknowledge.
func (c *Client) Reject(ctx context.Context, creds *Credentials, deliveryTag uint64, requeue bool) (bool, error) {
	session, err := c.pool.GetSession(ctx, creds)
	if err != nil {
		return false, err
	}
	ok, err := session.Reject(deliveryTag, requeue)
	if ok {
		c.logger.Info("message rejected", "user", userOf(creds), "deliveryTag", deliveryTag, "requeue", requeue)
	}
	return ok, err
}

// SetupTopology declares the exchange, queue, and dead-letter topology
// described by cfg. With nil credentials it declares through the system
// session; with tenant credentials the declarations run under the tenant's
// own broker permissions. Redeclaring an identical topology succeeds.
func (c *Client) SetupTopology(ctx context.Context, creds *Credentials, cfg TopologyConfig) error {
	session, err := c.pool.GetSession(ctx, creds)
	if err != nil {
		return err
	}
	if err := rabbitmq.DeclareTopology(session.PublishChannel(), cfg); err != nil {
		return err
	}
	c.logger.Info("topology declared",
		"user", userOf(creds),
		"exchange", cfg.ExchangeName,
		"queue", cfg.QueueName,
		"dlx", cfg.DLXExchangeName)
	return nil
}

// HealthCheck reports the bridge's health: system connectivity, aggregate
// session and pending-delivery counts, and the circuit breaker snapshot.
// Ready means connected with a circuit that is not open.
type HealthCheck struct {
	Connected       bool           `json:"connected"`
	Ready           bool           `json:"ready"`
	State           string         `json:"state"`
	PendingMessages int            `json:"pendingMessages"`
	ActiveSessions  int            `json:"activeSessions"`
	CircuitBreaker  BreakerMetrics `json:"circuitBreaker"`
}

// HealthCheck aggregates connection health and breaker state. It never
// returns an error: an unreachable broker reports as disconnected.
func (c *Client) HealthCheck(ctx context.Context) HealthCheck {
	metrics := c.breaker.GetMetrics()

	session, err := c.pool.GetSession(ctx, nil)
	if err != nil {
		return HealthCheck{
			State:          "disconnected",
			ActiveSessions: c.pool.Stats().ActiveSessions,
			CircuitBreaker: metrics,
		}
	}

	connected := !session.IsClosed()
	state := "disconnected"
	if connected {
		state = "connected"
	}
	stats := c.pool.Stats()

	return HealthCheck{
		Connected:       connected,
		Ready:           connected && metrics.State != "open",
		State:           state,
		PendingMessages: stats.PendingMessages,
		ActiveSessions:  stats.ActiveSessions,
		CircuitBreaker:  metrics,
	}
}

// ResetCircuitBreaker is an administrative override back to the closed state.
func (c *Client) ResetCircuitBreaker() {
	c.breaker.Reset()
}

// Shutdown drains and closes every session within the configured shutdown
// timeout. The client must not be used afterwards.
func (c *Client) Shutdown() {
	c.pool.Shutdown(c.shutdownTimeout)
}

func (c *Client) messageID(settings publishSettings) string {
	if settings.messageID != "" {
		return settings.messageID
	}
	return uuid.NewString()
}

func (c *Client) correlationID(ctx context.Context, settings publishSettings) string {
	if settings.correlationID != "" {
		return settings.correlationID
	}
	if c.correlationIDFn != nil {
		if id := c.correlationIDFn(ctx); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func userOf(creds *Credentials) string {
	if creds == nil {
		return "system"
	}
	return creds.Username
}
