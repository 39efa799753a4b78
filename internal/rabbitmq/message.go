package rabbitmq

import (
	"encoding/hex"
	"encoding/json"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Content types used on the wire.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

// Payload is a closed set of publishable payload variants. Each variant maps
// to a fixed content type on the wire.
type Payload interface {
	ContentType() string
	Bytes() ([]byte, error)
}

// JSONPayload publishes an arbitrary value encoded as JSON.
type JSONPayload struct {
	Value any
}

func (p JSONPayload) ContentType() string { return ContentTypeJSON }

func (p JSONPayload) Bytes() ([]byte, error) {
	return json.Marshal(p.Value)
}

// TextPayload publishes a UTF-8 string.
type TextPayload struct {
	Value string
}

func (p TextPayload) ContentType() string { return ContentTypeText }

func (p TextPayload) Bytes() ([]byte, error) {
	return []byte(p.Value), nil
}

// BinaryPayload publishes raw bytes.
type BinaryPayload struct {
	Value []byte
}

func (p BinaryPayload) ContentType() string { return ContentTypeBinary }

func (p BinaryPayload) Bytes() ([]byte, error) {
	return p.Value, nil
}

// ConsumedMessage is a read-only projection of a received broker message,
// suitable for returning to external callers. The underlying delivery stays
// owned by the session until acknowledged or rejected.
type ConsumedMessage struct {
	DeliveryTag   uint64         `json:"deliveryTag"`
	Body          any            `json:"body"`
	RoutingKey    string         `json:"routingKey"`
	Exchange      string         `json:"exchange"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
	Redelivered   bool           `json:"redelivered"`
}

// newConsumedMessage projects an AMQP delivery into a ConsumedMessage,
// decoding the body by content type.
func newConsumedMessage(d amqp.Delivery) *ConsumedMessage {
	return &ConsumedMessage{
		DeliveryTag:   d.DeliveryTag,
		Body:          decodeBody(d.ContentType, d.Body),
		RoutingKey:    d.RoutingKey,
		Exchange:      d.Exchange,
		CorrelationID: d.CorrelationId,
		Headers:       map[string]any(d.Headers),
		Redelivered:   d.Redelivered,
	}
}

// decodeBody decodes a message body: JSON content decodes as structured
// data, everything else as text. A body that fails either decoding falls
// back to its hexadecimal representation instead of failing the consume.
func decodeBody(contentType string, body []byte) any {
	if contentType == ContentTypeJSON {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			return decoded
		}
		return hex.EncodeToString(body)
	}
	if utf8.Valid(body) {
		return string(body)
	}
	return hex.EncodeToString(body)
}
