package mqtt

import (
	"context"
	"time"
)

// Message is one MQTT 5 publication, inbound or outbound.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// ContentType describes Payload, e.g. "application/json".
	ContentType string

	// Expiry lets the broker discard the message if it is not delivered in
	// time. Zero keeps it until delivered.
	Expiry time.Duration

	// ResponseTopic and CorrelationData implement MQTT 5 request/response.
	// A responder publishes to ResponseTopic and echoes CorrelationData.
	ResponseTopic   string
	CorrelationData []byte
}

// ReplyTo returns the reply to m carrying payload. The reply goes to m's
// response topic, or to fallback when the requester did not name one.
func (m *Message) ReplyTo(fallback string, payload []byte) *Message {
	t := m.ResponseTopic
	if t == "" {
		t = fallback
	}
	return &Message{
		Topic:           t,
		Payload:         payload,
		QoS:             m.QoS,
		ContentType:     m.ContentType,
		CorrelationData: m.CorrelationData,
	}
}

// MessageHandler processes an inbound message. Handlers of one client run one
// at a time, in arrival order.
type MessageHandler func(ctx context.Context, m *Message)

// Client is the MQTT connection of an agent.
type Client interface {
	// Start connects in the background and keeps reconnecting until ctx is
	// done or Disconnect is called. Use AwaitConnection to wait.
	Start(ctx context.Context) error

	Disconnect(ctx context.Context)

	Publish(ctx context.Context, m *Message) error

	// Subscribe registers handler for filter. The subscription survives
	// reconnects and may be made before the first connection is up.
	Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) error

	Unsubscribe(ctx context.Context, filter string) error

	AwaitConnection(ctx context.Context) error

	IsConnected() bool
}
