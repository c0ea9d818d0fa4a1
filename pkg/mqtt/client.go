package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/autopeer-io/tacs/pkg/log"
)

var ErrNotStarted = errors.New("mqtt client not started")

type pahoClient struct {
	cfg *ClientConfig
	cm  *autopaho.ConnectionManager
	log log.Logger

	connected atomic.Bool
	inbound   chan *Message

	mu            sync.RWMutex
	subscriptions map[string]subscription
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

func NewClient(cfg *ClientConfig) (Client, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config is required")
	}
	setDefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}

	return &pahoClient{
		cfg:           cfg,
		log:           log.WithName("mqtt").WithValues("clientID", cfg.ClientID),
		inbound:       make(chan *Message, cfg.InboundBuffer),
		subscriptions: map[string]subscription{},
	}, nil
}

func (c *pahoClient) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(c.cfg.BrokerURL)

	cm, err := autopaho.NewConnection(ctx, autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(c.cfg.ReconnectDelay),
		ConnectTimeout:                c.cfg.ConnectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		TlsCfg:                        &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify},
		WillMessage:                   c.willMessage(),
		ClientConfig: paho.ClientConfig{
			ClientID:           c.cfg.ClientID,
			OnClientError:      c.onClientError,
			OnServerDisconnect: c.onServerDisconnect,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(p paho.PublishReceived) (bool, error) { return c.receive(ctx, p.Packet) },
			},
		},
		OnConnectionUp: c.onConnectionUp,
		OnConnectError: c.onConnectError,
	})
	if err != nil {
		return err
	}
	c.cm = cm

	go c.deliver(ctx)
	c.log.Info("Connecting to MQTT broker", "broker", c.cfg.BrokerURL)
	return nil
}

func (c *pahoClient) Disconnect(ctx context.Context) {
	if c.cm == nil {
		return
	}
	_ = c.cm.Disconnect(ctx)
	c.connected.Store(false)
	c.log.Info("MQTT client disconnected")
}

func (c *pahoClient) Publish(ctx context.Context, m *Message) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	_, err := c.cm.Publish(ctx, toPublish(m))
	return err
}

func (c *pahoClient) Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) error {
	if c.cm == nil {
		return ErrNotStarted
	}

	c.mu.Lock()
	c.subscriptions[filter] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	// Offline subscriptions are sent by onConnectionUp.
	if !c.connected.Load() {
		return nil
	}
	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: qos}},
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	c.log.Info("Subscribed", "filter", filter)
	return nil
}

func (c *pahoClient) Unsubscribe(ctx context.Context, filter string) error {
	if c.cm == nil {
		return ErrNotStarted
	}

	c.mu.Lock()
	delete(c.subscriptions, filter)
	c.mu.Unlock()

	_, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}})
	return err
}

func (c *pahoClient) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return ErrNotStarted
	}
	return c.cm.AwaitConnection(ctx)
}

func (c *pahoClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *pahoClient) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.connected.Store(true)
	c.log.Info("MQTT connection established")

	c.mu.RLock()
	subs := make([]paho.SubscribeOptions, 0, len(c.subscriptions))
	for filter, s := range c.subscriptions {
		subs = append(subs, paho.SubscribeOptions{Topic: filter, QoS: s.qos})
	}
	c.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	// Called on the connection goroutine, which must not block on the SUBACK.
	go func() {
		if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{Subscriptions: subs}); err != nil {
			c.log.Error(err, "Failed to restore subscriptions", "count", len(subs))
		}
	}()
}

func (c *pahoClient) onConnectError(err error) {
	c.connected.Store(false)
	c.log.Error(err, "MQTT connection failed, retrying", "in", c.cfg.ReconnectDelay)
}

func (c *pahoClient) onClientError(err error) {
	c.connected.Store(false)
	c.log.Error(err, "MQTT client error")
}

func (c *pahoClient) onServerDisconnect(d *paho.Disconnect) {
	c.connected.Store(false)
	reason := ""
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	c.log.Warn("MQTT server requested disconnect", "reason", reason)
}

// receive queues p for deliver. It blocks while the queue is full, which holds
// back the acknowledgement and so throttles the broker.
func (c *pahoClient) receive(ctx context.Context, p *paho.Publish) (bool, error) {
	select {
	case c.inbound <- fromPublish(p):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// deliver hands queued messages to the handlers of every matching filter.
func (c *pahoClient) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.inbound:
			handlers := c.handlersFor(m.Topic)
			if len(handlers) == 0 {
				c.log.Debug("Received message on unhandled topic", "topic", m.Topic)
			}
			for _, h := range handlers {
				h(ctx, m)
			}
		}
	}
}

func (c *pahoClient) handlersFor(topic string) []MessageHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []MessageHandler
	for filter, s := range c.subscriptions {
		if topicsMatch(topicFilter(filter), topic) {
			out = append(out, s.handler)
		}
	}
	return out
}

func (c *pahoClient) willMessage() *paho.WillMessage {
	if c.cfg.WillTopic == "" {
		return nil
	}
	return &paho.WillMessage{
		Topic:   c.cfg.WillTopic,
		Payload: c.cfg.WillPayload,
		QoS:     c.cfg.WillQoS,
		Retain:  c.cfg.WillRetain,
	}
}

func toPublish(m *Message) *paho.Publish {
	p := &paho.Publish{
		Topic:   m.Topic,
		QoS:     m.QoS,
		Retain:  m.Retain,
		Payload: m.Payload,
	}
	if m.ContentType != "" || m.ResponseTopic != "" || m.CorrelationData != nil || m.Expiry > 0 {
		p.Properties = &paho.PublishProperties{
			ContentType:     m.ContentType,
			ResponseTopic:   m.ResponseTopic,
			CorrelationData: m.CorrelationData,
		}
		if m.Expiry > 0 {
			secs := uint32((m.Expiry + 999_999_999) / 1_000_000_000)
			p.Properties.MessageExpiry = &secs
		}
	}
	return p
}

func fromPublish(p *paho.Publish) *Message {
	m := &Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
	}
	if p.Properties != nil {
		m.ContentType = p.Properties.ContentType
		m.ResponseTopic = p.Properties.ResponseTopic
		m.CorrelationData = p.Properties.CorrelationData
	}
	return m
}

// topicsMatch reports whether topic matches filter, honouring + and #.
func topicsMatch(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if !strings.ContainsAny(filter, "+#") {
		return false
	}

	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, part := range fp {
		if part == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

// topicFilter strips the $share/<group>/ prefix of a shared subscription.
func topicFilter(filter string) string {
	if rest, ok := strings.CutPrefix(filter, "$share/"); ok {
		if _, f, ok := strings.Cut(rest, "/"); ok {
			return f
		}
	}
	return filter
}
