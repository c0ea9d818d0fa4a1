package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/autopeer-io/tacs/pkg/log"
	"github.com/autopeer-io/tacs/pkg/mqtt"
	"github.com/autopeer-io/tacs/pkg/mqtt/topic"
)

const (
	contentTypeJSON = "application/json"

	// Events older than this describe a vehicle state that has likely changed.
	eventExpiry = 5 * time.Minute
)

// Status is the retained presence marker of an agent.
type Status struct {
	AgentID string `json:"agentId"`
	Online  bool   `json:"online"`
	Reason  string `json:"reason,omitempty"`
}

// Hub mirrors the event bus to MQTT and, when commands are enabled, executes
// commands received on the agent's command topic.
type Hub struct {
	id       string
	mc       mqtt.Client
	topics   *topic.TopicBuilder
	bus      *Bus
	exec     func(Command) error
	commands bool
	log      log.Logger
}

func NewHub(id string, client mqtt.Client, topics *topic.TopicBuilder, bus *Bus, exec func(Command) error, commands bool) *Hub {
	return &Hub{
		id:       id,
		mc:       client,
		topics:   topics,
		bus:      bus,
		exec:     exec,
		commands: commands,
		log:      log.WithName("hub").WithValues("agentID", id),
	}
}

// Start connects, announces the agent and forwards events until ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	events, cancel := h.bus.Subscribe()
	defer cancel()

	if err := h.mc.Start(ctx); err != nil {
		return err
	}
	defer h.stop()

	if err := h.mc.AwaitConnection(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	h.publish(ctx, h.topics.Status(h.id), true, Status{AgentID: h.id, Online: true})

	if h.commands {
		if err := h.mc.Subscribe(ctx, h.topics.Command(h.id), 1, h.onCommand); err != nil {
			return err
		}
		h.log.Info("Accepting remote commands", "topic", h.topics.Command(h.id))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			h.publish(ctx, h.topics.Event(h.id), false, e)
		}
	}
}

// onCommand executes one command and replies to the requester's response
// topic, or to the agent's reply topic when none was given.
func (h *Hub) onCommand(ctx context.Context, m *mqtt.Message) {
	var (
		cmd Command
		res CommandResult
	)
	if err := json.Unmarshal(m.Payload, &cmd); err != nil {
		h.log.Error(err, "Dropping malformed command")
		res = CommandResult{Error: err.Error()}
	} else {
		err := h.exec(cmd)
		if err != nil {
			h.log.Error(err, "Remote command failed", "command", cmd.Name)
		}
		res = resultOf(cmd.Name, err)
	}

	payload, _ := json.Marshal(res)
	reply := m.ReplyTo(h.topics.CommandReply(h.id), payload)
	reply.QoS = 1
	reply.ContentType = contentTypeJSON
	if err := h.mc.Publish(ctx, reply); err != nil {
		h.log.Debug("reply failed", "topic", reply.Topic, "error", err)
	}
}

func (h *Hub) publish(ctx context.Context, t string, retain bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error(err, "Failed to encode message", "topic", t)
		return
	}
	m := &mqtt.Message{Topic: t, Payload: payload, QoS: 1, Retain: retain, ContentType: contentTypeJSON}
	if !retain {
		m.Expiry = eventExpiry
	}
	if err := h.mc.Publish(ctx, m); err != nil {
		h.log.Debug("publish failed", "topic", t, "error", err)
	}
}

func (h *Hub) stop() {
	h.log.Info("Disconnecting MQTT client...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if h.mc.IsConnected() {
		h.publish(ctx, h.topics.Status(h.id), true, Status{AgentID: h.id, Online: false, Reason: "Shutdown"})
	}
	h.mc.Disconnect(ctx)
}
