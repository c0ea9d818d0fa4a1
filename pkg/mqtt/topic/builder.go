package topic

import (
	"fmt"
)

// Topic segments shared by the agent and whatever backend consumes its traffic.
// Changing these values breaks deployed consumers.
const (
	// SuffixEvent carries state changes and command results (Agent -> Backend).
	// Structure: {root}/event/{agentID}
	SuffixEvent = "event"

	// SuffixCommand carries remote commands (Backend -> Agent).
	// Structure: {root}/command/{agentID}
	SuffixCommand = "command"

	// SuffixCommandReply carries the synchronous result of a remote command (Agent -> Backend).
	// Structure: {root}/command/reply/{agentID}
	SuffixCommandReply = "command/reply"

	// SuffixTracking carries analytics events (Agent -> Backend).
	// Structure: {root}/tracking/{agentID}
	SuffixTracking = "tracking"

	// SuffixStatus carries the retained online/offline marker, also used as will message.
	// Structure: {root}/status/{agentID}
	SuffixStatus = "status"
)

// TopicBuilder constructs MQTT topic strings below a root namespace.
type TopicBuilder struct {
	root string // e.g. "tacs/v1"
}

// NewTopicBuilder creates a new instance of TopicBuilder with the specified root namespace.
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: root}
}

// Event returns the topic an agent publishes its events to.
func (b *TopicBuilder) Event(agentID string) string {
	return b.build(SuffixEvent, agentID)
}

// EventWildcard subscribes to the events of all agents.
// Result: {root}/event/+
func (b *TopicBuilder) EventWildcard() string {
	return b.build(SuffixEvent, "+")
}

// Command returns the topic an agent receives commands on.
func (b *TopicBuilder) Command(agentID string) string {
	return b.build(SuffixCommand, agentID)
}

// CommandReply returns the topic an agent answers commands on.
func (b *TopicBuilder) CommandReply(agentID string) string {
	return b.build(SuffixCommandReply, agentID)
}

// Tracking returns the topic an agent publishes analytics events to.
func (b *TopicBuilder) Tracking(agentID string) string {
	return b.build(SuffixTracking, agentID)
}

// Status returns the retained presence topic of an agent.
func (b *TopicBuilder) Status(agentID string) string {
	return b.build(SuffixStatus, agentID)
}

// build returns {root}/{suffix}/{id}.
func (b *TopicBuilder) build(suffix, id string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, suffix, id)
}
