// Package events provides the process-wide publish/subscribe bus that
// hardware monitors, UI actions and agents use to signal each other.
// Topics are dot-separated strings matched exactly; there are no wildcards.
package events

import (
	"fmt"
	"maps"
	"time"

	"github.com/andywolf/autopilot/internal/topic"
)

// Well-known topics published by external collaborators.
const (
	TopicStorageLow        = "system.storage.low"
	TopicThermalThrottling = "system.thermal.throttling"
	TopicThermalNormal     = "system.thermal.normal"
	TopicNetworkPublic     = "network.connection.public"
	TopicNetworkTrusted    = "network.connection.trusted"
)

const (
	agentTopicPrefix         = "agent."
	suffixSuccess            = ".success"
	suffixFailure            = ".failure"
	suffixConfirmationNeeded = ".confirmation_required"
)

// Event is a single published message. It is passed to subscribers by value
// and must be treated as immutable.
type Event struct {
	// ID uniquely identifies this publication.
	ID string `json:"id"`

	// Topic is the routing key the event was published on.
	Topic string `json:"topic"`

	// Payload carries topic-specific data.
	Payload map[string]any `json:"payload,omitempty"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Source names the producer (e.g., "storage-monitor", "cli").
	Source string `json:"source"`
}

// Get returns a payload value.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// String returns a short human-readable description for logs.
func (e Event) String() string {
	return fmt.Sprintf("%s from %s (%s)", e.Topic, e.Source, e.ID)
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return maps.Clone(p)
}

// AgentSuccessTopic is published when every action of an agent run succeeded.
func AgentSuccessTopic(agentID string) string {
	return agentTopicPrefix + agentID + suffixSuccess
}

// AgentFailureTopic is published when an agent run stopped on a failed action.
func AgentFailureTopic(agentID string) string {
	return agentTopicPrefix + agentID + suffixFailure
}

// AgentConfirmationTopic is published when a run is deferred pending confirmation.
func AgentConfirmationTopic(agentID string) string {
	return agentTopicPrefix + agentID + suffixConfirmationNeeded
}

// ValidateTopic checks a topic against the shared naming rules.
func ValidateTopic(t string) error {
	return topic.Validate(t)
}
