// ABOUTME: Cross-context broadcast bus used for coordination and data forwarding.
// ABOUTME: Defines the closed set of message kinds and the publish/subscribe contract.

// Package bus defines the best-effort broadcast channel shared by sibling
// contexts of one origin. Delivery is unordered across contexts and may be
// lossy; every consumer of bus messages must therefore be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind discriminates the closed set of coordination message kinds.
type Kind string

const (
	// KindLeadership announces that OwnerID took over the shared connection.
	KindLeadership Kind = "leadership"
	// KindRegister asks the leader to add ConversationID to the active set.
	KindRegister Kind = "register"
	// KindUnregister asks the leader to remove ConversationID from the active set.
	KindUnregister Kind = "unregister"
	// KindSend forwards an outbound payload from a follower to the leader.
	KindSend Kind = "send"
	// KindReceived rebroadcasts an inbound payload from the leader to followers.
	KindReceived Kind = "received"
)

// Message is one broadcast coordination message. OriginID always names the
// context that published it, so contexts can ignore their own echoes.
type Message struct {
	Kind           Kind            `json:"kind"`
	OriginID       string          `json:"origin_id"`
	OwnerID        string          `json:"owner_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Validate rejects messages outside the closed union or missing the fields
// their kind requires.
func (m Message) Validate() error {
	if m.OriginID == "" {
		return fmt.Errorf("bus: message missing origin_id")
	}
	switch m.Kind {
	case KindLeadership:
		if m.OwnerID == "" {
			return fmt.Errorf("bus: leadership message missing owner_id")
		}
	case KindRegister, KindUnregister:
		if m.ConversationID == "" {
			return fmt.Errorf("bus: %s message missing conversation_id", m.Kind)
		}
	case KindSend, KindReceived:
		if m.ConversationID == "" {
			return fmt.Errorf("bus: %s message missing conversation_id", m.Kind)
		}
	default:
		return fmt.Errorf("bus: unknown message kind %q", m.Kind)
	}
	return nil
}

// Bus is the same-origin fan-out channel. Publish never blocks on slow
// subscribers; subscribers that fall behind lose messages.
type Bus interface {
	// Publish delivers msg to every current subscriber, including ones in
	// the publishing context. Consumers filter echoes by OriginID.
	Publish(ctx context.Context, msg Message) error

	// Subscribe returns a channel of messages. The subscription ends and the
	// channel closes when ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context) (<-chan Message, error)

	// Close shuts the bus down and closes all subscriber channels.
	Close() error
}
