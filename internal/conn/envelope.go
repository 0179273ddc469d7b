// ABOUTME: Wire envelope carried over the multiplexed connection.
// ABOUTME: Only the conversation id is interpreted here; payloads stay opaque.

package conn

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingConversationID marks an inbound frame without the one field this
// layer requires.
var ErrMissingConversationID = errors.New("conn: envelope missing conversation_id")

// Envelope is one frame on the multiplexed connection. The payload shape is
// negotiated with the backend and opaque to this layer.
type Envelope struct {
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// marshalEnvelope encodes an envelope as a wire frame.
func marshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// ParseEnvelope decodes a wire frame and enforces the required-field
// contract.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("conn: decoding envelope: %w", err)
	}
	if env.ConversationID == "" {
		return Envelope{}, ErrMissingConversationID
	}
	return env, nil
}
