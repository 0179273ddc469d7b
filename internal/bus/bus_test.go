// ABOUTME: Tests for the broadcast message contract.
// ABOUTME: Validates the closed kind union and per-kind required fields.

package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{
			name: "valid leadership",
			msg:  Message{Kind: KindLeadership, OriginID: "a", OwnerID: "a"},
		},
		{
			name: "valid register",
			msg:  Message{Kind: KindRegister, OriginID: "a", ConversationID: "c"},
		},
		{
			name: "valid unregister",
			msg:  Message{Kind: KindUnregister, OriginID: "a", ConversationID: "c"},
		},
		{
			name: "valid send",
			msg:  Message{Kind: KindSend, OriginID: "a", ConversationID: "c"},
		},
		{
			name: "valid received",
			msg:  Message{Kind: KindReceived, OriginID: "a", ConversationID: "c"},
		},
		{
			name:    "missing origin",
			msg:     Message{Kind: KindLeadership, OwnerID: "a"},
			wantErr: "origin_id",
		},
		{
			name:    "leadership without owner",
			msg:     Message{Kind: KindLeadership, OriginID: "a"},
			wantErr: "owner_id",
		},
		{
			name:    "register without conversation",
			msg:     Message{Kind: KindRegister, OriginID: "a"},
			wantErr: "conversation_id",
		},
		{
			name:    "send without conversation",
			msg:     Message{Kind: KindSend, OriginID: "a"},
			wantErr: "conversation_id",
		},
		{
			name:    "unknown kind",
			msg:     Message{Kind: "gossip", OriginID: "a"},
			wantErr: "unknown message kind",
		},
		{
			name:    "empty kind",
			msg:     Message{OriginID: "a"},
			wantErr: "unknown message kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
