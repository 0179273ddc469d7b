// ABOUTME: Tests for the in-process broadcast hub.
// ABOUTME: Covers fan-out to all subscribers, echo delivery, validation, and close.

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabmux/tabmux/internal/bus"
)

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	h := New()
	defer h.Close()
	ctx := context.Background()

	ch1, err := h.Subscribe(ctx)
	require.NoError(t, err)
	ch2, err := h.Subscribe(ctx)
	require.NoError(t, err)

	msg := bus.Message{Kind: bus.KindLeadership, OriginID: "a", OwnerID: "a"}
	require.NoError(t, h.Publish(ctx, msg))

	assert.Equal(t, msg, recvMessage(t, ch1))
	assert.Equal(t, msg, recvMessage(t, ch2))
}

func TestHub_PublisherReceivesOwnMessage(t *testing.T) {
	// Echo filtering is the consumer's job, keyed on OriginID.
	h := New()
	defer h.Close()
	ctx := context.Background()

	ch, err := h.Subscribe(ctx)
	require.NoError(t, err)

	msg := bus.Message{Kind: bus.KindRegister, OriginID: "self", ConversationID: "c"}
	require.NoError(t, h.Publish(ctx, msg))

	got := recvMessage(t, ch)
	assert.Equal(t, "self", got.OriginID)
}

func TestHub_PublishRejectsInvalidMessage(t *testing.T) {
	h := New()
	defer h.Close()

	err := h.Publish(context.Background(), bus.Message{Kind: "bogus", OriginID: "a"})
	assert.Error(t, err)
}

func TestHub_SubscribeCancelClosesChannel(t *testing.T) {
	h := New()
	defer h.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := h.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed after cancel")
	}
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	h := New()
	ctx := context.Background()

	ch, err := h.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Close())

	_, ok := <-ch
	assert.False(t, ok)

	err = h.Publish(ctx, bus.Message{Kind: bus.KindLeadership, OriginID: "a", OwnerID: "a"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = h.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func recvMessage(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return bus.Message{}
	}
}
