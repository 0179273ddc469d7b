// ABOUTME: In-context fan-out of inbound payloads to interested consumers.
// ABOUTME: Subscribers register per conversation id; slow consumers drop, never block.

// Package notify delivers inbound (conversation id, payload) pairs to
// whatever consumers registered interest within this context.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Update is one inbound payload tagged with its conversation.
type Update struct {
	ConversationID string
	Payload        json.RawMessage
}

// Notifier provides per-conversation pub/sub within one context.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string]map[string]chan Update // conversationID -> subID -> ch
	done   chan struct{}
	closed bool
	logger *slog.Logger
}

// New creates a notifier. Pass nil logger for default.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subs:   make(map[string]map[string]chan Update),
		done:   make(chan struct{}),
		logger: logger.With("component", "notify"),
	}
}

// Subscribe registers interest in a conversation. Returns the update channel
// and a subscription id for explicit unsubscription; the subscription is
// also cleaned up when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context, conversationID string) (<-chan Update, string) {
	subID := uuid.New().String()
	ch := make(chan Update, subscriberBufferSize)

	n.mu.Lock()
	if _, ok := n.subs[conversationID]; !ok {
		n.subs[conversationID] = make(map[string]chan Update)
	}
	n.subs[conversationID][subID] = ch
	n.mu.Unlock()

	// The watcher must also exit on Close, or subscriptions bound to
	// long-lived contexts would pin a goroutine each for the notifier's
	// whole lifetime.
	go func() {
		select {
		case <-ctx.Done():
			n.Unsubscribe(conversationID, subID)
		case <-n.done:
		}
	}()

	return ch, subID
}

// Publish fans an update out to every subscriber of its conversation.
// Non-blocking: updates are dropped for subscribers whose channels are full.
func (n *Notifier) Publish(update Update) {
	n.mu.RLock()
	subs, ok := n.subs[update.ConversationID]
	if !ok || len(subs) == 0 {
		n.mu.RUnlock()
		return
	}
	targets := make([]chan Update, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	n.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- update:
		default:
			n.logger.Debug("dropped update for slow subscriber",
				"conversation_id", update.ConversationID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(conversationID, subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.subs[conversationID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(n.subs, conversationID)
	}
}

// Close shuts the notifier down, closes all subscriber channels, and
// releases every context watcher.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.closed {
		n.closed = true
		close(n.done)
	}

	for conversationID, subs := range n.subs {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(n.subs, conversationID)
	}
}
