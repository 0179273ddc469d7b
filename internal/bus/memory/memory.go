// ABOUTME: In-process bus.Bus for sibling tabs in one process and for tests.
// ABOUTME: Non-blocking fan-out; slow subscribers drop messages rather than stall publishers.

// Package memory provides an in-process implementation of bus.Bus.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/tabmux/tabmux/internal/bus"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Hub implements bus.Bus for contexts sharing one process.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan bus.Message]struct{}
	closed bool
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[chan bus.Message]struct{})}
}

// Publish implements bus.Bus.
func (h *Hub) Publish(_ context.Context, msg bus.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	targets := make([]chan bus.Message, 0, len(h.subs))
	for ch := range h.subs {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			// Subscriber is behind; best-effort delivery.
		}
	}
	return nil
}

// Subscribe implements bus.Bus.
func (h *Hub) Subscribe(ctx context.Context) (<-chan bus.Message, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan bus.Message, subscriberBufferSize)
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}()

	return ch, nil
}

// Close implements bus.Bus.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
	return nil
}

var _ bus.Bus = (*Hub)(nil)
