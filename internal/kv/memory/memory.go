// ABOUTME: In-process kv.Store used by sibling tabs in one process and by tests.
// ABOUTME: Fan-out of change events mirrors the non-blocking broadcaster pattern.

// Package memory provides an in-process implementation of kv.Store. A single
// instance shared between tabs stands in for same-origin durable storage.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tabmux/tabmux/internal/kv"
)

// watcherBufferSize is the channel buffer for each watcher.
const watcherBufferSize = 64

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store implements kv.Store with a plain map. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[chan kv.Event]struct{}
	closed   bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		data:     make(map[string][]byte),
		watchers: make(map[chan kv.Event]struct{}),
	}
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set implements kv.Store.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	targets := s.watcherSnapshot()
	s.mu.Unlock()

	notify(targets, kv.Event{Key: key, Value: stored})
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	_, existed := s.data[key]
	delete(s.data, key)
	targets := s.watcherSnapshot()
	s.mu.Unlock()

	if existed {
		notify(targets, kv.Event{Key: key})
	}
	return nil
}

// Keys implements kv.Store.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Watch implements kv.Store. The watcher is removed when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) (<-chan kv.Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan kv.Event, watcherBufferSize)
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}()

	return ch, nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for ch := range s.watchers {
		close(ch)
		delete(s.watchers, ch)
	}
	return nil
}

// watcherSnapshot copies the watcher set. Must be called with mu held.
func (s *Store) watcherSnapshot() []chan kv.Event {
	targets := make([]chan kv.Event, 0, len(s.watchers))
	for ch := range s.watchers {
		targets = append(targets, ch)
	}
	return targets
}

// notify delivers an event to each watcher without blocking. Watchers that
// cannot keep up miss events, which the kv contract allows.
func notify(targets []chan kv.Event, ev kv.Event) {
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
		}
	}
}

var _ kv.Store = (*Store)(nil)
