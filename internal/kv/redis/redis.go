// ABOUTME: Redis implementation of kv.Store for contexts spread across machines.
// ABOUTME: Values live in plain keys; change notification uses a pub/sub channel.

// Package redis implements kv.Store on a Redis server. Every write publishes
// a change event on a shared pub/sub channel, so notification only covers
// writes made through this package — which is all sibling contexts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tabmux/tabmux/internal/kv"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient

	// KeyPrefix is prepended to all keys. Defaults to "tabmux:kv:".
	KeyPrefix string

	// Logger receives subscription diagnostics. Nil means slog.Default.
	Logger *slog.Logger
}

// Store implements kv.Store using Redis keys plus a pub/sub change channel.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

// changeEvent is the wire shape published on the change channel.
type changeEvent struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("kv/redis: client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tabmux:kv:"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:    cfg.Client,
		keyPrefix: prefix,
		logger:    logger.With("component", "kv.redis"),
	}, nil
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key %q: %w", key, err)
	}
	return val, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	s.publishChange(ctx, changeEvent{Key: key, Value: value})
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	s.publishChange(ctx, changeEvent{Key: key, Deleted: true})
	return nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := s.keyPrefix + prefix + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning keys: %w", err)
		}
		for _, k := range batch {
			keys = append(keys, k[len(s.keyPrefix):])
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Watch implements kv.Store.
func (s *Store) Watch(ctx context.Context) (<-chan kv.Event, error) {
	sub := s.client.Subscribe(ctx, s.changeChannel())

	// Confirm the subscription before returning so callers do not miss
	// writes made immediately after Watch.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to change channel: %w", err)
	}

	out := make(chan kv.Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev changeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("dropping malformed change event", "error", err)
					continue
				}
				select {
				case out <- kv.Event{Key: ev.Key, Value: ev.Value}:
				default:
					// Watcher is behind; delivery is best-effort.
				}
			}
		}
	}()
	return out, nil
}

// Close implements kv.Store. The underlying client is owned by the caller.
func (s *Store) Close() error {
	return nil
}

func (s *Store) publishChange(ctx context.Context, ev changeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("encoding change event", "key", ev.Key, "error", err)
		return
	}
	if err := s.client.Publish(ctx, s.changeChannel(), payload).Err(); err != nil {
		// Change notification is best-effort; the write itself succeeded.
		s.logger.Warn("publishing change event", "key", ev.Key, "error", err)
	}
}

func (s *Store) changeChannel() string {
	return s.keyPrefix + "changes"
}

var _ kv.Store = (*Store)(nil)
