// ABOUTME: Redis pub/sub implementation of bus.Bus for contexts across machines.
// ABOUTME: One channel per origin; malformed payloads are logged and dropped.

// Package redis implements bus.Bus on a Redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tabmux/tabmux/internal/bus"
)

// Config contains configuration options for the Redis bus.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient

	// Channel is the pub/sub channel name. Defaults to "tabmux:bus".
	Channel string

	// Logger receives subscription diagnostics. Nil means slog.Default.
	Logger *slog.Logger
}

// Bus implements bus.Bus over a single Redis pub/sub channel.
type Bus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// New creates a Redis-backed bus.
func New(cfg Config) (*Bus, error) {
	if cfg.Client == nil {
		return nil, errors.New("bus/redis: client is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "tabmux:bus"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:  cfg.Client,
		channel: channel,
		logger:  logger.With("component", "bus.redis"),
	}, nil
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding bus message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing bus message: %w", err)
	}
	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context) (<-chan bus.Message, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to bus channel: %w", err)
	}

	out := make(chan bus.Message, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-msgs:
				if !ok {
					return
				}
				var msg bus.Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.logger.Warn("dropping malformed bus message", "error", err)
					continue
				}
				if err := msg.Validate(); err != nil {
					b.logger.Warn("dropping invalid bus message", "error", err)
					continue
				}
				select {
				case out <- msg:
				default:
					// Subscriber is behind; best-effort delivery.
				}
			}
		}
	}()
	return out, nil
}

// Close implements bus.Bus. The underlying client is owned by the caller.
func (b *Bus) Close() error {
	return nil
}

var _ bus.Bus = (*Bus)(nil)
