// ABOUTME: Durable holding area for payloads that arrive while a context is unobserved.
// ABOUTME: Per-conversation lists with lazy TTL purging on drain and a startup sweep.

// Package respcache stores inbound payloads durably, keyed by conversation
// id, so a from-scratch state reconstruction can recover messages that
// arrived while nobody was looking.
package respcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tabmux/tabmux/internal/kv"
)

// KeyPrefix namespaces cached-response lists in the shared store.
const KeyPrefix = "tabmux:cache:"

// DefaultTTL is how long a cached payload stays recoverable.
const DefaultTTL = 24 * time.Hour

// Entry is one cached payload with its arrival time.
type Entry struct {
	Payload  json.RawMessage `json:"payload"`
	CachedAt time.Time       `json:"cached_at"`
}

// Cache appends to and drains the per-conversation durable lists.
type Cache struct {
	store  kv.Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Config wires a Cache.
type Config struct {
	// Store is the shared durable key-value store. Required.
	Store kv.Store

	// TTL overrides the entry lifetime. Zero means the default.
	TTL time.Duration

	// Now is the clock, injectable for tests. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// New creates a Cache.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		store:  cfg.Store,
		ttl:    ttl,
		now:    now,
		logger: logger.With("component", "respcache"),
	}
}

// Put appends a payload to the conversation's durable list.
func (c *Cache) Put(ctx context.Context, conversationID string, payload json.RawMessage) error {
	key := KeyPrefix + conversationID
	entries := c.load(ctx, key)
	entries = append(entries, Entry{Payload: payload, CachedAt: c.now()})

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding cache entries: %w", err)
	}
	if err := c.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("writing cache for %q: %w", conversationID, err)
	}
	return nil
}

// Drain removes and returns the conversation's cached entries in arrival
// order, discarding any older than the TTL. A second immediate call returns
// nothing.
func (c *Cache) Drain(ctx context.Context, conversationID string) ([]Entry, error) {
	key := KeyPrefix + conversationID
	entries := c.load(ctx, key)
	if err := c.store.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("clearing cache for %q: %w", conversationID, err)
	}
	return c.fresh(entries), nil
}

// Sweep scans every cached list, drops expired entries, rewrites trimmed
// lists and deletes emptied ones. Run once at startup.
func (c *Cache) Sweep(ctx context.Context) {
	keys, err := c.store.Keys(ctx, KeyPrefix)
	if err != nil {
		c.logger.Warn("listing cache keys", "error", err)
		return
	}

	for _, key := range keys {
		entries := c.load(ctx, key)
		kept := c.fresh(entries)
		switch {
		case len(kept) == 0:
			if err := c.store.Delete(ctx, key); err != nil {
				c.logger.Warn("deleting expired cache list", "key", key, "error", err)
			}
		case len(kept) < len(entries):
			data, err := json.Marshal(kept)
			if err != nil {
				c.logger.Warn("encoding trimmed cache list", "key", key, "error", err)
				continue
			}
			if err := c.store.Set(ctx, key, data); err != nil {
				c.logger.Warn("rewriting trimmed cache list", "key", key, "error", err)
			}
		}
	}
}

// load reads a cache list, treating absent or corrupt data as empty.
// Corruption self-heals on the next write.
func (c *Cache) load(ctx context.Context, key string) []Entry {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("reading cache list", "key", key, "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		c.logger.Warn("corrupt cache list, treating as empty", "key", key, "error", err)
		return nil
	}
	return entries
}

// fresh filters out entries older than the TTL, preserving order.
func (c *Cache) fresh(entries []Entry) []Entry {
	if len(entries) == 0 {
		return nil
	}
	cutoff := c.now().Add(-c.ttl)
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.CachedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
