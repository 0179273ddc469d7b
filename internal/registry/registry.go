// ABOUTME: Reference-counted set of conversation ids that need the connection open.
// ABOUTME: Leaders mutate locally and drive open/close; followers forward requests.

// Package registry tracks which logical conversations currently demand the
// shared connection. All mutations are idempotent so replayed or duplicated
// broadcast requests are no-ops.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tabmux/tabmux/internal/bus"
)

// Scheduler is the slice of the connection manager the registry drives.
type Scheduler interface {
	ScheduleOpen()
	ScheduleClose()
}

// Config wires a Registry.
type Config struct {
	// OriginID is this context's identity, stamped on forwarded requests.
	OriginID string

	// Bus carries register/unregister requests from followers to the leader.
	Bus bus.Bus

	// Scheduler receives open/close demands while leading.
	Scheduler Scheduler

	// IsLeader reports the context's current role.
	IsLeader func() bool

	Logger *slog.Logger
}

// Registry is the ActiveConversationSet plus its leader/follower routing.
type Registry struct {
	originID  string
	bus       bus.Bus
	scheduler Scheduler
	isLeader  func() bool
	logger    *slog.Logger

	mu  sync.Mutex
	ids map[string]struct{}
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		originID:  cfg.OriginID,
		bus:       cfg.Bus,
		scheduler: cfg.Scheduler,
		isLeader:  cfg.IsLeader,
		logger:    logger.With("component", "registry"),
		ids:       make(map[string]struct{}),
	}
}

// Register adds a conversation to the active set. Leaders apply the mutation
// and schedule a connection open; followers broadcast the request so the
// leader's registry performs the same mutation.
func (r *Registry) Register(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}
	if r.isLeader() {
		r.Apply(conversationID)
		return
	}
	r.forward(ctx, bus.KindRegister, conversationID)
}

// Unregister removes a conversation from the active set, with the same
// leader/follower split as Register.
func (r *Registry) Unregister(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}
	if r.isLeader() {
		r.Unapply(conversationID)
		return
	}
	r.forward(ctx, bus.KindUnregister, conversationID)
}

// Apply performs the leader-side add. Idempotent: duplicates and replays are
// no-ops. The open is scheduled on every add so a leader elected after the
// set filled still opens.
func (r *Registry) Apply(conversationID string) {
	r.mu.Lock()
	_, existed := r.ids[conversationID]
	r.ids[conversationID] = struct{}{}
	r.mu.Unlock()

	if !existed {
		r.logger.Debug("conversation registered", "conversation_id", conversationID)
	}
	r.scheduler.ScheduleOpen()
}

// Unapply performs the leader-side remove; schedules a close when the set
// becomes empty.
func (r *Registry) Unapply(conversationID string) {
	r.mu.Lock()
	_, existed := r.ids[conversationID]
	delete(r.ids, conversationID)
	empty := len(r.ids) == 0
	r.mu.Unlock()

	if existed {
		r.logger.Debug("conversation unregistered", "conversation_id", conversationID)
	}
	if empty {
		r.scheduler.ScheduleClose()
	}
}

// Len returns the size of the active set.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Contains reports whether a conversation is in the active set.
func (r *Registry) Contains(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[conversationID]
	return ok
}

// Snapshot returns the currently registered conversation ids.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	return out
}

func (r *Registry) forward(ctx context.Context, kind bus.Kind, conversationID string) {
	msg := bus.Message{Kind: kind, OriginID: r.originID, ConversationID: conversationID}
	if err := r.bus.Publish(ctx, msg); err != nil {
		// Best-effort: a lost request is retried implicitly by the next
		// registration or leadership change.
		r.logger.Warn("forwarding registration request",
			"kind", kind,
			"conversation_id", conversationID,
			"error", err,
		)
	}
}
