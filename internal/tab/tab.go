// ABOUTME: Per-context coordinator tying election, registry, connection and caching together.
// ABOUTME: Public surface: Register, Unregister, Send, Subscribe, SetObserved, Close.

package tab

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tabmux/tabmux/internal/bus"
	"github.com/tabmux/tabmux/internal/conn"
	"github.com/tabmux/tabmux/internal/election"
	"github.com/tabmux/tabmux/internal/kv"
	"github.com/tabmux/tabmux/internal/notify"
	"github.com/tabmux/tabmux/internal/registry"
	"github.com/tabmux/tabmux/internal/respcache"
	"github.com/tabmux/tabmux/internal/session"
)

// Config wires a Tab. Store, Bus and Transport are required.
type Config struct {
	// ID is the context identity. Empty means a fresh UUID.
	ID string

	// Store is the durable same-origin key-value store.
	Store kv.Store

	// Bus is the same-origin broadcast channel.
	Bus bus.Bus

	// Transport dials the backend push endpoint.
	Transport conn.Transport

	// Observed is the initial observation state. A tab that starts in the
	// foreground should pass true.
	Observed bool

	HeartbeatInterval  time.Duration
	PassiveTimeout     time.Duration
	VisibilityTimeout  time.Duration
	ConnectionDebounce time.Duration
	CacheTTL           time.Duration
	MaxSessions        int

	// Now is the clock, injectable for tests. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Tab is one execution context's coordinator. Construct one at startup,
// close it at shutdown. Nothing on its public surface panics or returns an
// error to the register/unregister/send/subscribe callers; failures are
// boolean results or logged drops.
type Tab struct {
	id     string
	logger *slog.Logger

	store    kv.Store
	bus      bus.Bus
	coord    *election.Coordinator
	mgr      *conn.Manager
	reg      *registry.Registry
	notifier *notify.Notifier
	cache    *respcache.Cache
	sessions *session.Store

	observed atomic.Bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New constructs and starts a Tab: it sweeps the response cache, begins
// watching the shared store and the bus, and attempts election.
func New(ctx context.Context, cfg Config) (*Tab, error) {
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("context_id", id)

	runCtx, cancel := context.WithCancel(context.Background())

	t := &Tab{
		id:     id,
		logger: logger,
		store:  cfg.Store,
		bus:    cfg.Bus,
		runCtx: runCtx,
		cancel: cancel,
	}
	t.observed.Store(cfg.Observed)

	t.notifier = notify.New(logger)
	t.sessions = session.NewStore(cfg.MaxSessions, sessionOptions(cfg)...)
	t.cache = respcache.New(respcache.Config{
		Store:  cfg.Store,
		TTL:    cfg.CacheTTL,
		Now:    cfg.Now,
		Logger: logger,
	})

	t.mgr = conn.NewManager(conn.Config{
		Transport: cfg.Transport,
		Debounce:  cfg.ConnectionDebounce,
		OnReceive: t.handleInbound,
		Logger:    logger,
	})

	t.coord = election.New(election.Config{
		ID:                id,
		Store:             cfg.Store,
		Bus:               cfg.Bus,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PassiveTimeout:    cfg.PassiveTimeout,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Now:               cfg.Now,
		OnElected:         t.onElected,
		OnResigned:        t.mgr.Close,
		Logger:            logger,
	})

	t.reg = registry.New(registry.Config{
		OriginID:  id,
		Bus:       cfg.Bus,
		Scheduler: t.mgr,
		IsLeader:  t.coord.IsLeader,
		Logger:    logger,
	})

	busCh, err := cfg.Bus.Subscribe(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	watchCh, err := cfg.Store.Watch(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	t.wg.Add(2)
	go t.busLoop(busCh)
	go t.watchLoop(watchCh)

	t.cache.Sweep(ctx)
	t.coord.AttemptElection(ctx)

	return t, nil
}

func sessionOptions(cfg Config) []session.Option {
	var opts []session.Option
	if cfg.Now != nil {
		opts = append(opts, session.WithClock(cfg.Now))
	}
	return opts
}

// ID returns the context identity.
func (t *Tab) ID() string { return t.id }

// IsLeader reports whether this context currently owns the connection.
func (t *Tab) IsLeader() bool { return t.coord.IsLeader() }

// Sessions exposes the bounded session store; the consumer layer drives
// create/activate/close from user actions.
func (t *Tab) Sessions() *session.Store { return t.sessions }

// Register declares that a conversation needs the shared connection.
func (t *Tab) Register(ctx context.Context, conversationID string) {
	t.reg.Register(ctx, conversationID)
}

// Unregister withdraws a conversation's demand for the connection.
func (t *Tab) Unregister(ctx context.Context, conversationID string) {
	t.reg.Unregister(ctx, conversationID)
}

// Send transmits a payload for a conversation. Leaders use the physical
// connection (queueing while it opens); followers forward over the bus.
// Returns false when the payload could not be handed off anywhere.
func (t *Tab) Send(ctx context.Context, conversationID string, payload json.RawMessage) bool {
	if conversationID == "" {
		return false
	}
	if t.coord.IsLeader() {
		return t.mgr.Send(conn.Envelope{ConversationID: conversationID, Payload: payload})
	}

	msg := bus.Message{
		Kind:           bus.KindSend,
		OriginID:       t.id,
		ConversationID: conversationID,
		Payload:        payload,
	}
	if err := t.bus.Publish(ctx, msg); err != nil {
		t.logger.Warn("forwarding send to leader", "conversation_id", conversationID, "error", err)
		return false
	}
	return true
}

// Subscribe registers a consumer for a conversation's inbound payloads.
func (t *Tab) Subscribe(ctx context.Context, conversationID string) (<-chan notify.Update, string) {
	return t.notifier.Subscribe(ctx, conversationID)
}

// Unsubscribe removes a subscription created by Subscribe.
func (t *Tab) Unsubscribe(conversationID, subID string) {
	t.notifier.Unsubscribe(conversationID, subID)
}

// Observed reports the current observation state.
func (t *Tab) Observed() bool { return t.observed.Load() }

// SetObserved records whether the user is currently observing this context.
// Flipping from unobserved to observed triggers the aggressive staleness
// check, shortening failover right when the user re-engages.
func (t *Tab) SetObserved(ctx context.Context, observed bool) {
	was := t.observed.Swap(observed)
	if !was && observed {
		t.coord.HandleVisibilityChange(ctx, true)
	}
}

// DrainCache removes and returns the payloads cached for a conversation
// while its context was unobserved.
func (t *Tab) DrainCache(ctx context.Context, conversationID string) ([]respcache.Entry, error) {
	return t.cache.Drain(ctx, conversationID)
}

// Close tears the Tab down: resigns (removing the ownership record when
// leading), closes the connection and stops all loops.
func (t *Tab) Close(ctx context.Context) {
	t.closeOnce.Do(func() {
		// Stop the loops first so this context cannot react to its own
		// ownership-record removal by re-electing itself.
		t.cancel()
		t.wg.Wait()
		t.coord.Shutdown(ctx)
		t.mgr.Shutdown()
		t.notifier.Close()
	})
}

// onElected opens the connection if conversations were already registered
// before this context took over.
func (t *Tab) onElected() {
	if t.reg.Len() > 0 {
		t.mgr.ScheduleOpen()
	}
}

// handleInbound runs on the leader, sequentially, in connection arrival
// order: deliver locally, then rebroadcast so followers' consumers see the
// payload too.
func (t *Tab) handleInbound(env conn.Envelope) {
	t.deliverLocal(env)

	msg := bus.Message{
		Kind:           bus.KindReceived,
		OriginID:       t.id,
		ConversationID: env.ConversationID,
		Payload:        env.Payload,
	}
	if err := t.bus.Publish(t.runCtx, msg); err != nil {
		t.logger.Warn("rebroadcasting inbound payload",
			"conversation_id", env.ConversationID, "error", err)
	}
}

// deliverLocal fans an inbound payload out to this context's subscribers
// and, when this context owns the conversation's session, appends it there —
// additionally caching it durably while unobserved so a from-scratch
// reconstruction can recover it.
func (t *Tab) deliverLocal(env conn.Envelope) {
	t.notifier.Publish(notify.Update{
		ConversationID: env.ConversationID,
		Payload:        env.Payload,
	})

	if !t.sessions.Contains(env.ConversationID) {
		return
	}
	t.sessions.Append(env.ConversationID, env.Payload)
	t.sessions.SetThinking(env.ConversationID, false)

	if !t.observed.Load() {
		if err := t.cache.Put(t.runCtx, env.ConversationID, env.Payload); err != nil {
			t.logger.Warn("caching unobserved payload",
				"conversation_id", env.ConversationID, "error", err)
		}
	}
}

// busLoop applies broadcast coordination messages. Every handler is
// idempotent because cross-context ordering is not guaranteed.
func (t *Tab) busLoop(ch <-chan bus.Message) {
	defer t.wg.Done()

	for msg := range ch {
		if msg.OriginID == t.id {
			continue
		}
		switch msg.Kind {
		case bus.KindLeadership:
			t.coord.HandleLeadershipMessage(msg)

		case bus.KindRegister:
			if t.coord.IsLeader() {
				t.reg.Apply(msg.ConversationID)
			}

		case bus.KindUnregister:
			if t.coord.IsLeader() {
				t.reg.Unapply(msg.ConversationID)
			}

		case bus.KindSend:
			if t.coord.IsLeader() {
				if !t.mgr.Send(conn.Envelope{ConversationID: msg.ConversationID, Payload: msg.Payload}) {
					t.logger.Warn("dropping forwarded send, connection unavailable",
						"conversation_id", msg.ConversationID)
				}
			}

		case bus.KindReceived:
			t.deliverLocal(conn.Envelope{ConversationID: msg.ConversationID, Payload: msg.Payload})
		}
	}
}

// watchLoop feeds shared-store changes into the election coordinator.
func (t *Tab) watchLoop(ch <-chan kv.Event) {
	defer t.wg.Done()

	for ev := range ch {
		if ev.Key != election.OwnerKey {
			continue
		}
		t.coord.HandleRecordChange(t.runCtx, ev)
	}
}
