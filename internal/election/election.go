// ABOUTME: Leader election over the shared ownership record with heartbeat refresh.
// ABOUTME: Implements passive and visibility-triggered failover plus clean resignation.

package election

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tabmux/tabmux/internal/bus"
	"github.com/tabmux/tabmux/internal/kv"
)

// OwnerKey is the fixed key of the shared ownership record.
const OwnerKey = "tabmux:owner"

// Default election timings. A record older than the passive timeout is stale
// and may be claimed by anyone; the visibility timeout is the tighter bound
// applied when a context regains observation, because an unobserved leader
// may be execution-throttled and late with its heartbeat.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultPassiveTimeout    = 5 * time.Second
	DefaultVisibilityTimeout = 3 * time.Second
)

// Role is the election state of one context.
type Role int

const (
	RoleUnelected Role = iota
	RoleFollower
	RoleLeader
)

// String returns the lowercase role name.
func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	default:
		return "unelected"
	}
}

// Record is the shared ownership record. Its timestamp is refreshed only by
// the context that currently believes it is owner.
type Record struct {
	OwnerID   string    `json:"owner_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Config wires a Coordinator. Store and Bus are required; everything else
// has defaults.
type Config struct {
	// ID is this context's identity. Required.
	ID string

	// Store holds the shared ownership record.
	Store kv.Store

	// Bus carries leadership announcements.
	Bus bus.Bus

	HeartbeatInterval time.Duration
	PassiveTimeout    time.Duration
	VisibilityTimeout time.Duration

	// Now is the clock, injectable for tests. Nil means time.Now.
	Now func() time.Time

	// OnElected runs after this context becomes leader (e.g. to open the
	// connection when conversations are already registered).
	OnElected func()

	// OnResigned runs after this context stops being leader.
	OnResigned func()

	Logger *slog.Logger
}

// Coordinator decides whether this context is leader or follower and keeps
// the ownership record fresh while leading.
type Coordinator struct {
	id     string
	store  kv.Store
	bus    bus.Bus
	logger *slog.Logger
	now    func() time.Time

	heartbeatInterval time.Duration
	passiveTimeout    time.Duration
	visibilityTimeout time.Duration

	onElected  func()
	onResigned func()

	mu            sync.Mutex
	role          Role
	currentOwner  string
	stopHeartbeat chan struct{}
	done          chan struct{}
	closed        bool
	wg            sync.WaitGroup
}

// New creates a Coordinator in the Unelected state.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Coordinator{
		id:                cfg.ID,
		store:             cfg.Store,
		bus:               cfg.Bus,
		logger:            logger.With("component", "election", "context_id", cfg.ID),
		now:               now,
		heartbeatInterval: cfg.HeartbeatInterval,
		passiveTimeout:    cfg.PassiveTimeout,
		visibilityTimeout: cfg.VisibilityTimeout,
		onElected:         cfg.OnElected,
		onResigned:        cfg.OnResigned,
		done:              make(chan struct{}),
	}
	if c.heartbeatInterval <= 0 {
		c.heartbeatInterval = DefaultHeartbeatInterval
	}
	if c.passiveTimeout <= 0 {
		c.passiveTimeout = DefaultPassiveTimeout
	}
	if c.visibilityTimeout <= 0 {
		c.visibilityTimeout = DefaultVisibilityTimeout
	}
	c.wg.Add(1)
	go c.passiveCheckLoop()
	return c
}

// Role returns the current election state.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// IsLeader reports whether this context currently owns the connection.
func (c *Coordinator) IsLeader() bool {
	return c.Role() == RoleLeader
}

// Owner returns the owner this context currently believes in.
func (c *Coordinator) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentOwner
}

// AttemptElection reads the ownership record and becomes leader if it is
// absent, stale, or already names this context; otherwise follower.
func (c *Coordinator) AttemptElection(ctx context.Context) {
	c.attempt(ctx, c.passiveTimeout)
}

// HandleVisibilityChange re-checks ownership when the context transitions
// from unobserved to observed, using the tighter visibility timeout.
func (c *Coordinator) HandleVisibilityChange(ctx context.Context, observed bool) {
	if !observed || c.IsLeader() {
		return
	}
	c.attempt(ctx, c.visibilityTimeout)
}

func (c *Coordinator) attempt(ctx context.Context, staleAfter time.Duration) {
	rec := c.readRecord(ctx)
	if rec == nil || c.now().Sub(rec.Timestamp) >= staleAfter || rec.OwnerID == c.id {
		c.becomeLeader(ctx)
		return
	}
	c.becomeFollower(rec.OwnerID)
}

// becomeLeader marks this context leader, writes the record immediately,
// starts the heartbeat, and announces the change on the bus.
func (c *Coordinator) becomeLeader(ctx context.Context) {
	c.mu.Lock()
	if c.role == RoleLeader || c.closed {
		c.mu.Unlock()
		return
	}
	c.role = RoleLeader
	c.currentOwner = c.id
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("became leader")
	c.writeRecord(ctx)

	go c.heartbeatLoop(stop)

	msg := bus.Message{Kind: bus.KindLeadership, OriginID: c.id, OwnerID: c.id}
	if err := c.bus.Publish(ctx, msg); err != nil {
		c.logger.Warn("broadcasting leadership change", "error", err)
	}

	if c.onElected != nil {
		c.onElected()
	}
}

func (c *Coordinator) becomeFollower(owner string) {
	c.mu.Lock()
	wasLeader := c.role == RoleLeader
	if !wasLeader && c.role == RoleFollower && c.currentOwner == owner {
		// Periodic checks re-confirm the same owner constantly; only
		// transitions are worth acting on.
		c.mu.Unlock()
		return
	}
	c.role = RoleFollower
	c.currentOwner = owner
	var stop chan struct{}
	if wasLeader {
		stop = c.stopHeartbeat
		c.stopHeartbeat = nil
	}
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.logger.Info("following", "owner_id", owner)
	if wasLeader && c.onResigned != nil {
		c.onResigned()
	}
}

// Resign steps down after an external write showed a different owner.
func (c *Coordinator) Resign(owner string) {
	c.mu.Lock()
	if c.role != RoleLeader {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Info("resigning leadership", "new_owner", owner)
	c.becomeFollower(owner)
}

// HandleRecordChange reacts to an observed change of the shared ownership
// record. A removed record triggers a fresh election; a record naming a
// different owner while this context leads forces resignation.
func (c *Coordinator) HandleRecordChange(ctx context.Context, ev kv.Event) {
	if ev.Key != OwnerKey {
		return
	}

	if ev.Value == nil {
		c.logger.Debug("ownership record removed, attempting election")
		c.AttemptElection(ctx)
		return
	}

	var rec Record
	if err := json.Unmarshal(ev.Value, &rec); err != nil {
		// Corrupt record: treat as absent, self-heals on the next write.
		c.logger.Warn("unparsable ownership record", "error", err)
		c.AttemptElection(ctx)
		return
	}

	c.mu.Lock()
	isLeader := c.role == RoleLeader
	c.mu.Unlock()

	if isLeader && rec.OwnerID != c.id {
		c.Resign(rec.OwnerID)
		// A foreign record that is already stale means the writer went
		// silent after electing; reclaim immediately instead of waiting
		// out the next passive check.
		if c.now().Sub(rec.Timestamp) >= c.passiveTimeout {
			c.AttemptElection(ctx)
		}
		return
	}
	if !isLeader {
		c.mu.Lock()
		if c.role == RoleFollower {
			c.currentOwner = rec.OwnerID
		}
		c.mu.Unlock()
	}
}

// HandleLeadershipMessage reacts to a leadership announcement from the bus.
func (c *Coordinator) HandleLeadershipMessage(msg bus.Message) {
	if msg.Kind != bus.KindLeadership || msg.OriginID == c.id {
		return
	}
	if c.IsLeader() && msg.OwnerID != c.id {
		c.Resign(msg.OwnerID)
		return
	}
	c.mu.Lock()
	if c.role == RoleFollower {
		c.currentOwner = msg.OwnerID
	}
	c.mu.Unlock()
}

// Shutdown stops the heartbeat and, when leading, removes the ownership
// record so siblings fail over immediately instead of waiting out the
// timeout.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	wasLeader := c.role == RoleLeader
	stop := c.stopHeartbeat
	c.stopHeartbeat = nil
	c.role = RoleUnelected
	var done chan struct{}
	if !c.closed {
		c.closed = true
		done = c.done
	}
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		close(done)
	}
	c.wg.Wait()

	if wasLeader {
		if err := c.store.Delete(ctx, OwnerKey); err != nil {
			c.logger.Warn("removing ownership record", "error", err)
		}
	}
}

// passiveCheckLoop polls the ownership record at the heartbeat cadence while
// this context is not leading. A leader that crashes or stalls silently
// writes no further record changes, so followers cannot rely on change
// events alone; the periodic staleness check is what claims ownership from a
// leader whose heartbeat has gone quiet past the passive timeout.
func (c *Coordinator) passiveCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.IsLeader() {
				continue
			}
			c.attempt(context.Background(), c.passiveTimeout)
		}
	}
}

func (c *Coordinator) heartbeatLoop(stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeRecord(context.Background())
		}
	}
}

// writeRecord overwrites the shared record with this context as owner.
// Overwrites are idempotent, which is what makes near-simultaneous elections
// converge within one heartbeat interval.
func (c *Coordinator) writeRecord(ctx context.Context) {
	rec := Record{OwnerID: c.id, Timestamp: c.now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error("encoding ownership record", "error", err)
		return
	}
	if err := c.store.Set(ctx, OwnerKey, payload); err != nil {
		c.logger.Warn("writing ownership record", "error", err)
	}
}

// readRecord returns the current ownership record, or nil when it is absent
// or unparsable.
func (c *Coordinator) readRecord(ctx context.Context) *Record {
	raw, err := c.store.Get(ctx, OwnerKey)
	if err != nil {
		c.logger.Warn("reading ownership record", "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.Warn("unparsable ownership record, treating as absent", "error", err)
		return nil
	}
	return &rec
}
