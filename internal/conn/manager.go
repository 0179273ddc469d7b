// ABOUTME: Manages the single physical connection owned by the leader context.
// ABOUTME: Debounced open/close, FIFO queueing while opening, inbound envelope routing.

package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce coalesces bursts of registrations into one open (or close)
// of the physical connection.
const DefaultDebounce = 300 * time.Millisecond

// Wire is one live physical connection. Send marshals and transmits an
// envelope; Receive blocks for the next raw frame.
type Wire interface {
	Send(env Envelope) error
	Receive() ([]byte, error)
	Close() error
}

// Transport dials new physical connections.
type Transport interface {
	Dial(ctx context.Context) (Wire, error)
}

type state int

const (
	stateClosed state = iota
	stateOpening
	stateOpen
)

// Config wires a Manager.
type Config struct {
	// Transport dials the backend push endpoint. Required.
	Transport Transport

	// Debounce overrides the open/close debounce. Zero means the default.
	Debounce time.Duration

	// OnReceive is called sequentially, in connection arrival order, with
	// every valid inbound envelope. Required.
	OnReceive func(Envelope)

	Logger *slog.Logger
}

// Manager owns the leader's physical connection. Open and close are
// debounced, single-slot and mutually cancelling: scheduling one purpose
// cancels any pending action of the other purpose.
type Manager struct {
	transport Transport
	debounce  time.Duration
	onReceive func(Envelope)
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	st         state
	wire       Wire
	queue      []Envelope
	openTimer  *time.Timer
	closeTimer *time.Timer
	gen        uint64 // connection generation, guards stale dial results and read loops
}

// NewManager creates a Manager with no connection.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: cfg.Transport,
		debounce:  debounce,
		onReceive: cfg.OnReceive,
		logger:    logger.With("component", "conn"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ScheduleOpen requests a debounced connection open. No-op when the
// connection is already open or opening; cancels any pending close.
func (m *Manager) ScheduleOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closeTimer != nil {
		m.closeTimer.Stop()
		m.closeTimer = nil
	}
	if m.st != stateClosed || m.openTimer != nil {
		return
	}
	m.openTimer = time.AfterFunc(m.debounce, m.open)
}

// ScheduleClose requests a debounced connection close; cancels any pending
// open.
func (m *Manager) ScheduleClose() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openTimer != nil {
		m.openTimer.Stop()
		m.openTimer = nil
		m.queue = nil
	}
	if m.st == stateClosed || m.closeTimer != nil {
		return
	}
	m.closeTimer = time.AfterFunc(m.debounce, m.Close)
}

// Send transmits a payload for a conversation. While an open is pending or
// in progress the envelope joins a FIFO queue flushed, in order, before the
// open state is published. Returns false when no connection is open, opening,
// or scheduled to open; the caller owns user-visible error handling.
func (m *Manager) Send(env Envelope) bool {
	m.mu.Lock()
	switch m.st {
	case stateOpen:
		wire := m.wire
		m.mu.Unlock()
		if err := wire.Send(env); err != nil {
			m.logger.Warn("send failed",
				"conversation_id", env.ConversationID,
				"error", err,
			)
			return false
		}
		return true

	case stateOpening:
		m.queue = append(m.queue, env)
		m.mu.Unlock()
		return true

	default:
		// A pending open counts as opening for queueing purposes, so a
		// payload sent right after the registration that scheduled the open
		// is not lost to the debounce window.
		if m.openTimer != nil {
			m.queue = append(m.queue, env)
			m.mu.Unlock()
			return true
		}
		m.mu.Unlock()
		return false
	}
}

// open transitions closed -> opening and dials asynchronously.
func (m *Manager) open() {
	m.mu.Lock()
	m.openTimer = nil
	if m.st != stateClosed {
		m.mu.Unlock()
		return
	}
	m.st = stateOpening
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.logger.Debug("opening connection")
	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	wire, err := m.transport.Dial(m.ctx)

	m.mu.Lock()
	if m.gen != gen || m.st != stateOpening {
		m.mu.Unlock()
		if err == nil {
			wire.Close()
		}
		return
	}

	if err != nil {
		// No automatic retry: still-registered conversations make the
		// connection eligible to reopen on the next registration.
		dropped := len(m.queue)
		m.queue = nil
		m.st = stateClosed
		m.mu.Unlock()
		m.logger.Warn("connection open failed", "error", err, "dropped_queued", dropped)
		return
	}

	// Publish stateOpen only after the queue is fully flushed. Sends racing
	// the flush still see stateOpening and queue behind it, so the FIFO
	// order of queued envelopes holds.
	flushed := 0
	for len(m.queue) > 0 {
		pending := m.queue
		m.queue = nil
		m.mu.Unlock()
		for _, env := range pending {
			if err := wire.Send(env); err != nil {
				m.logger.Warn("flushing queued send failed",
					"conversation_id", env.ConversationID,
					"error", err,
				)
			}
		}
		flushed += len(pending)
		m.mu.Lock()
		if m.gen != gen || m.st != stateOpening {
			m.mu.Unlock()
			wire.Close()
			return
		}
	}
	m.st = stateOpen
	m.wire = wire
	m.mu.Unlock()

	m.logger.Info("connection open", "flushed_queued", flushed)
	go m.readLoop(gen, wire)
}

// readLoop delivers inbound envelopes sequentially, preserving connection
// arrival order within this context.
func (m *Manager) readLoop(gen uint64, wire Wire) {
	for {
		data, err := wire.Receive()
		if err != nil {
			m.mu.Lock()
			if m.gen == gen {
				m.st = stateClosed
				m.wire = nil
				m.gen++
			}
			m.mu.Unlock()
			m.logger.Info("connection closed", "error", err)
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			m.logger.Warn("dropping malformed inbound envelope", "error", err)
			continue
		}
		m.onReceive(env)
	}
}

// Close tears the connection down immediately, cancelling any pending
// deferred action. Used on resignation and shutdown; also the target of the
// debounced close.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.openTimer != nil {
		m.openTimer.Stop()
		m.openTimer = nil
	}
	if m.closeTimer != nil {
		m.closeTimer.Stop()
		m.closeTimer = nil
	}
	wire := m.wire
	m.wire = nil
	m.st = stateClosed
	m.queue = nil
	m.gen++
	m.mu.Unlock()

	if wire != nil {
		m.logger.Debug("closing connection")
		wire.Close()
	}
}

// Shutdown closes the connection and cancels any in-flight dial.
func (m *Manager) Shutdown() {
	m.cancel()
	m.Close()
}

// IsOpen reports whether a connection is currently established.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st == stateOpen
}

// IsIdle reports whether there is no connection and no pending action.
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st == stateClosed && m.openTimer == nil && m.closeTimer == nil
}
