// ABOUTME: In-memory Transport used by tests and single-process demos.
// ABOUTME: Records outbound envelopes and lets the test push inbound frames.

package conn

import (
	"context"
	"io"
	"sync"
)

// Pipe is an in-memory Transport. Outbound envelopes are recorded; inbound
// frames are injected by the test via Push/PushRaw.
type Pipe struct {
	mu      sync.Mutex
	sent    []Envelope
	dials   int
	dialErr error

	inbound chan []byte
}

// NewPipe creates a Pipe with room for buffered inbound frames.
func NewPipe() *Pipe {
	return &Pipe{inbound: make(chan []byte, 64)}
}

// FailDials makes subsequent Dial calls return err (nil restores success).
func (p *Pipe) FailDials(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialErr = err
}

// Dial implements Transport.
func (p *Pipe) Dial(ctx context.Context) (Wire, error) {
	p.mu.Lock()
	p.dials++
	err := p.dialErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &pipeWire{pipe: p, done: make(chan struct{})}, nil
}

// Push injects an inbound envelope as a wire frame.
func (p *Pipe) Push(env Envelope) {
	data, err := marshalEnvelope(env)
	if err != nil {
		panic("conn: pipe push: " + err.Error())
	}
	p.PushRaw(data)
}

// PushRaw injects a raw inbound frame, valid or not.
func (p *Pipe) PushRaw(data []byte) {
	p.inbound <- data
}

// Sent returns a copy of all envelopes transmitted so far, in order.
func (p *Pipe) Sent() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Envelope, len(p.sent))
	copy(out, p.sent)
	return out
}

// Dials returns how many times the transport was dialled.
func (p *Pipe) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

type pipeWire struct {
	pipe *Pipe
	done chan struct{}
	once sync.Once
}

func (w *pipeWire) Send(env Envelope) error {
	w.pipe.mu.Lock()
	defer w.pipe.mu.Unlock()
	w.pipe.sent = append(w.pipe.sent, env)
	return nil
}

func (w *pipeWire) Receive() ([]byte, error) {
	select {
	case data := <-w.pipe.inbound:
		return data, nil
	case <-w.done:
		return nil, io.EOF
	}
}

func (w *pipeWire) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

var _ Transport = (*Pipe)(nil)
