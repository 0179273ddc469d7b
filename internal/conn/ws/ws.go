// ABOUTME: WebSocket implementation of the conn.Transport physical connection.
// ABOUTME: Single socket to the backend push endpoint; writes serialized by a mutex.

// Package ws dials the backend push endpoint over WebSocket. Frames are the
// JSON wire envelopes defined in package conn.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tabmux/tabmux/internal/conn"
)

// Transport dials one WebSocket per conn.Manager open.
type Transport struct {
	// URL is the ws:// or wss:// push endpoint. Required.
	URL string

	// Header is sent with the handshake (e.g. Authorization).
	Header http.Header
}

// Dial implements conn.Transport.
func (t *Transport) Dial(ctx context.Context) (conn.Wire, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", t.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", t.URL, err)
	}
	return &wire{c: c}, nil
}

// wire wraps one live socket. gorilla/websocket allows one concurrent reader
// and one concurrent writer; the manager's read loop is the single reader
// and writeMu serializes writers.
type wire struct {
	c       *websocket.Conn
	writeMu sync.Mutex
}

func (w *wire) Send(env conn.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wire) Receive() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wire) Close() error {
	w.writeMu.Lock()
	// Best-effort close handshake before dropping the socket.
	_ = w.c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeMu.Unlock()
	return w.c.Close()
}

var _ conn.Transport = (*Transport)(nil)
