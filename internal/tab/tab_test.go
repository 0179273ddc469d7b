// ABOUTME: Integration tests wiring tabs over shared in-memory storage and bus.
// ABOUTME: Covers election, registration routing, send forwarding, failover, and unobserved caching.

package tab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busmemory "github.com/tabmux/tabmux/internal/bus/memory"
	"github.com/tabmux/tabmux/internal/conn"
	kvmemory "github.com/tabmux/tabmux/internal/kv/memory"
)

// world is the shared environment a set of sibling tabs lives in.
type world struct {
	store *kvmemory.Store
	hub   *busmemory.Hub
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{store: kvmemory.New(), hub: busmemory.New()}
	t.Cleanup(func() {
		w.hub.Close()
		w.store.Close()
	})
	return w
}

// newTab starts a tab with fast timings and its own transport pipe.
func (w *world) newTab(t *testing.T, id string, observed bool) (*Tab, *conn.Pipe) {
	t.Helper()
	pipe := conn.NewPipe()
	tab, err := New(context.Background(), Config{
		ID:                 id,
		Store:              w.store,
		Bus:                w.hub,
		Transport:          pipe,
		Observed:           observed,
		HeartbeatInterval:  20 * time.Millisecond,
		ConnectionDebounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tab.Close(context.Background()) })
	return tab, pipe
}

func TestFirstTabBecomesLeader(t *testing.T) {
	w := newWorld(t)

	a, _ := w.newTab(t, "tab-a", true)
	b, _ := w.newTab(t, "tab-b", true)

	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())
}

func TestFollowerRegistrationOpensLeaderConnection(t *testing.T) {
	w := newWorld(t)

	a, pipeA := w.newTab(t, "tab-a", true)
	b, pipeB := w.newTab(t, "tab-b", true)
	require.True(t, a.IsLeader())

	b.Register(context.Background(), "conv-1")

	require.Eventually(t, func() bool { return pipeA.Dials() == 1 },
		time.Second, time.Millisecond, "leader should open the connection")
	assert.Equal(t, 0, pipeB.Dials(), "follower never dials")
}

func TestFollowerSendReachesLeaderWire(t *testing.T) {
	w := newWorld(t)

	a, pipeA := w.newTab(t, "tab-a", true)
	b, _ := w.newTab(t, "tab-b", true)
	require.True(t, a.IsLeader())

	ctx := context.Background()
	b.Register(ctx, "conv-1")
	require.True(t, b.Send(ctx, "conv-1", json.RawMessage(`{"text":"hello"}`)))

	require.Eventually(t, func() bool { return len(pipeA.Sent()) == 1 },
		time.Second, time.Millisecond, "forwarded send should reach the leader's wire")
	sent := pipeA.Sent()[0]
	assert.Equal(t, "conv-1", sent.ConversationID)
	assert.JSONEq(t, `{"text":"hello"}`, string(sent.Payload))
}

func TestLeaderSendUsesOwnWire(t *testing.T) {
	w := newWorld(t)

	a, pipeA := w.newTab(t, "tab-a", true)
	require.True(t, a.IsLeader())

	ctx := context.Background()
	a.Register(ctx, "conv-1")
	require.True(t, a.Send(ctx, "conv-1", json.RawMessage(`"ping"`)))

	require.Eventually(t, func() bool { return len(pipeA.Sent()) == 1 },
		time.Second, time.Millisecond)
}

func TestSendRejectsEmptyConversation(t *testing.T) {
	w := newWorld(t)
	a, _ := w.newTab(t, "tab-a", true)

	assert.False(t, a.Send(context.Background(), "", json.RawMessage(`1`)))
}

func TestInboundReachesSubscribersInEveryTab(t *testing.T) {
	w := newWorld(t)

	a, pipeA := w.newTab(t, "tab-a", true)
	b, _ := w.newTab(t, "tab-b", true)
	require.True(t, a.IsLeader())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chA, _ := a.Subscribe(ctx, "conv-1")
	chB, _ := b.Subscribe(ctx, "conv-1")

	a.Register(ctx, "conv-1")
	require.Eventually(t, func() bool { return pipeA.Dials() == 1 }, time.Second, time.Millisecond)

	pipeA.Push(conn.Envelope{ConversationID: "conv-1", Payload: json.RawMessage(`"reply"`)})

	select {
	case u := <-chA:
		assert.Equal(t, "conv-1", u.ConversationID)
		assert.Equal(t, json.RawMessage(`"reply"`), u.Payload)
	case <-time.After(time.Second):
		t.Fatal("leader-side subscriber missed the payload")
	}

	select {
	case u := <-chB:
		assert.Equal(t, "conv-1", u.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("follower-side subscriber missed the rebroadcast")
	}
}

func TestLeaderCloseFailsOverToSibling(t *testing.T) {
	w := newWorld(t)

	a, _ := w.newTab(t, "tab-a", true)
	b, _ := w.newTab(t, "tab-b", true)
	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())

	a.Close(context.Background())

	require.Eventually(t, b.IsLeader, time.Second, time.Millisecond,
		"survivor should claim leadership after the record is removed")
}

func TestVisibilityFailoverFromStalledLeader(t *testing.T) {
	w := newWorld(t)

	// Leader whose heartbeat never fires again, so its record goes stale.
	pipeA := conn.NewPipe()
	a, err := New(context.Background(), Config{
		ID:                 "tab-a",
		Store:              w.store,
		Bus:                w.hub,
		Transport:          pipeA,
		Observed:           false,
		HeartbeatInterval:  time.Hour,
		ConnectionDebounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	require.True(t, a.IsLeader())

	pipeB := conn.NewPipe()
	b, err := New(context.Background(), Config{
		ID:                 "tab-b",
		Store:              w.store,
		Bus:                w.hub,
		Transport:          pipeB,
		Observed:           false,
		HeartbeatInterval:  time.Hour,
		VisibilityTimeout:  20 * time.Millisecond,
		ConnectionDebounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close(context.Background()) })
	require.False(t, b.IsLeader())

	time.Sleep(50 * time.Millisecond)

	// The user switches to tab B; the stalled leader's record is now older
	// than the visibility timeout.
	b.SetObserved(context.Background(), true)

	assert.True(t, b.IsLeader())
	require.Eventually(t, func() bool { return !a.IsLeader() },
		time.Second, time.Millisecond, "old leader should resign on seeing the new record")
}

func TestPassiveFailoverFromSilentLeader(t *testing.T) {
	w := newWorld(t)

	// Leader whose heartbeat stalls right after election.
	pipeA := conn.NewPipe()
	a, err := New(context.Background(), Config{
		ID:                 "tab-a",
		Store:              w.store,
		Bus:                w.hub,
		Transport:          pipeA,
		Observed:           true,
		HeartbeatInterval:  time.Hour,
		PassiveTimeout:     100 * time.Millisecond,
		ConnectionDebounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	require.True(t, a.IsLeader())

	pipeB := conn.NewPipe()
	b, err := New(context.Background(), Config{
		ID:                 "tab-b",
		Store:              w.store,
		Bus:                w.hub,
		Transport:          pipeB,
		Observed:           true,
		HeartbeatInterval:  20 * time.Millisecond,
		PassiveTimeout:     100 * time.Millisecond,
		ConnectionDebounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close(context.Background()) })
	require.False(t, b.IsLeader())

	// B stays observed throughout, so no visibility flip ever fires; the
	// periodic passive check alone must notice the quiet leader.
	require.Eventually(t, b.IsLeader, 2*time.Second, 5*time.Millisecond,
		"sibling should take over when the leader's heartbeat goes silent")
	require.Eventually(t, func() bool { return !a.IsLeader() },
		time.Second, time.Millisecond, "old leader should resign on seeing the new record")
}

func TestUnobservedTabCachesInboundForDrain(t *testing.T) {
	w := newWorld(t)

	a, pipeA := w.newTab(t, "tab-a", false)
	require.True(t, a.IsLeader())

	ctx := context.Background()
	convID := a.Sessions().Active().ID

	a.Register(ctx, convID)
	require.Eventually(t, func() bool { return pipeA.Dials() == 1 }, time.Second, time.Millisecond)

	pipeA.Push(conn.Envelope{ConversationID: convID, Payload: json.RawMessage(`"while away"`)})

	require.Eventually(t, func() bool {
		sess := a.Sessions().Get(convID)
		return sess != nil && len(sess.Messages) == 1
	}, time.Second, time.Millisecond, "payload should land in the session")

	sess := a.Sessions().Get(convID)
	assert.False(t, sess.IsThinking)

	// Drain recovers the payload cached while unobserved.
	a.SetObserved(ctx, true)
	entries, err := a.DrainCache(ctx, convID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, json.RawMessage(`"while away"`), entries[0].Payload)

	// Nothing left for a second drain.
	entries, err = a.DrainCache(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestObservedTabDoesNotCacheInbound(t *testing.T) {
	w := newWorld(t)

	a, pipeA := w.newTab(t, "tab-a", true)
	require.True(t, a.IsLeader())

	ctx := context.Background()
	convID := a.Sessions().Active().ID

	a.Register(ctx, convID)
	require.Eventually(t, func() bool { return pipeA.Dials() == 1 }, time.Second, time.Millisecond)

	pipeA.Push(conn.Envelope{ConversationID: convID, Payload: json.RawMessage(`"seen live"`)})

	require.Eventually(t, func() bool {
		sess := a.Sessions().Get(convID)
		return sess != nil && len(sess.Messages) == 1
	}, time.Second, time.Millisecond)

	entries, err := a.DrainCache(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, entries, "observed delivery must not cache")
}

func TestUnregisterLastConversationClosesConnection(t *testing.T) {
	w := newWorld(t)

	a, pipeA := w.newTab(t, "tab-a", true)
	require.True(t, a.IsLeader())

	ctx := context.Background()
	a.Register(ctx, "conv-1")
	require.Eventually(t, func() bool { return pipeA.Dials() == 1 }, time.Second, time.Millisecond)

	a.Unregister(ctx, "conv-1")

	// After the debounced close settles, a new registration reopens.
	time.Sleep(50 * time.Millisecond)
	a.Register(ctx, "conv-2")
	require.Eventually(t, func() bool { return pipeA.Dials() == 2 },
		time.Second, time.Millisecond, "connection should reopen for the new registration")
}

func TestCloseIsIdempotent(t *testing.T) {
	w := newWorld(t)
	a, _ := w.newTab(t, "tab-a", true)

	a.Close(context.Background())
	a.Close(context.Background())
}
