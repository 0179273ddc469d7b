// ABOUTME: Tests for the SQLite-backed kv.Store.
// ABOUTME: Covers CRUD, prefix escaping, cross-handle change watching, and persistence.

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabmux/tabmux/internal/kv"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(path, Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SetGetDelete(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "kv.db"))
	ctx := context.Background()

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set(ctx, "a", []byte("one")))
	v, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	// Overwrite
	require.NoError(t, s.Set(ctx, "a", []byte("two")))
	v, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)

	require.NoError(t, s.Delete(ctx, "a"))
	v, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStore_KeysPrefix(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "kv.db"))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "cache:a", []byte("1")))
	require.NoError(t, s.Set(ctx, "cache:b", []byte("2")))
	require.NoError(t, s.Set(ctx, "owner", []byte("3")))

	keys, err := s.Keys(ctx, "cache:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cache:a", "cache:b"}, keys)
}

func TestStore_KeysPrefixEscapesWildcards(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "kv.db"))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a%b:1", []byte("1")))
	require.NoError(t, s.Set(ctx, "axb:2", []byte("2")))

	// A literal % in the prefix must not match arbitrary characters.
	keys, err := s.Keys(ctx, "a%b:")
	require.NoError(t, err)
	assert.Equal(t, []string{"a%b:1"}, keys)
}

func TestStore_WatchSeesOwnWrites(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "kv.db"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))

	ev := recvEvent(t, ch)
	assert.Equal(t, "k", ev.Key)
	assert.Equal(t, []byte("v"), ev.Value)

	require.NoError(t, s.Delete(ctx, "k"))

	ev = recvEvent(t, ch)
	assert.Equal(t, "k", ev.Key)
	assert.Nil(t, ev.Value)
}

func TestStore_WatchSeesSiblingWrites(t *testing.T) {
	// Two handles on the same file model two processes of one origin.
	path := filepath.Join(t.TempDir(), "kv.db")
	writer := newTestStore(t, path)
	watcher := newTestStore(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := watcher.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, writer.Set(ctx, "shared", []byte("hello")))

	ev := recvEvent(t, ch)
	assert.Equal(t, "shared", ev.Key)
	assert.Equal(t, []byte("hello"), ev.Value)
}

func TestStore_PreexistingRowsNotReportedAsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	first := newTestStore(t, path)
	require.NoError(t, first.Set(ctx, "old", []byte("data")))
	require.NoError(t, first.Close())

	second := newTestStore(t, path)
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := second.Watch(watchCtx)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for pre-existing row: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	first := newTestStore(t, path)
	require.NoError(t, first.Set(ctx, "durable", []byte("payload")))
	require.NoError(t, first.Close())

	second := newTestStore(t, path)
	v, err := second.Get(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), v)
}

func TestStore_CloseIdempotent(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	_, err := s.Watch(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func recvEvent(t *testing.T, ch <-chan kv.Event) kv.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return kv.Event{}
	}
}
