// ABOUTME: Tests for the Redis-backed kv.Store.
// ABOUTME: Requires a local Redis; skips when one is not available.

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabmux/tabmux/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// Unique prefix per test so runs do not interfere.
	prefix := fmt.Sprintf("tabmux-test:%s:%d:", t.Name(), time.Now().UnixNano())
	s, err := New(Config{Client: client, KeyPrefix: prefix})
	require.NoError(t, err)

	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	return s
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStore_SetGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set(ctx, "a", []byte("one")))
	v, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	require.NoError(t, s.Delete(ctx, "a"))
	v, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStore_KeysPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "cache:a", []byte("1")))
	require.NoError(t, s.Set(ctx, "cache:b", []byte("2")))
	require.NoError(t, s.Set(ctx, "owner", []byte("3")))

	keys, err := s.Keys(ctx, "cache:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cache:a", "cache:b"}, keys)
}

func TestStore_WatchDeliversChanges(t *testing.T) {
	s := newTestStore(t)
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
