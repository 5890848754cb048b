package redisq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundamental/fundamental/internal/domain"
)

type testMsg struct {
	domain.BaseMessage
	Seq int `json:"seq"`
}

func newTestBroker(t *testing.T) (*Broker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, 50*time.Millisecond), client
}

func TestPublishIsDurable(t *testing.T) {
	b, client := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Publish(ctx, "scan_jobs", &testMsg{Seq: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Durable in the list under the namespaced key until consumed.
	n, err := client.LLen(ctx, "fundamental:queue:scan_jobs").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConsumeFIFO(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	b.Subscribe("orders", func(_ context.Context, payload []byte) error {
		var m testMsg
		require.NoError(t, json.Unmarshal(payload, &m))
		mu.Lock()
		got = append(got, m.Seq)
		n := len(got)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil
	})

	for i := 1; i <= 5; i++ {
		_, err := b.Publish(ctx, "orders", &testMsg{Seq: i})
		require.NoError(t, err)
	}
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestHandlerFailureDoesNotStopConsumer(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	b.Subscribe("t", func(_ context.Context, payload []byte) error {
		var m testMsg
		require.NoError(t, json.Unmarshal(payload, &m))
		mu.Lock()
		got = append(got, m.Seq)
		n := len(got)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
		if m.Seq == 1 {
			panic("boom")
		}
		return nil
	})

	_, err := b.Publish(ctx, "t", &testMsg{Seq: 1})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "t", &testMsg{Seq: 2})
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer died after panic")
	}
}

func TestStopReturnsPromptly(t *testing.T) {
	b, _ := newTestBroker(t)
	b.Subscribe("idle", func(_ context.Context, _ []byte) error { return nil })
	require.NoError(t, b.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestKVOperations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kv := NewKV(client)
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "k", "v", time.Hour))
	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	set, err := kv.SetNX(ctx, "k", "other", time.Hour)
	require.NoError(t, err)
	assert.False(t, set)

	n, err := kv.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = kv.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, kv.Delete(ctx, "k", "counter"))
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// TTL expiry through miniredis's clock.
	require.NoError(t, kv.Set(ctx, "ttl", "1", time.Minute))
	mr.FastForward(2 * time.Minute)
	_, ok, err = kv.Get(ctx, "ttl")
	require.NoError(t, err)
	assert.False(t, ok)
}
