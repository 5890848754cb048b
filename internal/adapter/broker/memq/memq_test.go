package memq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundamental/fundamental/internal/domain"
)

type testMsg struct {
	domain.BaseMessage
	Seq int `json:"seq"`
}

func TestPublishAssignsMessageID(t *testing.T) {
	b := New()
	msg := &testMsg{Seq: 1}
	id, err := b.Publish(context.Background(), "t", msg)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, msg.ID())

	// A preset id is preserved.
	msg2 := &testMsg{Seq: 2}
	msg2.SetID("fixed")
	id2, err := b.Publish(context.Background(), "t", msg2)
	require.NoError(t, err)
	assert.Equal(t, "fixed", id2)
}

func TestFIFODeliveryPerTopic(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []int
	b.Subscribe("orders", func(_ context.Context, payload []byte) error {
		var m testMsg
		require.NoError(t, json.Unmarshal(payload, &m))
		mu.Lock()
		got = append(got, m.Seq)
		mu.Unlock()
		return nil
	})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	for i := 1; i <= 20; i++ {
		_, err := b.Publish(context.Background(), "orders", &testMsg{Seq: i})
		require.NoError(t, err)
	}
	require.True(t, b.Drain(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 20)
	for i, seq := range got {
		assert.Equal(t, i+1, seq)
	}
}

func TestHandlerErrorAndPanicContained(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var delivered []int
	b.Subscribe("t", func(_ context.Context, payload []byte) error {
		var m testMsg
		require.NoError(t, json.Unmarshal(payload, &m))
		mu.Lock()
		delivered = append(delivered, m.Seq)
		mu.Unlock()
		switch m.Seq {
		case 1:
			return assert.AnError
		case 2:
			panic("boom")
		}
		return nil
	})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	for i := 1; i <= 3; i++ {
		_, err := b.Publish(context.Background(), "t", &testMsg{Seq: i})
		require.NoError(t, err)
	}
	require.True(t, b.Drain(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	// The failing and panicking messages count as delivered; the loop survives.
	assert.Equal(t, []int{1, 2, 3}, delivered)
}

func TestTopicsAreIndependent(t *testing.T) {
	b := New()
	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(topic string) domain.Handler {
		return func(_ context.Context, _ []byte) error {
			mu.Lock()
			seen[topic]++
			mu.Unlock()
			return nil
		}
	}
	b.Subscribe("a", handler("a"))
	b.Subscribe("b", handler("b"))
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	_, err := b.Publish(context.Background(), "a", &testMsg{Seq: 1})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), "b", &testMsg{Seq: 2})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), "b", &testMsg{Seq: 3})
	require.NoError(t, err)
	require.True(t, b.Drain(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen["a"])
	assert.Equal(t, 2, seen["b"])
}

func TestDoubleStartRejected(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()
	assert.ErrorIs(t, b.Start(context.Background()), domain.ErrConflict)
}
