// Package memq is the in-memory broker used by tests and single-process
// deployments. It honors the same contract as the Redis backend: FIFO per
// topic, at-least-once delivery with handler failures contained, and an
// atomic key-value side for the progress counters.
package memq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/observability"
)

// Broker is an in-process FIFO per topic with long-poll style consumers.
type Broker struct {
	mu          sync.Mutex
	queues      map[string][][]byte
	handlers    map[string][]domain.Handler
	concurrency map[string]int
	kv          *KV

	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New returns an empty broker with a fresh key-value side.
func New() *Broker {
	return &Broker{
		queues:      map[string][][]byte{},
		handlers:    map[string][]domain.Handler{},
		concurrency: map[string]int{},
		kv:          NewKV(),
	}
}

// KV returns the broker's key-value side.
func (b *Broker) KV() *KV { return b.kv }

// Publish implements domain.Broker.
func (b *Broker) Publish(ctx domain.Context, topic string, msg domain.BrokerMessage) (string, error) {
	if msg.ID() == "" {
		msg.SetID(uuid.NewString())
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("op=memq.publish: %w", err)
	}
	b.mu.Lock()
	b.queues[topic] = append(b.queues[topic], payload)
	b.mu.Unlock()
	observability.BrokerMessagesTotal.WithLabelValues(topic).Inc()
	return msg.ID(), nil
}

// Subscribe implements domain.Broker.
func (b *Broker) Subscribe(topic string, h domain.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// SetConcurrency implements domain.Broker.
func (b *Broker) SetConcurrency(topic string, workers int) {
	if workers < 1 {
		workers = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.concurrency[topic] = workers
}

// Start spawns one consumer goroutine per registration and concurrency slot.
func (b *Broker) Start(ctx domain.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("op=memq.start: %w", domain.ErrConflict)
	}
	b.started = true
	b.stop = make(chan struct{})
	for topic, hs := range b.handlers {
		workers := b.concurrency[topic]
		if workers < 1 {
			workers = 1
		}
		for _, h := range hs {
			for i := 0; i < workers; i++ {
				b.wg.Add(1)
				go b.consume(topic, h)
			}
		}
	}
	b.mu.Unlock()
	return nil
}

// Stop signals the consumers and waits for in-flight handlers to finish.
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.stop)
	b.mu.Unlock()
	b.wg.Wait()
}

// Drain blocks until every topic queue is empty. Test helper.
func (b *Broker) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		empty := true
		for _, q := range b.queues {
			if len(q) > 0 {
				empty = false
				break
			}
		}
		b.mu.Unlock()
		if empty {
			// One more beat so an already-popped message can finish.
			time.Sleep(20 * time.Millisecond)
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func (b *Broker) consume(topic string, h domain.Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		payload, ok := b.pop(topic)
		if !ok {
			select {
			case <-b.stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}
		b.deliver(topic, h, payload)
	}
}

func (b *Broker) pop(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[topic]
	if len(q) == 0 {
		return nil, false
	}
	b.queues[topic] = q[1:]
	return q[0], true
}

func (b *Broker) deliver(topic string, h domain.Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.BrokerHandlerFailuresTotal.WithLabelValues(topic).Inc()
			slog.Error("broker handler panic", slog.String("topic", topic), slog.Any("panic", r))
		}
	}()
	if err := h(context.Background(), payload); err != nil {
		observability.BrokerHandlerFailuresTotal.WithLabelValues(topic).Inc()
		slog.Error("broker handler failed", slog.String("topic", topic), slog.Any("error", err))
	}
}
