// Package redisq is the Redis-backed broker: one durable list per topic
// (keys prefixed fundamental:queue:), BRPOP long-poll consumers, and the
// key-value side used for the per-job progress counters.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/observability"
)

// Broker implements domain.Broker on a Redis list per topic.
type Broker struct {
	client       *redis.Client
	pollInterval time.Duration

	mu          sync.Mutex
	handlers    map[string][]domain.Handler
	concurrency map[string]int
	started     bool
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New wraps an existing Redis client. pollInterval bounds the BRPOP long-poll
// so Stop is observed promptly; zero selects 1s.
func New(client *redis.Client, pollInterval time.Duration) *Broker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Broker{
		client:       client,
		pollInterval: pollInterval,
		handlers:     map[string][]domain.Handler{},
		concurrency:  map[string]int{},
	}
}

// QueueKey returns the Redis list key for a topic.
func QueueKey(topic string) string { return domain.QueueKeyPrefix + topic }

// Publish implements domain.Broker. Messages are durable until consumed.
func (b *Broker) Publish(ctx domain.Context, topic string, msg domain.BrokerMessage) (string, error) {
	if msg.ID() == "" {
		msg.SetID(uuid.NewString())
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("op=redisq.publish: %w", err)
	}
	// LPUSH + BRPOP: consumers pop the oldest element, keeping each topic FIFO.
	if err := b.client.LPush(ctx, QueueKey(topic), payload).Err(); err != nil {
		return "", fmt.Errorf("op=redisq.publish: %w", err)
	}
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

// Start implements domain.Broker.
func (b *Broker) Start(ctx domain.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("op=redisq.start: %w", domain.ErrConflict)
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
	return nil
}

// Stop implements domain.Broker: signal, let in-flight handlers complete,
// return.
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

func (b *Broker) consume(topic string, h domain.Handler) {
	defer b.wg.Done()
	key := QueueKey(topic)
	// Connection loss backs off up to 5s and retries forever; a consumer
	// loop never crashes the process.
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		res, err := b.client.BRPop(context.Background(), b.pollInterval, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				retry.Reset()
				continue
			}
			wait := retry.NextBackOff()
			slog.Error("broker consumer connection error",
				slog.String("topic", topic),
				slog.Duration("retry_in", wait),
				slog.Any("error", err))
			select {
			case <-b.stop:
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		if len(res) != 2 {
			continue
		}
		b.deliver(topic, h, []byte(res[1]))
	}
}

func (b *Broker) deliver(topic string, h domain.Handler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.BrokerHandlerFailuresTotal.WithLabelValues(topic).Inc()
			slog.Error("broker handler panic", slog.String("topic", topic), slog.Any("panic", r))
		}
	}()
	if err := h(context.Background(), payload); err != nil {
		// At-least-once: the message counts as delivered, the pipeline
		// recovers through the progress counters.
		observability.BrokerHandlerFailuresTotal.WithLabelValues(topic).Inc()
		slog.Error("broker handler failed", slog.String("topic", topic), slog.Any("error", err))
	}
}
