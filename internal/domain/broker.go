package domain

import (
	"context"
	"time"
)

// Broker topics. Queue keys are prefixed QueueKeyPrefix by the Redis backend.
const (
	TopicTaskJobs       = "task_jobs"
	TopicScanJobs       = "scan_jobs"
	TopicMatchQueue     = "match_queue"
	TopicIngestQueue    = "ingest_queue"
	TopicLinkQueue      = "link_queue"
	TopicDeduplicate    = "deduplicate_jobs"
	TopicScoreJobs      = "score_jobs"
	TopicCompletionJobs = "completion_jobs"
)

// QueueKeyPrefix namespaces the durable per-topic queues.
const QueueKeyPrefix = "fundamental:queue:"

// BrokerMessage is implemented by every payload published on the broker.
// Publish assigns a message id when one is not already set.
type BrokerMessage interface {
	ID() string
	SetID(id string)
}

// BaseMessage supplies the message_id envelope field; embed it in payloads.
type BaseMessage struct {
	MessageID string `json:"message_id,omitempty"`
}

// ID returns the message id.
func (m *BaseMessage) ID() string { return m.MessageID }

// SetID sets the message id.
func (m *BaseMessage) SetID(id string) { m.MessageID = id }

// Handler consumes one raw message. Errors and panics are logged by the
// broker and the message counts as delivered: delivery is at-least-once and
// the pipeline recovers through the progress counters, not redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Broker is a durable FIFO per topic with long-poll consumers. Production
// uses the Redis backend; tests use the in-memory one. Worker code must not
// care which.
type Broker interface {
	// Publish appends to the topic and returns the message id.
	Publish(ctx Context, topic string, msg BrokerMessage) (string, error)
	// Subscribe registers a consumer; effective after Start.
	Subscribe(topic string, h Handler)
	// SetConcurrency sets the consumer count spawned per registration for
	// the topic (default 1).
	SetConcurrency(topic string, workers int)
	// Start spawns the consumer loops.
	Start(ctx Context) error
	// Stop signals the loops, lets in-flight handlers finish, and returns.
	Stop()
}

// KeyValue is the broker's auxiliary key-value side, used exclusively through
// atomic operations for the per-job progress counters and cancellation flags.
type KeyValue interface {
	Set(ctx Context, key, value string, ttl time.Duration) error
	SetNX(ctx Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx Context, key string) (string, bool, error)
	Incr(ctx Context, key string) (int64, error)
	Expire(ctx Context, key string, ttl time.Duration) error
	Delete(ctx Context, keys ...string) error
}
