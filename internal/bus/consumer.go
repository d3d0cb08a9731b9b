package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MessageHandler processes a consumed message. Errors are retried unless
// wrapped with Permanent.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer reads messages from Kafka/RedPanda topics.
type Consumer interface {
	// Consume starts the poll loop. Blocks until ctx is cancelled.
	Consume(ctx context.Context, handler MessageHandler) error
	// Close shuts down the consumer.
	Close()
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that redelivery cannot fix, such as a
// malformed payload. The message is skipped without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ConsumerOption configures a KafkaConsumer.
type ConsumerOption func(*KafkaConsumer)

// WithRetry sets how many times a failing message is handled before it is
// skipped, and the base of the linear backoff between attempts.
func WithRetry(attempts int, backoff time.Duration) ConsumerOption {
	return func(c *KafkaConsumer) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// WithMaxPollRecords caps the records handled between two commits.
func WithMaxPollRecords(n int) ConsumerOption {
	return func(c *KafkaConsumer) {
		if n > 0 {
			c.maxPoll = n
		}
	}
}

// KafkaConsumer is a franz-go group consumer. Offsets are committed only
// after every record of a poll has been handled, so a crash mid-batch
// redelivers the batch.
type KafkaConsumer struct {
	client   *kgo.Client
	groupID  string
	topics   []string
	attempts int
	backoff  time.Duration
	maxPoll  int

	mu     sync.Mutex
	closed bool
}

// NewConsumer creates a group consumer subscribed to topics. New groups
// start from the earliest offset.
func NewConsumer(brokers []string, groupID string, topics []string, opts ...ConsumerOption) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("bus: no brokers configured")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("bus: at least one topic is required")
	}

	c := &KafkaConsumer{
		groupID:  groupID,
		topics:   topics,
		attempts: 3,
		backoff:  500 * time.Millisecond,
		maxPoll:  100,
	}
	for _, o := range opts {
		o(c)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(groupID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: create consumer: %w", err)
	}
	c.client = client

	log.Info().
		Strs("brokers", brokers).
		Str("group_id", groupID).
		Strs("topics", topics).
		Int("attempts", c.attempts).
		Msg("bus: consumer created")
	return c, nil
}

// Consume polls, handles and commits until ctx is cancelled. A batch
// interrupted by cancellation is left uncommitted.
func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	log.Info().Strs("topics", c.topics).Str("group", c.groupID).Msg("bus: consumer loop started")

	for {
		fetches := c.client.PollRecords(ctx, c.maxPoll)
		if ctx.Err() != nil {
			c.client.AllowRebalance()
			return ctx.Err()
		}
		for _, fe := range fetches.Errors() {
			log.Error().Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).
				Msg("bus: fetch error")
		}

		var interrupted error
		fetches.EachRecord(func(record *kgo.Record) {
			if interrupted != nil {
				return
			}
			interrupted = c.handle(ctx, handler, recordToMessage(record))
		})
		if interrupted != nil {
			c.client.AllowRebalance()
			return interrupted
		}

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("group", c.groupID).Msg("bus: commit offsets")
		}
		c.client.AllowRebalance()
	}
}

// handle runs handler with retries. It returns non-nil only when ctx ends.
func (c *KafkaConsumer) handle(ctx context.Context, handler MessageHandler, msg Message) error {
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ev := log.Warn().Err(err).Str("topic", msg.Topic).Str("key", msg.Key).
			Int32("partition", msg.Partition).Int64("offset", msg.Offset).Int("attempt", attempt)
		if IsPermanent(err) || attempt >= c.attempts {
			ev.Msg("bus: message skipped")
			return nil
		}
		ev.Msg("bus: message failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
}

// Close shuts down the consumer. Uncommitted offsets are redelivered to the
// next group member.
func (c *KafkaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	log.Info().Str("group", c.groupID).Msg("bus: consumer closed")
}

func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
}

// Topics used by the provenance service.
const (
	TopicAlerts     = "provenance.alerts"
	TopicOffspring  = "provenance.offspring"
	TopicEnrichment = "provenance.enrichment"
	TopicWebhookRaw = "provenance.webhook.raw"
)

// TopicRetention maps topics to their retention in hours.
var TopicRetention = map[string]int{
	TopicAlerts:     2160,
	TopicOffspring:  2160,
	TopicEnrichment: 720,
	TopicWebhookRaw: 72,
}

// AllTopics returns every topic for provisioning.
func AllTopics() []string {
	return []string{TopicAlerts, TopicOffspring, TopicEnrichment, TopicWebhookRaw}
}
