package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrClosed is returned by a closed producer or consumer.
var ErrClosed = errors.New("bus: closed")

// Message represents a message to be published to or consumed from Kafka.
type Message struct {
	Topic     string
	Key       string // partition key
	Value     []byte
	Headers   map[string]string
	Partition int32 // set on consumed messages
	Offset    int64
	Timestamp time.Time
}

// Producer publishes provenance events to Kafka/RedPanda.
type Producer interface {
	// Publish sends a Message synchronously, waiting for broker acknowledgement.
	Publish(ctx context.Context, msg Message) error
	// PublishJSON marshals value as JSON and publishes synchronously.
	PublishJSON(ctx context.Context, topic, key string, value any) error
	// Flush waits for all buffered records to be delivered.
	Flush(timeout time.Duration) error
	// Close flushes pending records and shuts down the producer.
	Close()
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	instanceID    string
	schemaVersion string
}

// WithInstanceID sets the producer instance identifier used as ClientID and in message headers.
func WithInstanceID(id string) ProducerOption {
	return func(c *producerConfig) { c.instanceID = id }
}

// WithSchemaVersion sets the schema version included in message headers.
func WithSchemaVersion(v string) ProducerOption {
	return func(c *producerConfig) { c.schemaVersion = v }
}

// KafkaProducer is a real Kafka producer backed by franz-go.
type KafkaProducer struct {
	client         *kgo.Client
	defaultHeaders map[string]string
	mu             sync.RWMutex
	closed         bool
}

// NewProducer creates a Kafka producer backed by franz-go.
// The producer uses Snappy compression and waits for all ISR acknowledgements.
func NewProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("bus: no brokers configured")
	}
	cfg := &producerConfig{instanceID: "provenance", schemaVersion: SchemaVersion}
	for _, opt := range opts {
		opt(cfg)
	}

	kgoOpts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.instanceID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5 * time.Millisecond),
	}

	client, err := kgo.NewClient(kgoOpts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &KafkaProducer{
		client: client,
		defaultHeaders: map[string]string{
			"producer":       cfg.instanceID,
			"schema_version": cfg.schemaVersion,
		},
	}

	log.Info().
		Strs("brokers", brokers).
		Str("instance_id", cfg.instanceID).
		Msg("bus: producer created")

	return p, nil
}

// messageToRecord converts a bus.Message to a kgo.Record, injecting default headers.
func (p *KafkaProducer) messageToRecord(msg Message) *kgo.Record {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	for k, v := range p.defaultHeaders {
		if _, exists := msg.Headers[k]; !exists {
			msg.Headers[k] = v
		}
	}
	if _, ok := msg.Headers["event_id"]; !ok {
		msg.Headers["event_id"] = uuid.New().String()
	}

	headers := make([]kgo.RecordHeader, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: ts,
	}
}

// Publish sends a Message synchronously, waiting for broker acknowledgement.
// This is the high-level API that supports headers and timestamps from the Message struct.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.mu.RUnlock()

	record := p.messageToRecord(msg)
	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		log.Error().Err(err).
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Msg("failed to publish message")
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}

	r := results[0].Record
	log.Debug().
		Str("topic", r.Topic).
		Int32("partition", r.Partition).
		Int64("offset", r.Offset).
		Msg("message published")

	return nil
}

// PublishJSON marshals value as JSON and publishes synchronously.
func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	return p.Publish(ctx, Message{
		Topic: topic,
		Key:   key,
		Value: data,
	})
}

// Flush waits up to timeout for all buffered records to be delivered.
func (p *KafkaProducer) Flush(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("bus: flush: %w", err)
	}
	return nil
}

// Close flushes pending records and shuts down the producer.
func (p *KafkaProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.Flush(5 * time.Second); err != nil {
		log.Warn().Err(err).Msg("bus: flush on close")
	}
	p.client.Close()
	log.Info().Msg("bus: producer closed")
}

// --- Stub producer for development/testing ---

// StubProducer implements Producer by buffering messages in memory.
// Used in stub mode and in unit tests.
type StubProducer struct {
	mu       sync.Mutex
	messages []StubMessage
	failWith error
}

// StubMessage is a message captured by StubProducer.
type StubMessage struct {
	Topic string
	Key   string
	Value []byte
}

// NewStubProducer creates a new in-memory stub producer.
func NewStubProducer() *StubProducer {
	return &StubProducer{messages: make([]StubMessage, 0, 64)}
}

// FailWith makes every later publish return err. nil restores success.
func (p *StubProducer) FailWith(err error) {
	p.mu.Lock()
	p.failWith = err
	p.mu.Unlock()
}

// Messages returns a copy of the captured messages, optionally for one topic.
func (p *StubProducer) Messages(topic string) []StubMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []StubMessage
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (p *StubProducer) Publish(_ context.Context, msg Message) error {
	return p.record(msg.Topic, msg.Key, msg.Value)
}

func (p *StubProducer) PublishJSON(_ context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return p.record(topic, key, data)
}

func (p *StubProducer) record(topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.messages = append(p.messages, StubMessage{Topic: topic, Key: key, Value: value})
	log.Debug().Str("topic", topic).Int("bytes", len(value)).Msg("bus: stub publish")
	return nil
}

func (p *StubProducer) Flush(time.Duration) error { return nil }

func (p *StubProducer) Close() {
	log.Info().Msg("bus: stub producer closed")
}
