package alert

import (
	"context"

	"github.com/nexus-trading/provenance/internal/bus"
)

// Sink receives recorded alerts. Delivery is best-effort.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev bus.AlertEvent) error
}

// BusSink publishes alerts to a Kafka topic keyed by root entity id, so one
// root's alerts stay ordered within a partition.
type BusSink struct {
	producer bus.Producer
	topic    string
}

// NewBusSink publishes to topic, or bus.TopicAlerts when topic is empty.
func NewBusSink(p bus.Producer, topic string) *BusSink {
	if topic == "" {
		topic = bus.TopicAlerts
	}
	return &BusSink{producer: p, topic: topic}
}

func (s *BusSink) Name() string { return "kafka" }

func (s *BusSink) Deliver(ctx context.Context, ev bus.AlertEvent) error {
	return s.producer.PublishJSON(ctx, s.topic, ev.RootEntityID, ev)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, ev bus.AlertEvent) error
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Deliver(ctx context.Context, ev bus.AlertEvent) error { return f.Fn(ctx, ev) }
