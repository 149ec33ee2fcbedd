// Package kafkabus mirrors published delta envelopes to Kafka, one topic
// per table, partitioned by lineage token.
package kafkabus

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/deltabus/deltabus/cfg"
	"github.com/deltabus/deltabus/transport"
)

const (
	DefaultBatchSize  = 100
	DefaultBatchBytes = 1 << 20 // 1MB
)

func init() {
	transport.RegisterSink("kafka", func(config cfg.SinkConfiguration) (transport.Sink, error) {
		return NewSink(Config{
			Brokers:          config.Brokers,
			BatchSize:        DefaultBatchSize,
			BatchBytes:       DefaultBatchBytes,
			RequiredAcks:     kafka.RequireAll,
			AutoCreateTopics: true,
		})
	})
}

// Sink publishes envelopes through a shared kafka writer.
type Sink struct {
	writer *kafka.Writer
}

// Config holds kafka sink settings.
type Config struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

// NewSink creates a kafka-backed sink.
func NewSink(config Config) (*Sink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // partition by key
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // sync writes for durability
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &Sink{writer: writer}, nil
}

// Publish sends one serialized envelope. Timeouts and retries are handled
// by the engine's sink worker, so the write uses a background context.
func (s *Sink) Publish(topic, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}

	return s.writer.WriteMessages(context.Background(), msg)
}

// Close releases the writer.
func (s *Sink) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
