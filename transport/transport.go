// Package transport defines the boundary between the distribution engine
// and whatever carries bytes on the wire. The engine hands read-only
// envelopes to a SubscriberStream per connection and, optionally, mirrors
// them to egress sinks. Framing and connection lifecycle belong to the
// concrete binding (gRPC, NATS, Kafka), never to the engine.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/cfg"
)

// SubscriberStream is the outbound half of one subscriber connection.
type SubscriberStream interface {
	// Send serializes and ships one envelope. Transport may retain only a
	// read-only view; the envelope is immutable.
	Send(ctx context.Context, env *bus.DeltaEnvelope) error
	// Close terminates the stream with a reason the subscriber can observe.
	Close(reason string) error
}

// Sink is a destination for mirrored envelopes (NATS, Kafka, ...).
type Sink interface {
	// Publish sends a serialized envelope keyed for partitioning/dedup.
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// SinkFactory creates a Sink from a configuration entry.
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	factoryMu     sync.RWMutex
	sinkFactories = make(map[string]SinkFactory)
)

// RegisterSink registers a sink factory for a type. Bindings register
// themselves from init().
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// CreateSink instantiates a sink for the configuration entry.
func CreateSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}
