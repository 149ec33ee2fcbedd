// Package natsbus mirrors published delta envelopes to NATS JetStream.
package natsbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/deltabus/deltabus/cfg"
	"github.com/deltabus/deltabus/transport"
)

func init() {
	transport.RegisterSink("nats", func(config cfg.SinkConfiguration) (transport.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewSink(config.NatsURL)
	})
}

// Sink publishes envelopes to JetStream, one subject per table.
type Sink struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewSink connects to NATS and sets up a JetStream context.
func NewSink(url string) (*Sink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Sink{nc: nc, js: js}, nil
}

// Publish sends one serialized envelope. The lineage token travels as a
// header so downstream consumers can dedup without decoding the payload.
func (s *Sink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamName := sanitizeStreamName(topic)
	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"lineage": []string{key}},
	}

	if _, err := s.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Close releases the NATS connection.
func (s *Sink) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name;
// stream names cannot contain ".".
func sanitizeStreamName(topic string) string {
	result := make([]byte, len(topic))
	for i := 0; i < len(topic); i++ {
		if topic[i] == '.' {
			result[i] = '_'
		} else {
			result[i] = topic[i]
		}
	}
	return string(result)
}
