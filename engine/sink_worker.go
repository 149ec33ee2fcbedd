package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/encoding"
	"github.com/deltabus/deltabus/subscription"
	"github.com/deltabus/deltabus/telemetry"
	"github.com/deltabus/deltabus/transport"
)

// sinkWorker mirrors published envelopes to one egress sink on its own
// goroutine. Sinks are best-effort observers: a slow sink drops its own
// backlog, never the subscriber path.
type sinkWorker struct {
	name        string
	sink        transport.Sink
	filter      *subscription.Filter
	topicPrefix string

	maxRetries int
	backoff    time.Duration

	ch     chan *bus.DeltaEnvelope
	stopCh chan struct{}
	once   sync.Once
}

func newSinkWorker(name string, sink transport.Sink, filter *subscription.Filter, topicPrefix string, config Config) *sinkWorker {
	return &sinkWorker{
		name:        name,
		sink:        sink,
		filter:      filter,
		topicPrefix: topicPrefix,
		maxRetries:  config.MaxSendRetries,
		backoff:     config.RetryBackoff,
		ch:          make(chan *bus.DeltaEnvelope, config.QueueCapacity),
		stopCh:      make(chan struct{}),
	}
}

func (w *sinkWorker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.loop()
	}()
}

// offer hands an envelope to the worker without blocking the publisher.
func (w *sinkWorker) offer(env *bus.DeltaEnvelope) {
	if !w.filter.Match(env.TableName) {
		return
	}
	select {
	case w.ch <- env:
	default:
		telemetry.SinkPublishTotal.With(w.name, "dropped").Inc()
	}
}

func (w *sinkWorker) requestStop() {
	w.once.Do(func() { close(w.stopCh) })
}

func (w *sinkWorker) close() {
	if err := w.sink.Close(); err != nil {
		log.Warn().Err(err).Str("sink", w.name).Msg("Sink close failed")
	}
}

func (w *sinkWorker) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case env := <-w.ch:
			w.publish(env)
		}
	}
}

func (w *sinkWorker) publish(env *bus.DeltaEnvelope) {
	data, err := encoding.MarshalEnvelope(env)
	if err != nil {
		telemetry.SinkPublishTotal.With(w.name, "encode_error").Inc()
		log.Error().Err(err).Str("sink", w.name).Msg("Failed to encode envelope for sink")
		return
	}

	topic := w.buildTopic(env.TableName)

	for attempt := 0; ; attempt++ {
		err := w.sink.Publish(topic, env.LineageToken, data)
		if err == nil {
			telemetry.SinkPublishTotal.With(w.name, "ok").Inc()
			return
		}

		if attempt >= w.maxRetries {
			telemetry.SinkPublishTotal.With(w.name, "failed").Inc()
			log.Warn().
				Err(err).
				Str("sink", w.name).
				Str("topic", topic).
				Uint64("cycle", env.CycleID).
				Msg("Sink publish failed, giving up")
			return
		}

		select {
		case <-w.stopCh:
			return
		case <-time.After(w.backoff):
		}
	}
}

func (w *sinkWorker) buildTopic(table string) string {
	if w.topicPrefix == "" {
		return table
	}
	return fmt.Sprintf("%s.%s", w.topicPrefix, table)
}
