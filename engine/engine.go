// Package engine implements the fan-out scheduler. It consumes delta
// envelopes as they are built, pushes them onto each matching subscriber's
// outbound queue under the configured overflow policy, and drives each
// subscriber's independent drain loop. A stall in one subscriber's delivery
// path never blocks any other subscriber or the production path.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/deltabus/deltabus/builder"
	"github.com/deltabus/deltabus/bus"
	"github.com/deltabus/deltabus/cfg"
	"github.com/deltabus/deltabus/notify"
	"github.com/deltabus/deltabus/registry"
	"github.com/deltabus/deltabus/subscription"
	"github.com/deltabus/deltabus/telemetry"
	"github.com/deltabus/deltabus/transport"
)

// Config controls delivery behavior. Zero values select defaults.
type Config struct {
	QueueCapacity     int
	OverflowPolicy    cfg.OverflowPolicy
	MaxSendRetries    int
	RetryBackoff      time.Duration
	ShutdownPolicy    cfg.ShutdownPolicy
	SnapshotCacheSize int
	// DrainTimeout bounds how long Stop waits for queues to empty under
	// the drain shutdown policy.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = cfg.OverflowDropOldest
	}
	if c.MaxSendRetries < 0 {
		c.MaxSendRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.ShutdownPolicy == "" {
		c.ShutdownPolicy = cfg.ShutdownDrain
	}
	if c.SnapshotCacheSize <= 0 {
		c.SnapshotCacheSize = 128
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

// Engine is one explicitly constructed, explicitly torn down distribution
// engine instance. No ambient global state: everything it touches is
// reachable from here.
type Engine struct {
	config   Config
	registry *registry.TableRegistry
	builder  *builder.DeltaBuilder
	subs     *subscription.Manager

	snapshots  *snapshotCache
	snapSource SnapshotSource

	mu      sync.Mutex
	streams map[string]*drainLoop
	sinks   []*sinkWorker

	running     atomic.Bool
	cancelWatch func()
	wg          sync.WaitGroup
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithSnapshotSource wires the dataset adapter used to build fresh
// snapshots for re-subscribing consumers.
func WithSnapshotSource(source SnapshotSource) Option {
	return func(e *Engine) { e.snapSource = source }
}

// New creates an engine over the given registry and builder.
func New(config Config, reg *registry.TableRegistry, bld *builder.DeltaBuilder, opts ...Option) (*Engine, error) {
	config.applyDefaults()

	cache, err := lru.New[string, snapshotEntry](config.SnapshotCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:    config,
		registry:  reg,
		builder:   bld,
		subs:      subscription.NewManager(config.QueueCapacity, config.OverflowPolicy),
		snapshots: &snapshotCache{cache: cache},
		streams:   make(map[string]*drainLoop),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Subscriptions exposes the subscription manager for boundary glue.
func (e *Engine) Subscriptions() *subscription.Manager {
	return e.subs
}

// AddSink attaches an egress sink mirroring every published envelope whose
// table passes the sink's filter.
func (e *Engine) AddSink(config cfg.SinkConfiguration) error {
	snk, err := transport.CreateSink(config)
	if err != nil {
		return err
	}

	filter, err := subscription.NewFilter(config.FilterTables)
	if err != nil {
		snk.Close()
		return err
	}

	worker := newSinkWorker(config.Name, snk, filter, config.TopicPrefix, e.config)

	e.mu.Lock()
	e.sinks = append(e.sinks, worker)
	running := e.running.Load()
	e.mu.Unlock()

	if running {
		worker.start(&e.wg)
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Msg("Added egress sink")

	return nil
}

// Start makes the engine accept publishes and attachments.
func (e *Engine) Start() {
	if e.running.Swap(true) {
		return
	}

	e.mu.Lock()
	for _, worker := range e.sinks {
		worker.start(&e.wg)
	}
	e.mu.Unlock()

	if e.snapSource == nil {
		log.Info().Msg("No dataset snapshot adapter wired; resynchronization serves cached snapshots only and explicit snapshot requests will fail")
	}

	// A redefined or removed table re-bases its cycle sequencing, so any
	// cached snapshot for it must not be replayed to re-subscribers.
	events, cancel := e.registry.Watch(notify.Filter{})
	e.cancelWatch = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for ev := range events {
			switch ev.Kind {
			case notify.EventRedefined, notify.EventDeregistered:
				e.snapshots.invalidate(ev.Table)
				log.Debug().
					Str("table", ev.Table).
					Uint64("generation", ev.Generation).
					Msg("Invalidated cached snapshot after table change")
			}
		}
	}()

	log.Info().Msg("Distribution engine started")
}

// Stop tears the engine down. Under the drain policy each subscriber's
// queue is given a bounded window to empty; under abandon, queued envelopes
// are dropped immediately. All subscriber streams close with a terminal
// shutdown status either way.
func (e *Engine) Stop() {
	if !e.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping distribution engine")

	if e.cancelWatch != nil {
		e.cancelWatch()
	}

	e.mu.Lock()
	loops := make([]*drainLoop, 0, len(e.streams))
	for _, dl := range e.streams {
		loops = append(loops, dl)
	}
	e.mu.Unlock()

	if e.config.ShutdownPolicy == cfg.ShutdownDrain {
		deadline := time.Now().Add(e.config.DrainTimeout)
		for _, dl := range loops {
			dl.waitDrained(deadline)
		}
	}

	for _, dl := range loops {
		abandoned := dl.sub.Queue.Discard()
		if abandoned > 0 {
			telemetry.EnvelopesDroppedTotal.With("shutdown").Add(float64(abandoned))
		}
		dl.stop("shutdown")
	}

	e.mu.Lock()
	for _, worker := range e.sinks {
		worker.requestStop()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	for _, worker := range e.sinks {
		worker.close()
	}
	e.sinks = nil
	e.streams = make(map[string]*drainLoop)
	e.mu.Unlock()

	log.Info().Msg("Distribution engine stopped")
}

// PublishUpdate builds an envelope from a raw dataset update and fans it
// out. This is the producer entry point: builder errors surface to the
// caller and affect only this call.
func (e *Engine) PublishUpdate(table string, update bus.RawUpdate) (*bus.DeltaEnvelope, error) {
	if !e.running.Load() {
		return nil, bus.ErrEngineStopped
	}

	env, err := e.builder.Build(table, update)
	if err != nil {
		return nil, err
	}

	e.Publish(env)
	return env, nil
}

// Publish fans a built envelope out to every matching subscriber and sink.
// The matching set is snapshotted first so no lock is held across enqueue,
// which may block under the block overflow policy.
func (e *Engine) Publish(env *bus.DeltaEnvelope) {
	if env.IsSnapshot {
		if handle, ok := e.registry.Get(env.TableName); ok {
			e.snapshots.put(env, handle.Generation)
		}
	}

	for _, sub := range e.subs.Match(env.TableName) {
		e.enqueue(sub, env)
	}

	e.mu.Lock()
	sinks := make([]*sinkWorker, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	for _, worker := range sinks {
		worker.offer(env)
	}
}

func (e *Engine) enqueue(sub *subscription.Subscription, env *bus.DeltaEnvelope) {
	dropped, err := sub.Offer(env)
	if err != nil {
		// Queue closed under us: subscriber is on its way out.
		return
	}
	if dropped != nil {
		telemetry.EnvelopesDroppedTotal.With("overflow").Inc()
		log.Debug().
			Str("subscriber", sub.ID).
			Str("table", dropped.TableName).
			Uint64("cycle", dropped.CycleID).
			Msg("Overflow dropped oldest undelivered envelope")
	}
}

// SubscriberStats implements telemetry.StatsProvider.
func (e *Engine) SubscriberStats() []telemetry.SubscriberStats {
	subs := e.subs.All()
	out := make([]telemetry.SubscriberStats, 0, len(subs))
	for _, sub := range subs {
		out = append(out, telemetry.SubscriberStats{
			SubscriberID: sub.ID,
			State:        sub.State().String(),
			QueueDepth:   sub.Queue.Len(),
		})
	}
	return out
}
