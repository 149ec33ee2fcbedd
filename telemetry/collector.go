package telemetry

import (
	"sync"
	"time"
)

// SubscriberStats is one subscriber's delivery state as seen by the engine.
type SubscriberStats struct {
	SubscriberID string
	State        string
	QueueDepth   int
}

// StatsProvider is implemented by the distribution engine.
type StatsProvider interface {
	SubscriberStats() []SubscriberStats
}

// MetricsCollector periodically polls engine stats and updates gauges.
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection.
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector.
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	states := make(map[string]int)
	for _, sub := range mc.provider.SubscriberStats() {
		states[sub.State]++
		QueueDepth.With(sub.SubscriberID).Set(float64(sub.QueueDepth))
	}

	for _, state := range []string{"CONNECTING", "ACTIVE", "DEGRADED", "DISCONNECTED"} {
		SubscribersActive.With(state).Set(float64(states[state]))
	}
}
