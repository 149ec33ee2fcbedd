package telemetry

// Histogram bucket definitions
var (
	// SendBuckets for per-envelope transport send latencies
	SendBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// BuildBuckets for envelope construction latencies (in-memory work)
	BuildBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05}

	// RowCountBuckets for rows carried per envelope
	RowCountBuckets = []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}
)

// Builder metrics
var (
	// EnvelopesBuiltTotal counts envelopes built by table and kind (snapshot, incremental)
	EnvelopesBuiltTotal CounterVec = noopCounterVec{}

	// EnvelopeBuildSeconds measures envelope construction latency
	EnvelopeBuildSeconds Histogram = NoopStat{}

	// EnvelopeRows measures rows per envelope
	EnvelopeRows Histogram = NoopStat{}

	// BuildErrorsTotal counts rejected builds by reason (unknown_table, schema_mismatch, convert)
	BuildErrorsTotal CounterVec = noopCounterVec{}

	// WatermarkRegressionsTotal counts clamped watermark regressions
	WatermarkRegressionsTotal Counter = NoopStat{}
)

// Distribution metrics
var (
	// EnvelopesDeliveredTotal counts envelopes handed to transport by subscriber
	EnvelopesDeliveredTotal CounterVec = noopCounterVec{}

	// EnvelopesDroppedTotal counts envelopes dropped by reason (overflow, unsubscribe, shutdown)
	EnvelopesDroppedTotal CounterVec = noopCounterVec{}

	// SendRetriesTotal counts transport send retries
	SendRetriesTotal Counter = NoopStat{}

	// SendSeconds measures transport send latency
	SendSeconds Histogram = NoopStat{}

	// SubscribersActive tracks currently connected subscribers by state
	SubscribersActive GaugeVec = noopGaugeVec{}

	// QueueDepth tracks pending envelopes per subscriber
	QueueDepth GaugeVec = noopGaugeVec{}

	// SubscriberDisconnectsTotal counts forced disconnects by reason
	SubscriberDisconnectsTotal CounterVec = noopCounterVec{}

	// SinkPublishTotal counts egress sink publishes by sink and result
	SinkPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	EnvelopesBuiltTotal = NewCounterVec(
		"envelopes_built_total",
		"Envelopes built by table and kind",
		[]string{"table", "kind"},
	)
	EnvelopeBuildSeconds = NewHistogram(
		"envelope_build_seconds",
		"Envelope construction latency in seconds",
		BuildBuckets,
	)
	EnvelopeRows = NewHistogram(
		"envelope_rows",
		"Rows carried per envelope",
		RowCountBuckets,
	)
	BuildErrorsTotal = NewCounterVec(
		"build_errors_total",
		"Rejected envelope builds by reason",
		[]string{"reason"},
	)
	WatermarkRegressionsTotal = NewCounter(
		"watermark_regressions_total",
		"Watermark regressions clamped to the previous watermark",
	)

	EnvelopesDeliveredTotal = NewCounterVec(
		"envelopes_delivered_total",
		"Envelopes handed to transport by subscriber",
		[]string{"subscriber"},
	)
	EnvelopesDroppedTotal = NewCounterVec(
		"envelopes_dropped_total",
		"Envelopes dropped by reason",
		[]string{"reason"},
	)
	SendRetriesTotal = NewCounter(
		"send_retries_total",
		"Transport send retries",
	)
	SendSeconds = NewHistogram(
		"send_seconds",
		"Transport send latency in seconds",
		SendBuckets,
	)
	SubscribersActive = NewGaugeVec(
		"subscribers_active",
		"Connected subscribers by state",
		[]string{"state"},
	)
	QueueDepth = NewGaugeVec(
		"queue_depth",
		"Pending envelopes per subscriber",
		[]string{"subscriber"},
	)
	SubscriberDisconnectsTotal = NewCounterVec(
		"subscriber_disconnects_total",
		"Forced subscriber disconnects by reason",
		[]string{"reason"},
	)
	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Egress sink publishes by sink and result",
		[]string{"sink", "result"},
	)
}
