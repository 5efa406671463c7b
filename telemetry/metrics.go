package telemetry

// Histogram bucket definitions
var (
	// AwaitBuckets for time spent waiting on the next push
	AwaitBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// ReadBuckets for time spent reading one inbound connection
	ReadBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5}

	// SizeBuckets for push payload sizes in bytes
	SizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 8388608}
)

// Listener metrics
var (
	// PushesReceivedTotal counts pushes deposited into the wait gate
	PushesReceivedTotal Counter = NoopStat{}

	// PushesMalformedTotal counts connections without a parseable document
	PushesMalformedTotal Counter = NoopStat{}

	// PushesOverwrittenTotal counts buffered pushes replaced before anyone consumed them
	PushesOverwrittenTotal Counter = NoopStat{}

	// PushBytes measures extracted document sizes
	PushBytes Histogram = NoopStat{}

	// ConnReadSeconds measures time to read one connection
	ConnReadSeconds Histogram = NoopStat{}

	// ListenerRunning is 1 while the listener accepts connections
	ListenerRunning Gauge = NoopStat{}
)

// Await metrics
var (
	// AwaitTotal counts awaits by outcome (delivered, empty, timed_out)
	AwaitTotal CounterVec = noopCounterVec{}

	// AwaitSeconds measures await latency by outcome
	AwaitSeconds HistogramVec = noopHistogramVec{}
)

// Subscription metrics
var (
	// SubscriptionOpsTotal counts lifecycle calls by op and result
	SubscriptionOpsTotal CounterVec = noopCounterVec{}

	// SubscriptionsActive tracks handles in the Active state
	SubscriptionsActive Gauge = NoopStat{}
)

// Journal and relay metrics
var (
	// JournalAppendsTotal counts journal records written
	JournalAppendsTotal Counter = NoopStat{}

	// RelayPublishTotal counts relay publishes by relay and result
	RelayPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics registers all metrics. Called from InitializeTelemetry.
func InitMetrics() {
	PushesReceivedTotal = NewCounter("pushes_received_total", "Pushes deposited into the wait gate")
	PushesMalformedTotal = NewCounter("pushes_malformed_total", "Inbound connections without a parseable document")
	PushesOverwrittenTotal = NewCounter("pushes_overwritten_total", "Buffered pushes replaced before consumption")
	PushBytes = NewHistogram("push_bytes", "Extracted push document size", SizeBuckets)
	ConnReadSeconds = NewHistogram("conn_read_seconds", "Time spent reading one inbound connection", ReadBuckets)
	ListenerRunning = NewGauge("listener_running", "Whether the listener is accepting connections (1=yes)")

	AwaitTotal = NewCounterVec("await_total", "Awaits by outcome", []string{"outcome"})
	AwaitSeconds = NewHistogramVec("await_seconds", "Await latency by outcome", []string{"outcome"}, AwaitBuckets)

	SubscriptionOpsTotal = NewCounterVec("subscription_ops_total", "Subscription lifecycle calls by op and result", []string{"op", "result"})
	SubscriptionsActive = NewGauge("subscriptions_active", "Subscriptions in the Active state")

	JournalAppendsTotal = NewCounter("journal_appends_total", "Push journal records written")
	RelayPublishTotal = NewCounterVec("relay_publish_total", "Relay publishes by relay and result", []string{"relay", "result"})
}
