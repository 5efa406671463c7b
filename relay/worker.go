package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/pushwatch/journal"
	"github.com/maxpert/pushwatch/notify"
	"github.com/maxpert/pushwatch/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading entries per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles when no append signal arrives
	DefaultPollInterval = 500 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before a publish is abandoned
	DefaultMaxRetries = 100

	unattributedTopic = "unattributed"
)

var errWorkerStopped = errors.New("worker stopped during retry")

// WorkerConfig configures a relay worker
type WorkerConfig struct {
	Name            string      // Relay name, also the journal cursor name
	Source          Source      // Journal to read from
	Sink            Sink        // Destination sink
	Formatter       Formatter   // Entry renderer
	Filter          Filter      // Subscription filter
	Hub             *notify.Hub // Optional; wakes the worker on append
	TopicPrefix     string      // Topic prefix (e.g., "pushwatch")
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

// Status is a point-in-time view of a worker
type Status struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	Cursor    uint64 `json:"cursor"`
	Published uint64 `json:"published"`
	Filtered  uint64 `json:"filtered"`
	Failed    uint64 `json:"failed"`
}

// Worker reads the journal from its cursor and publishes entries to a sink
type Worker struct {
	config WorkerConfig
	cursor atomic.Uint64

	published atomic.Uint64
	filtered  atomic.Uint64
	failed    atomic.Uint64

	stopCh      chan struct{}
	doneCh      chan struct{}
	wake        <-chan notify.Signal
	cancelWake  func()
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config, applies defaults and loads the cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("journal source is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Formatter == nil {
		config.Formatter = RawFormatter{}
	}
	if config.Filter == nil {
		config.Filter = &GlobFilter{matchAll: true}
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Source.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// New relay: start at the earliest entry still in the journal
	if cursor == 0 {
		cursor, err = findEarliestEntry(config.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
	}

	w := &Worker{config: config}
	w.cursor.Store(cursor)
	return w, nil
}

func findEarliestEntry(src Source) (uint64, error) {
	entries, err := src.ReadFrom(0, 1)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	// ReadFrom reads from cursor+1
	return entries[0].Seq - 1, nil
}

// Name returns the relay name
func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the last journal sequence handled
func (w *Worker) Cursor() uint64 {
	return w.cursor.Load()
}

// Status returns counters and cursor
func (w *Worker) Status() Status {
	return Status{
		Name:      w.config.Name,
		Running:   w.running.Load(),
		Cursor:    w.cursor.Load(),
		Published: w.published.Load(),
		Filtered:  w.filtered.Load(),
		Failed:    w.failed.Load(),
	}
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.wake, w.cancelWake = nil, func() {}
	if w.config.Hub != nil {
		w.wake, w.cancelWake = w.config.Hub.Listen(notify.Filter{})
	}

	log.Info().
		Str("relay", w.config.Name).
		Uint64("cursor", w.cursor.Load()).
		Msg("Starting relay worker")

	go w.pollLoop()
}

// Stop stops the worker and waits for the loop to exit
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	log.Info().Str("relay", w.config.Name).Msg("Stopping relay worker")

	close(w.stopCh)
	<-w.doneCh
	w.cancelWake()
	w.running.Store(false)

	log.Info().Str("relay", w.config.Name).Msg("Relay worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		entries, err := w.config.Source.ReadFrom(w.cursor.Load(), w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("relay", w.config.Name).
				Uint64("cursor", w.cursor.Load()).
				Msg("Failed to read from push journal")
			w.wait(w.config.PollInterval)
			continue
		}

		if len(entries) == 0 {
			w.wait(w.config.PollInterval)
			continue
		}

		if err := w.drain(entries); err != nil {
			if errors.Is(err, errWorkerStopped) {
				return
			}
			log.Error().
				Err(err).
				Str("relay", w.config.Name).
				Uint64("cursor", w.cursor.Load()).
				Msg("Relay batch failed, retrying from cursor")
			w.wait(w.config.PollInterval)
		}
	}
}

func (w *Worker) drain(entries []journal.Entry) error {
	for _, entry := range entries {
		if err := w.processEntry(entry); err != nil {
			return err
		}
		w.cursor.Store(entry.Seq)
	}
	return nil
}

// processEntry publishes one entry, then advances the cursor.
// A cursor advance failure may cause redelivery after restart.
func (w *Worker) processEntry(entry journal.Entry) error {
	if !w.config.Filter.Match(entry.SubscriptionID) {
		w.filtered.Add(1)
		telemetry.RelayPublishTotal.With(w.config.Name, "filtered").Inc()
		w.advance(entry.Seq)
		return nil
	}

	data, err := w.config.Formatter.Format(entry)
	if err != nil {
		// Formatting is deterministic; retrying cannot help
		w.failed.Add(1)
		telemetry.RelayPublishTotal.With(w.config.Name, "failed").Inc()
		log.Warn().
			Err(err).
			Str("relay", w.config.Name).
			Uint64("seq", entry.Seq).
			Msg("Skipping entry that could not be formatted")
		w.advance(entry.Seq)
		return nil
	}

	topic := w.buildTopic(entry.SubscriptionID)
	key := entry.SubscriptionID
	if key == "" {
		key = strconv.FormatUint(entry.Seq, 10)
	}

	if err := w.publishWithRetry(topic, key, data); err != nil {
		w.failed.Add(1)
		telemetry.RelayPublishTotal.With(w.config.Name, "failed").Inc()
		return err
	}

	w.published.Add(1)
	telemetry.RelayPublishTotal.With(w.config.Name, "success").Inc()
	w.advance(entry.Seq)
	return nil
}

func (w *Worker) advance(seq uint64) {
	if err := w.config.Source.AdvanceCursor(w.config.Name, seq); err != nil {
		log.Warn().
			Err(err).
			Str("relay", w.config.Name).
			Uint64("seq", seq).
			Msg("Failed to advance relay cursor, entry may be redelivered")
	}
}

// buildTopic names the topic for a subscription
func (w *Worker) buildTopic(subscriptionID string) string {
	token := sanitizeTopicToken(subscriptionID)
	if w.config.TopicPrefix == "" {
		return token
	}
	return w.config.TopicPrefix + "." + token
}

// sanitizeTopicToken keeps characters valid in both NATS subjects and Kafka topics
func sanitizeTopicToken(subscriptionID string) string {
	if subscriptionID == "" {
		return unattributedTopic
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, subscriptionID)
}

// publishWithRetry publishes with exponential backoff.
// Returns error if max retries are exhausted or the worker stops.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("relay", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish push, retrying")

		if !w.sleep(delay) {
			return errWorkerStopped
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep waits for d or stop. Returns false if stopped.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// wait is sleep that also ends early on a journal append signal
func (w *Worker) wait(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
	case <-timer.C:
	case _, ok := <-w.wake:
		if !ok {
			w.wake = nil
		}
	}
}
