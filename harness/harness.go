// Package harness wires the notification listener, subscription manager,
// push journal and relays into one object a test drives end to end.
//
//	h, err := harness.New(cfg.Default(), repo)
//	...
//	h.Start()
//	defer h.Teardown(ctx)
//	set, _ := h.CompileAll(map[string]string{"eventTime": "2006-06-25T00:01:00Z..2006-06-25T00:02:00Z"})
//	h.Subscribe(ctx, subscription.Request{Predicates: set})
//	mismatches, outcome, err := h.Expect(expected, 0)
package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/pushwatch/cfg"
	"github.com/maxpert/pushwatch/correlate"
	"github.com/maxpert/pushwatch/epcis"
	"github.com/maxpert/pushwatch/gate"
	"github.com/maxpert/pushwatch/journal"
	"github.com/maxpert/pushwatch/listener"
	"github.com/maxpert/pushwatch/notify"
	"github.com/maxpert/pushwatch/rangeq"
	"github.com/maxpert/pushwatch/relay"
	_ "github.com/maxpert/pushwatch/relay/sink" // registers nats and kafka sinks
	"github.com/maxpert/pushwatch/subscription"
	"github.com/rs/zerolog/log"
)

// Option customizes a Harness
type Option func(*options)

type options struct {
	managerOpts []subscription.ManagerOption
	correlate   []correlate.Option
}

// WithManagerOptions passes options to the subscription manager
func WithManagerOptions(opts ...subscription.ManagerOption) Option {
	return func(o *options) { o.managerOpts = append(o.managerOpts, opts...) }
}

// WithCorrelateOptions configures the comparison used by Expect
func WithCorrelateOptions(opts ...correlate.Option) Option {
	return func(o *options) { o.correlate = append(o.correlate, opts...) }
}

// Harness owns one listener and the subscriptions that push to it
type Harness struct {
	Listener *listener.Listener
	Manager  *subscription.Manager
	Compiler *rangeq.Compiler
	Journal  *journal.Journal // Nil when the journal is disabled
	Relays   *relay.Registry  // Nil without configured relays
	Hub      *notify.Hub

	config     *cfg.Configuration
	correlator *correlate.Correlator

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// New builds a harness from c against repo. Nothing is bound until Start.
func New(c *cfg.Configuration, repo subscription.Repository, opts ...Option) (*Harness, error) {
	if c == nil {
		c = cfg.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if repo == nil {
		return nil, fmt.Errorf("subscription repository is required")
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	h := &Harness{
		Compiler:   rangeq.NewCompiler(),
		Hub:        notify.NewHub(),
		config:     c,
		correlator: correlate.New(o.correlate...),
	}

	var listenerOpts []listener.Option
	if c.Journal.Enabled {
		j, err := journal.Open(c.Journal.Dir, journal.WithNotifier(h.Hub))
		if err != nil {
			return nil, fmt.Errorf("failed to open push journal: %w", err)
		}
		h.Journal = j
		listenerOpts = append(listenerOpts, listener.WithRecorder(j))
	}

	if len(c.Relays) > 0 {
		reg, err := relay.NewRegistry(relay.RegistryConfig{
			Source: h.Journal,
			Hub:    h.Hub,
			Relays: c.Relays,
		})
		if err != nil {
			h.closeJournal()
			return nil, fmt.Errorf("failed to create relays: %w", err)
		}
		h.Relays = reg
	}

	h.Listener = listener.New(listener.ConfigFrom(c), listenerOpts...)
	h.Manager = subscription.NewManager(repo, o.managerOpts...)
	return h, nil
}

// Start binds the listener and starts relays
func (h *Harness) Start() error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.stopped {
		return fmt.Errorf("harness already stopped")
	}
	if h.started {
		return nil
	}

	if err := h.Listener.Start(); err != nil {
		return err
	}
	if h.Relays != nil {
		if err := h.Relays.Start(); err != nil {
			h.Listener.Stop()
			return err
		}
	}
	h.started = true

	log.Info().
		Str("harness_id", h.config.HarnessID).
		Str("callback", h.CallbackURL()).
		Bool("journal", h.Journal != nil).
		Msg("Harness started")
	return nil
}

// Stop stops relays and the listener and closes the journal. Subscriptions
// are left alone; use Teardown to unsubscribe first.
func (h *Harness) Stop() {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.stopped {
		return
	}
	h.stopped = true

	if h.Relays != nil {
		h.Relays.Stop()
	}
	h.Listener.Stop()
	h.closeJournal()

	log.Info().Str("harness_id", h.config.HarnessID).Msg("Harness stopped")
}

func (h *Harness) closeJournal() {
	if h.Journal == nil {
		return
	}
	if err := h.Journal.Close(); err != nil && !errors.Is(err, journal.ErrClosed) {
		log.Warn().Err(err).Msg("Failed to close push journal")
	}
}

// CallbackURL is the listener's address as an http destination, or ""
// while the listener is not running
func (h *Harness) CallbackURL() string {
	addr := h.Listener.Addr()
	if addr == nil {
		return ""
	}
	return "http://" + addr.String() + "/"
}

// CompileAll compiles tokens keyed by field name into one predicate set.
// Fields are compiled in name order.
func (h *Harness) CompileAll(tokens map[string]string) (rangeq.Set, error) {
	fields := make([]string, 0, len(tokens))
	for f := range tokens {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return h.Compiler.CompileAll(fields, tokens)
}

// Subscribe registers req. An empty Destination points at this harness.
func (h *Harness) Subscribe(ctx context.Context, req subscription.Request) (*subscription.Handle, error) {
	if req.Destination == "" {
		req.Destination = h.CallbackURL()
		if req.Destination == "" {
			return nil, fmt.Errorf("harness is not started; no callback destination for %s", req.ID)
		}
	}
	return h.Manager.Subscribe(ctx, req)
}

// Unsubscribe ends one subscription
func (h *Harness) Unsubscribe(ctx context.Context, id string) error {
	return h.Manager.Unsubscribe(ctx, id)
}

// AwaitPush waits for the next raw push. timeout <= 0 uses the configured default.
func (h *Harness) AwaitPush(timeout time.Duration) gate.Result {
	if timeout <= 0 {
		timeout = h.config.DefaultAwaitTimeout()
	}
	return h.Listener.AwaitNext(timeout)
}

// AwaitBatch waits for the next push and decodes it. The batch and error are
// only meaningful when the outcome is Delivered.
func (h *Harness) AwaitBatch(timeout time.Duration) (epcis.ResultBatch, gate.Outcome, error) {
	res := h.AwaitPush(timeout)
	if res.Outcome != gate.Delivered {
		return epcis.ResultBatch{}, res.Outcome, nil
	}

	batch, err := epcis.Decode(res.Push.Payload)
	if err != nil {
		return epcis.ResultBatch{}, res.Outcome, fmt.Errorf("push %d: %w", res.Push.Seq, err)
	}
	return batch, res.Outcome, nil
}

// Expect waits for the next batch and compares it with expected. Empty
// QueryName or SubscriptionID in expected match any value.
func (h *Harness) Expect(expected epcis.ResultBatch, timeout time.Duration) ([]correlate.Mismatch, gate.Outcome, error) {
	actual, outcome, err := h.AwaitBatch(timeout)
	if outcome != gate.Delivered || err != nil {
		return nil, outcome, err
	}

	if expected.QueryName == "" {
		expected.QueryName = actual.QueryName
	}
	if expected.SubscriptionID == "" {
		expected.SubscriptionID = actual.SubscriptionID
	}

	mismatches := h.correlator.Compare(expected, actual)
	if len(mismatches) > 0 {
		log.Debug().
			Str("subscription", actual.SubscriptionID).
			Int("mismatches", len(mismatches)).
			Msg("Pushed batch differs from expectation")
	}
	return mismatches, outcome, nil
}

// Teardown unsubscribes everything, then stops the harness
func (h *Harness) Teardown(ctx context.Context) error {
	err := h.Manager.Teardown(ctx)
	h.Stop()
	return err
}
