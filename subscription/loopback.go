package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/maxpert/pushwatch/epcis"
	"github.com/rs/zerolog/log"
)

// EventSource supplies the events a Loopback evaluates queries against
type EventSource interface {
	Events(ctx context.Context) ([]epcis.Event, error)
}

// StaticEvents is a fixed EventSource
type StaticEvents []epcis.Event

// Events returns a copy of the fixed events
func (s StaticEvents) Events(context.Context) ([]epcis.Event, error) {
	return append([]epcis.Event(nil), s...), nil
}

// EventSourceFunc adapts a function to EventSource
type EventSourceFunc func(ctx context.Context) ([]epcis.Event, error)

// Events calls f
func (f EventSourceFunc) Events(ctx context.Context) ([]epcis.Event, error) {
	return f(ctx)
}

// ErrLoopbackClosed is returned by a closed Loopback
var ErrLoopbackClosed = errors.New("loopback repository closed")

// LoopbackOption customizes a Loopback
type LoopbackOption func(*Loopback)

// WithHTTPClient sets the client used to deliver pushes
func WithHTTPClient(c *http.Client) LoopbackOption {
	return func(l *Loopback) { l.client = c }
}

// WithClock sets the time source for watermarks and schedules
func WithClock(now func() time.Time) LoopbackOption {
	return func(l *Loopback) { l.now = now }
}

// Loopback is an in-memory event repository. It evaluates each
// subscription's predicates against an EventSource on schedule, or on
// Fire, and POSTs the result document to the subscription's destination.
type Loopback struct {
	source EventSource
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	subs   map[string]*loopbackSub
	closed bool
	wg     sync.WaitGroup
}

type loopbackSub struct {
	req    Request
	cancel context.CancelFunc

	fireMu    sync.Mutex // Serializes executions
	watermark time.Time
	fired     int
}

// NewLoopback creates an in-memory repository reading from source
func NewLoopback(source EventSource, opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		source: source,
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
		subs:   make(map[string]*loopbackSub),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe validates and registers req. Scheduled subscriptions start
// firing immediately.
func (l *Loopback) Subscribe(ctx context.Context, req Request) error {
	if err := ValidateDestination(req.Destination); err != nil {
		return err
	}
	if err := req.Schedule.Validate(); err != nil {
		return err
	}
	if !req.Schedule.IsZero() {
		if _, ok := req.Schedule.Next(l.now()); !ok {
			return &ScheduleRangeError{Field: "schedule", Value: req.Schedule.String(), Reason: "never fires"}
		}
	}
	if req.QueryName == "" {
		req.QueryName = DefaultQueryName
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoopbackClosed
	}
	if _, ok := l.subs[req.ID]; ok {
		return &DuplicateSubscriptionError{ID: req.ID}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &loopbackSub{req: req, cancel: cancel, watermark: req.InitialRecordTime}
	l.subs[req.ID] = sub

	if !req.Schedule.IsZero() {
		l.wg.Add(1)
		go l.run(runCtx, sub)
	}
	return nil
}

// Unsubscribe stops and forgets the subscription
func (l *Loopback) Unsubscribe(ctx context.Context, id string) error {
	l.mu.Lock()
	sub, ok := l.subs[id]
	if ok {
		delete(l.subs, id)
	}
	l.mu.Unlock()

	if !ok {
		return &NoSuchSubscriptionError{ID: id}
	}
	sub.cancel()
	return nil
}

// Subscriptions returns the registered ids
func (l *Loopback) Subscriptions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	return ids
}

// Fire executes the subscription's query now. It returns the number of
// events delivered; nothing is delivered for an empty result unless the
// subscription reports empty results.
func (l *Loopback) Fire(ctx context.Context, id string) (int, error) {
	l.mu.Lock()
	sub, ok := l.subs[id]
	l.mu.Unlock()
	if !ok {
		return 0, &NoSuchSubscriptionError{ID: id}
	}
	return l.execute(ctx, sub)
}

// Close stops every scheduler and waits for in-flight deliveries
func (l *Loopback) Close() {
	l.mu.Lock()
	l.closed = true
	for id, sub := range l.subs {
		sub.cancel()
		delete(l.subs, id)
	}
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Loopback) run(ctx context.Context, sub *loopbackSub) {
	defer l.wg.Done()

	for {
		now := l.now()
		next, ok := sub.req.Schedule.Next(now)
		if !ok {
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := l.execute(ctx, sub); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("subscription", sub.req.ID).Msg("Scheduled execution failed")
		}
	}
}

func (l *Loopback) execute(ctx context.Context, sub *loopbackSub) (int, error) {
	sub.fireMu.Lock()
	defer sub.fireMu.Unlock()

	events, err := l.source.Events(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read events: %w", err)
	}

	executedAt := l.now()
	matched := make([]epcis.Event, 0, len(events))
	for _, ev := range events {
		if !sub.watermark.IsZero() && ev.RecordTime.Before(sub.watermark) {
			continue
		}
		if ev.MatchesAll(sub.req.Predicates) {
			matched = append(matched, ev)
		}
	}
	sub.fired++

	if len(matched) == 0 && !sub.req.ReportIfEmpty {
		sub.watermark = executedAt
		log.Debug().Str("subscription", sub.req.ID).Msg("Empty result not reported")
		return 0, nil
	}

	doc, err := epcis.EncodeAt(epcis.ResultBatch{
		QueryName:      sub.req.QueryName,
		SubscriptionID: sub.req.ID,
		Events:         matched,
	}, executedAt)
	if err != nil {
		return 0, err
	}

	// A failed delivery keeps the watermark so the next execution retries these events
	if err := l.deliver(ctx, sub.req.Destination, doc); err != nil {
		return 0, err
	}
	sub.watermark = executedAt

	log.Debug().
		Str("subscription", sub.req.ID).
		Int("events", len(matched)).
		Int("execution", sub.fired).
		Msg("Delivered result batch")
	return len(matched), nil
}

func (l *Loopback) deliver(ctx context.Context, dest string, doc []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(doc))
	if err != nil {
		return &InvalidDestinationError{URI: dest, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver to %s: %w", dest, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delivery to %s rejected: %s", dest, resp.Status)
	}
	return nil
}
