package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/maxpert/pushwatch/id"
	"github.com/maxpert/pushwatch/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Manager owns the caller-side handles of every subscription it created
type Manager struct {
	repo    Repository
	ids     id.Generator
	handles *xsync.MapOf[string, *Handle]
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithIDGenerator sets the generator used for requests without an id
func WithIDGenerator(g id.Generator) ManagerOption {
	return func(m *Manager) { m.ids = g }
}

// NewManager creates a manager driving repo
func NewManager(repo Repository, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:    repo,
		ids:     id.NewUUIDGenerator("pushwatch"),
		handles: xsync.NewMapOf[string, *Handle](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers req with the repository. On any failure the handle
// is discarded and never becomes Active.
func (m *Manager) Subscribe(ctx context.Context, req Request) (*Handle, error) {
	if req.ID == "" {
		req.ID = m.ids.NextID()
	}
	if req.QueryName == "" {
		req.QueryName = DefaultQueryName
	}
	req.Predicates = append(req.Predicates[:0:0], req.Predicates...)

	h := newHandle(req)
	if existing, loaded := m.handles.LoadOrStore(req.ID, h); loaded {
		if st := existing.State(); st == Requested || st == Active {
			telemetry.SubscriptionOpsTotal.With("subscribe", "duplicate").Inc()
			return nil, &DuplicateSubscriptionError{ID: req.ID}
		}
		m.handles.Store(req.ID, h)
	}

	if err := m.repo.Subscribe(ctx, req); err != nil {
		m.handles.Delete(req.ID)
		telemetry.SubscriptionOpsTotal.With("subscribe", resultLabel(err)).Inc()
		log.Warn().Err(err).Str("subscription", req.ID).Msg("Subscribe failed")
		return nil, fmt.Errorf("subscribe %s: %w", req.ID, err)
	}

	h.transition(Requested, Active)
	m.updateActive()
	telemetry.SubscriptionOpsTotal.With("subscribe", "ok").Inc()

	log.Info().
		Str("subscription", req.ID).
		Str("query", req.QueryName).
		Str("destination", req.Destination).
		Str("predicates", req.Predicates.String()).
		Str("schedule", req.Schedule.String()).
		Msg("Subscription active")

	return h, nil
}

// Unsubscribe removes the subscription. An id the repository does not know
// is treated as already gone and returns nil.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	err := m.repo.Unsubscribe(ctx, id)
	switch {
	case err == nil:
		telemetry.SubscriptionOpsTotal.With("unsubscribe", "ok").Inc()
	case IsNoSuchSubscription(err):
		telemetry.SubscriptionOpsTotal.With("unsubscribe", "no_such").Inc()
		log.Debug().Str("subscription", id).Msg("Unsubscribe of unknown subscription ignored")
	default:
		telemetry.SubscriptionOpsTotal.With("unsubscribe", "error").Inc()
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}

	if h, ok := m.handles.LoadAndDelete(id); ok {
		h.transition(Active, Unsubscribed)
	}
	m.updateActive()
	return nil
}

// Teardown unsubscribes every handle, continuing past failures. Only real
// failures are returned, joined.
func (m *Manager) Teardown(ctx context.Context) error {
	var errs []error
	for _, h := range m.all() {
		if h.State() == Expired {
			m.handles.Delete(h.ID())
			continue
		}
		if err := m.Unsubscribe(ctx, h.ID()); err != nil {
			log.Warn().Err(err).Str("subscription", h.ID()).Msg("Teardown unsubscribe failed")
			errs = append(errs, err)
		}
	}
	m.updateActive()
	return errors.Join(errs...)
}

// Expire marks a subscription as ended by the repository and forgets it
func (m *Manager) Expire(id string) bool {
	h, ok := m.handles.LoadAndDelete(id)
	if !ok {
		return false
	}
	expired := h.Expire()
	m.updateActive()
	return expired
}

// Get returns the handle for id
func (m *Manager) Get(id string) (*Handle, bool) {
	return m.handles.Load(id)
}

// Active returns the Active handles sorted by id
func (m *Manager) Active() []*Handle {
	out := make([]*Handle, 0, m.handles.Size())
	for _, h := range m.all() {
		if h.State() == Active {
			out = append(out, h)
		}
	}
	return out
}

// ActiveSubscriptions implements telemetry.StatsProvider
func (m *Manager) ActiveSubscriptions() int {
	return len(m.Active())
}

func (m *Manager) all() []*Handle {
	out := make([]*Handle, 0, m.handles.Size())
	m.handles.Range(func(_ string, h *Handle) bool {
		out = append(out, h)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Manager) updateActive() {
	telemetry.SubscriptionsActive.Set(float64(m.ActiveSubscriptions()))
}

func resultLabel(err error) string {
	var (
		dup   *DuplicateSubscriptionError
		dest  *InvalidDestinationError
		sched *ScheduleRangeError
	)
	switch {
	case errors.As(err, &dup):
		return "duplicate"
	case errors.As(err, &dest):
		return "invalid_destination"
	case errors.As(err, &sched):
		return "schedule_range"
	default:
		return "error"
	}
}
