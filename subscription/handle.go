// Package subscription manages the lifecycle of standing queries registered
// with an event repository.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/pushwatch/rangeq"
)

// DefaultQueryName is used when a Request leaves QueryName empty
const DefaultQueryName = "SimpleEventQuery"

// Request describes one standing query. Requests are immutable once
// subscribed; changing one means unsubscribe and subscribe again.
type Request struct {
	ID                string
	QueryName         string
	Predicates        rangeq.Set
	Destination       string
	Schedule          Schedule
	ReportIfEmpty     bool
	InitialRecordTime time.Time // Zero means no watermark
}

// Repository is the event repository's subscription surface
type Repository interface {
	Subscribe(ctx context.Context, req Request) error
	Unsubscribe(ctx context.Context, id string) error
}

// State is a subscription handle's lifecycle state
type State int32

const (
	Requested State = iota
	Active
	Unsubscribed
	Expired
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Active:
		return "active"
	case Unsubscribed:
		return "unsubscribed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Handle tracks one subscription on the caller side
type Handle struct {
	req Request

	mu          sync.Mutex
	state       State
	activatedAt time.Time
	endedAt     time.Time
}

func newHandle(req Request) *Handle {
	return &Handle{req: req, state: Requested}
}

// ID returns the subscription id
func (h *Handle) ID() string {
	return h.req.ID
}

// Request returns the request the handle was created from
func (h *Handle) Request() Request {
	return h.req
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ActivatedAt returns when the subscription became Active, zero if never
func (h *Handle) ActivatedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activatedAt
}

// EndedAt returns when the subscription left Active, zero if it has not
func (h *Handle) EndedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endedAt
}

// Expire marks an Active subscription as ended by the repository. It
// reports false if the handle was not Active.
func (h *Handle) Expire() bool {
	return h.transition(Active, Expired)
}

func (h *Handle) transition(from, to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != from {
		return false
	}
	h.state = to

	now := time.Now()
	if to == Active {
		h.activatedAt = now
	} else {
		h.endedAt = now
	}
	return true
}
