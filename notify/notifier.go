// Package notify fans out journal append signals to in-process consumers
package notify

import (
	"sync"
	"sync/atomic"
)

// Subscribers that fall this far behind lose signals (non-blocking send)
const defaultSignalBufferSize = 16

// Signal announces that a push was journaled
type Signal struct {
	SubscriptionID string
	Seq            uint64
}

// Filter selects signals by subscription id. Empty matches all.
type Filter struct {
	SubscriptionIDs []string
}

type listener struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (l *listener) matches(subscriptionID string) bool {
	if len(l.filter.SubscriptionIDs) == 0 {
		return true
	}
	for _, id := range l.filter.SubscriptionIDs {
		if id == subscriptionID {
			return true
		}
	}
	return false
}

func (l *listener) close() {
	if l.closed.CompareAndSwap(false, true) {
		close(l.ch)
	}
}

// Hub is a thread-safe signal fan-out
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]*listener
	nextID    atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{listeners: make(map[uint64]*listener)}
}

// Signal notifies every matching listener without blocking
func (h *Hub) Signal(subscriptionID string, seq uint64) {
	sig := Signal{SubscriptionID: subscriptionID, Seq: seq}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, l := range h.listeners {
		if !l.matches(subscriptionID) {
			continue
		}
		select {
		case l.ch <- sig:
		default:
		}
	}
}

// Listen returns a buffered signal channel and an idempotent cancel func.
// Cancel closes the channel.
func (h *Hub) Listen(filter Filter) (<-chan Signal, func()) {
	l := &listener{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.listeners[l.id] = l
	h.mu.Unlock()

	return l.ch, func() { h.remove(l.id) }
}

// Listeners returns the number of registered listeners
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	l, ok := h.listeners[id]
	if ok {
		delete(h.listeners, id)
	}
	h.mu.Unlock()

	if ok {
		l.close()
	}
}
