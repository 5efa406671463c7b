// Package gate hands pushed payloads from a receiver to the one caller waiting
// for the next push. It holds at most one payload; a deposit into a full gate
// replaces the buffered payload.
package gate

import (
	"context"
	"sync"
	"time"
)

// Push is one received notification payload
type Push struct {
	Seq        uint64    // Arrival order, assigned by the receiver
	Payload    []byte    // Extracted document
	ReceivedAt time.Time // When the connection finished
	Remote     string    // Peer address
}

// Outcome is the result category of an await
type Outcome int

const (
	Delivered Outcome = iota // A push was consumed
	Empty                    // The stream was closed
	TimedOut                 // Nothing arrived in time
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Empty:
		return "empty"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is what an await returns. Push is only set when Outcome is Delivered.
type Result struct {
	Outcome Outcome
	Push    Push
}

// Gate is a single-slot, last-write-wins mailbox
type Gate struct {
	slot      chan Push
	closed    chan struct{}
	closeOnce sync.Once
	depositMu sync.Mutex // Serializes depositors so overwrite is atomic
}

// New creates an open gate
func New() *Gate {
	return &Gate{
		slot:   make(chan Push, 1),
		closed: make(chan struct{}),
	}
}

// Deposit buffers p, replacing any payload nobody has consumed yet.
// Returns true if an earlier payload was overwritten. Deposits after Close
// are dropped.
func (g *Gate) Deposit(p Push) (overwrote bool) {
	g.depositMu.Lock()
	defer g.depositMu.Unlock()

	if g.Closed() {
		return false
	}

	for {
		select {
		case g.slot <- p:
			return overwrote
		default:
		}

		// Full: drop the stale payload. A waiter may have taken it in between,
		// in which case the next send succeeds.
		select {
		case <-g.slot:
			overwrote = true
		default:
		}
	}
}

// AwaitNext waits up to timeout for the next push. A non-positive timeout
// polls once without blocking.
func (g *Gate) AwaitNext(timeout time.Duration) Result {
	if timeout <= 0 {
		if g.Closed() {
			return Result{Outcome: Empty}
		}
		select {
		case p := <-g.slot:
			return Result{Outcome: Delivered, Push: p}
		default:
			return Result{Outcome: TimedOut}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.AwaitContext(ctx)
}

// AwaitContext waits until a push is deposited, the gate closes or ctx is done.
// Context expiry or cancellation is reported as TimedOut.
func (g *Gate) AwaitContext(ctx context.Context) Result {
	// Closure wins over a buffered payload
	if g.Closed() {
		return Result{Outcome: Empty}
	}

	select {
	case p := <-g.slot:
		return Result{Outcome: Delivered, Push: p}
	case <-g.closed:
		return Result{Outcome: Empty}
	case <-ctx.Done():
		return Result{Outcome: TimedOut}
	}
}

// Close signals end of stream to all current and future waiters. Idempotent.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		close(g.closed)

		g.depositMu.Lock()
		defer g.depositMu.Unlock()
		select {
		case <-g.slot:
		default:
		}
	})
}

// Closed reports whether Close was called
func (g *Gate) Closed() bool {
	select {
	case <-g.closed:
		return true
	default:
		return false
	}
}

// Pending reports whether a payload is buffered
func (g *Gate) Pending() bool {
	return len(g.slot) > 0
}
