package notify

import (
	"sync"
	"testing"
	"time"
)

func expectSignal(t *testing.T, ch <-chan Signal, subID string, seq uint64) {
	t.Helper()
	select {
	case sig := <-ch:
		if sig.SubscriptionID != subID || sig.Seq != seq {
			t.Errorf("expected (%s, %d), got (%s, %d)", subID, seq, sig.SubscriptionID, sig.Seq)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
}

func expectNoSignal(t *testing.T, ch <-chan Signal) {
	t.Helper()
	select {
	case sig := <-ch:
		t.Errorf("unexpected signal (%s, %d)", sig.SubscriptionID, sig.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_BasicListenSignal(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Listen(Filter{})
	defer cancel()

	hub.Signal("sub-1", 1)
	expectSignal(t, signals, "sub-1", 1)
}

func TestHub_FilterSubscriptionIDs(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Listen(Filter{SubscriptionIDs: []string{"a", "c"}})
	defer cancel()

	hub.Signal("a", 1)
	hub.Signal("b", 2)
	hub.Signal("c", 3)

	expectSignal(t, signals, "a", 1)
	expectSignal(t, signals, "c", 3)
	expectNoSignal(t, signals)
}

func TestHub_UnattributedPushesReachUnfilteredListeners(t *testing.T) {
	hub := NewHub()

	all, cancelAll := hub.Listen(Filter{})
	defer cancelAll()
	some, cancelSome := hub.Listen(Filter{SubscriptionIDs: []string{"a"}})
	defer cancelSome()

	hub.Signal("", 7)

	expectSignal(t, all, "", 7)
	expectNoSignal(t, some)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Listen(Filter{})
	hub.Signal("a", 1)
	expectSignal(t, signals, "a", 1)

	cancel()

	select {
	case _, ok := <-signals:
		if ok {
			t.Error("channel should be closed after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}

	// Must not panic
	hub.Signal("a", 2)
	cancel()
}

func TestHub_ConcurrentSignalListen(t *testing.T) {
	hub := NewHub()
	const numGoroutines = 10
	const numSignals = 100

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			signals, cancel := hub.Listen(Filter{})
			defer cancel()

			received := 0
			timeout := time.After(2 * time.Second)
			for received < numSignals {
				select {
				case <-signals:
					received++
				case <-timeout:
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numSignals; i++ {
			hub.Signal("a", uint64(i))
		}
	}()

	wg.Wait()
}

func TestHub_BufferOverflowNonBlocking(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Listen(Filter{})
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 4*defaultSignalBufferSize; i++ {
			hub.Signal("a", uint64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Signal blocked on a full listener")
	}

	if got := len(signals); got != defaultSignalBufferSize {
		t.Errorf("expected %d buffered signals, got %d", defaultSignalBufferSize, got)
	}
}

func TestHub_ListenerCount(t *testing.T) {
	hub := NewHub()

	const n = 100
	cancels := make([]func(), n)
	for i := 0; i < n; i++ {
		_, cancels[i] = hub.Listen(Filter{})
	}
	if got := hub.Listeners(); got != n {
		t.Errorf("expected %d listeners, got %d", n, got)
	}

	for _, cancel := range cancels {
		cancel()
	}
	if got := hub.Listeners(); got != 0 {
		t.Errorf("expected 0 listeners after cancel, got %d", got)
	}
}
