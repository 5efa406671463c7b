package sink

import (
	"errors"
	"sync"
)

var errMockPublish = errors.New("mock publish failure")

// MockSink records publishes in memory for tests
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	FailFirst  int // Fail this many publishes before succeeding
	Closed     bool
	mu         sync.Mutex
}

// MockMessage is one recorded publish
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message, or fails while FailFirst or PublishErr say so
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	if m.FailFirst > 0 {
		m.FailFirst--
		return errMockPublish
	}

	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// IsClosed reports whether Close was called
func (m *MockSink) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
