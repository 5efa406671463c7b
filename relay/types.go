// Package relay forwards journaled pushes to external observers.
//
// Each configured relay runs a Worker that reads the push journal from its
// own cursor, filters entries by subscription id, formats them and publishes
// them to a Sink (NATS JetStream, Kafka). Delivery is at-least-once: the
// cursor only advances after a successful publish.
//
// Journal layout and cursor semantics are owned by the journal package; the
// relay only consumes ReadFrom, GetCursor and AdvanceCursor.
package relay

import "github.com/maxpert/pushwatch/journal"

// Sink represents a destination for relayed pushes
type Sink interface {
	// Publish sends a message to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether a journal entry should be relayed
type Filter interface {
	// Match returns true if pushes for the subscription should be relayed
	Match(subscriptionID string) bool
}

// Formatter renders a journal entry into the bytes handed to a sink
type Formatter interface {
	Format(entry journal.Entry) ([]byte, error)
}

// Source is the part of the journal a worker reads from
type Source interface {
	ReadFrom(cursor uint64, limit int) ([]journal.Entry, error)
	GetCursor(consumer string) (uint64, error)
	AdvanceCursor(consumer string, seq uint64) error
}
