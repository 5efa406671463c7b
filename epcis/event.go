// Package epcis models the decoded result batches a subscription pushes:
// query results carrying an ordered list of events of several kinds.
package epcis

import (
	"time"

	"github.com/maxpert/pushwatch/rangeq"
)

// EventKind names an event shape
type EventKind string

const (
	ObjectEvent      EventKind = "ObjectEvent"
	AggregationEvent EventKind = "AggregationEvent"
	QuantityEvent    EventKind = "QuantityEvent"
	TransactionEvent EventKind = "TransactionEvent"
)

// Known reports whether k is one of the supported kinds
func (k EventKind) Known() bool {
	switch k {
	case ObjectEvent, AggregationEvent, QuantityEvent, TransactionEvent:
		return true
	}
	return false
}

// BizTransaction is a typed business transaction reference
type BizTransaction struct {
	Type  string
	Value string
}

// Event holds the common fields of all kinds plus the kind-specific ones.
// Slice fields keep the nil/empty distinction of the source document: nil
// means the element was absent, empty means it was present without children.
type Event struct {
	Kind EventKind

	EventTime           time.Time
	RecordTime          time.Time
	EventTimeZoneOffset string

	// ObjectEvent, TransactionEvent
	EPCList []string
	// AggregationEvent, TransactionEvent
	ParentID string
	// AggregationEvent
	ChildEPCs []string
	// QuantityEvent
	EPCClass string
	Quantity *int64

	Action          string
	BizStep         string
	Disposition     string
	ReadPoint       string
	BizLocation     string
	BizTransactions []BizTransaction
}

// FieldValue returns the range-able value of a named field
func (e Event) FieldValue(field string) (rangeq.Value, bool) {
	switch field {
	case "eventTime":
		return rangeq.TimeValue(e.EventTime), !e.EventTime.IsZero()
	case "recordTime":
		return rangeq.TimeValue(e.RecordTime), !e.RecordTime.IsZero()
	case "quantity":
		if e.Quantity == nil {
			return rangeq.Value{}, false
		}
		return rangeq.IntValue(*e.Quantity), true
	default:
		return rangeq.Value{}, false
	}
}

// MatchesAll reports whether e satisfies every predicate in set. A predicate
// on a field the event lacks does not match.
func (e Event) MatchesAll(set rangeq.Set) bool {
	for _, field := range set.Fields() {
		v, ok := e.FieldValue(field)
		if !ok || !set.Matches(field, v) {
			return false
		}
	}
	return true
}

// ResultBatch is one decoded push
type ResultBatch struct {
	QueryName      string
	SubscriptionID string
	Events         []Event
}

// Int64 returns a pointer to n, for Quantity literals
func Int64(n int64) *int64 {
	return &n
}
