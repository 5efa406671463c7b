package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/maxpert/pushwatch/epcis"
	"github.com/maxpert/pushwatch/journal"
)

func init() {
	RegisterFormatter("xml", func() Formatter { return RawFormatter{} })
	RegisterFormatter("json", func() Formatter { return JSONFormatter{} })
}

// RawFormatter relays the pushed document unchanged
type RawFormatter struct{}

func (RawFormatter) Format(entry journal.Entry) ([]byte, error) {
	return entry.Payload, nil
}

// JSONFormatter wraps the decoded batch with journal metadata.
// Documents that fail to decode are still relayed with Error set.
type JSONFormatter struct{}

type envelope struct {
	Seq            uint64        `json:"seq"`
	PushSeq        uint64        `json:"push_seq"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	QueryName      string        `json:"query_name,omitempty"`
	Remote         string        `json:"remote,omitempty"`
	ReceivedAt     time.Time     `json:"received_at"`
	Digest         string        `json:"digest"`
	Events         []epcis.Event `json:"events"`
	Error          string        `json:"error,omitempty"`
}

func (JSONFormatter) Format(entry journal.Entry) ([]byte, error) {
	env := envelope{
		Seq:            entry.Seq,
		PushSeq:        entry.PushSeq,
		SubscriptionID: entry.SubscriptionID,
		Remote:         entry.Remote,
		ReceivedAt:     entry.ReceivedAt.UTC(),
		Digest:         strconv.FormatUint(entry.Digest, 16),
	}

	batch, err := epcis.Decode(entry.Payload)
	if err != nil {
		env.Error = err.Error()
	} else {
		env.QueryName = batch.QueryName
		env.Events = batch.Events
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope for seq %d: %w", entry.Seq, err)
	}
	return data, nil
}

// FormatterFactory creates a Formatter
type FormatterFactory func() Formatter

var (
	formatterFactories = make(map[string]FormatterFactory)
	formatterMu        sync.RWMutex
)

// RegisterFormatter registers a formatter factory for a format name
func RegisterFormatter(format string, factory FormatterFactory) {
	formatterMu.Lock()
	defer formatterMu.Unlock()
	formatterFactories[format] = factory
}

func createFormatter(format string) (Formatter, error) {
	if format == "" {
		format = "xml"
	}

	formatterMu.RLock()
	factory, exists := formatterFactories[format]
	formatterMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}
