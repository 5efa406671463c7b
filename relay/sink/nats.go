package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/pushwatch/cfg"
	"github.com/maxpert/pushwatch/relay"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const natsPublishTimeout = 5 * time.Second

func init() {
	relay.RegisterSink("nats", func(config cfg.RelayConfiguration) (relay.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink publishes relayed pushes to NATS JetStream
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams map[string]bool // Streams already ensured by this sink
}

// NewNatsSink connects to url and opens a JetStream context
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("pushwatch-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streams: make(map[string]bool)}, nil
}

// Publish sends value to the JetStream subject topic with key as a header.
// Called from a single worker goroutine.
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()

	streamName := sanitizeStreamName(topic)
	if !n.streams[streamName] {
		_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{topic},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
		}
		n.streams[streamName] = true
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close closes the NATS connection
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject into a valid stream name
func sanitizeStreamName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}
