package sink

import (
	"context"
	"fmt"

	"github.com/maxpert/pushwatch/cfg"
	"github.com/maxpert/pushwatch/relay"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	relay.RegisterSink("kafka", func(config cfg.RelayConfiguration) (relay.Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.Brokers)
		if config.BatchSize > 0 {
			kafkaConfig.BatchSize = config.BatchSize
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

// DefaultKafkaConfig returns a KafkaConfig requiring all acks with
// topic auto-creation enabled
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// KafkaSink publishes relayed pushes to Kafka
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a synchronous writer. No connection is made until
// the first publish.
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Same subscription, same partition
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer}, nil
}

// Publish writes one message. The relay worker owns retries, so no
// deadline is applied here.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	return k.writer.WriteMessages(context.Background(), kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
