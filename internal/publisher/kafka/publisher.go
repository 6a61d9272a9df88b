// Package kafka publishes change notifications to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Keyed payloads choose their own partition key.
type Keyed interface {
	PartitionKey() string
}

// Config configures the underlying kafka.Writer.
type Config struct {
	Brokers      []string
	WriteTimeout time.Duration
}

// Publisher writes JSON payloads to the topic named on each call.
type Publisher struct {
	writer messageWriter
}

// New builds a Publisher over a kafka.Writer for the given brokers.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Balancer:               &kafka.Hash{},
		Compression:            kafka.Snappy,
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
	}
	return &Publisher{writer: writer}, nil
}

// Publish marshals payload and writes it synchronously. The returned ID is
// "<topic>/<key>" since Kafka assigns offsets asynchronously.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("kafka topic is required")
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var key string
	if k, ok := payload.(Keyed); ok {
		key = k.PartitionKey()
	}
	msg := kafka.Message{
		Topic: topic,
		Value: value,
		Headers: []kafka.Header{
			{Key: "content_type", Value: []byte("application/json")},
		},
	}
	if key != "" {
		msg.Key = []byte(key)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write message to %s: %w", topic, err)
	}
	return topic + "/" + key, nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
