package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"dmecoord/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each event as one message keyed by order id so an
// order's events stay on one partition.
type KafkaSink struct {
	w messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}}
}

func newKafkaSinkWith(w messageWriter) *KafkaSink {
	return &KafkaSink{w: w}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, evt domain.Event) error {
	value, err := encode(evt)
	if err != nil {
		return err
	}
	key := evt.OrderID()
	if key == "" {
		key = evt.Topic
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(evt.Topic)},
			{Key: "timestamp", Value: []byte(evt.Timestamp)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", evt.Topic, err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.w.Close() }
