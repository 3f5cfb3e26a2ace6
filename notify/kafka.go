/*
Package notify connects the engine to kafka.

PURPOSE:
  - KafkaPublisher: affiliate.Publisher that writes RankChanged events as
    JSON, keyed by account id, for the notification subsystem.
  - SaleConsumer: reads SaleCompleted / SaleReversed / PurchaseCompleted
    envelopes from the order pipeline and feeds them to the engine.

DELIVERY:
  At-least-once. A message is committed only after the engine applied it
  or the consumer set it aside. Redelivered messages are harmless because
  every derived ledger append carries an idempotency key built from the
  event id (or, when the producer sent none, from topic/partition/offset).

  Only transient failures are retried, and at most MaxRetries times.
  Malformed events, conflicts and consistency violations are logged,
  counted through affiliate.Instrumentation, copied to the dead-letter
  topic when one is configured, and committed. A transient failure that
  outlasts its retries is dead-lettered too; with no dead-letter topic
  the consumer stops without committing so the message is redelivered.
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/warp/affiliate-engine/affiliate"
)

// MessageWriter is the part of *kafka.Writer the publisher and the
// consumer's dead-letter path use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements affiliate.Publisher.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
}

// NewKafkaPublisher writes to topic on brokers. The writer has no Topic
// of its own; every message names it.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return NewKafkaPublisherWithWriter(NewWriter(brokers), topic)
}

// NewWriter returns a key-hashing writer that waits for all replicas.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func NewKafkaPublisherWithWriter(w MessageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

func (p *KafkaPublisher) PublishRankChanged(ctx context.Context, ev affiliate.RankChanged) error {
	v, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(strconv.FormatInt(int64(ev.AccountID), 10)),
		Value: v,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("RankChanged")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ affiliate.Publisher = (*KafkaPublisher)(nil)
