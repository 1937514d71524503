package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/affiliate-ledger/ledger"
)

const kafkaWriteTimeout = 2 * time.Second

// Kafka writes one record per event to a topic.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka notifier requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka notifier requires a topic")
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			// one event per write; the default 1s batch window would
			// delay every response
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: kafkaWriteTimeout,
			MaxAttempts:  3,
		},
	}, nil
}

func (k *Kafka) Notify(ctx context.Context, e ledger.Event) error {
	msg, err := kafkaMessage(e)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// kafkaMessage keys by affiliate; the Hash balancer then keeps an
// affiliate's events on one partition, in order.
func kafkaMessage(e ledger.Event) (kafka.Message, error) {
	payload, err := Encode(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.AffiliateID),
		Value: payload,
		Time:  e.OccurredAt.UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}, nil
}
