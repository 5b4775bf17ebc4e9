package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	interfaces "github.com/sheikh-saqib/token-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-ledger/internal/models/events"
)

// Events are published one at a time while the host holds record locks,
// so the writer flushes each message immediately instead of waiting for a
// batch to fill.
const (
	batchTimeout = 10 * time.Millisecond
	writeTimeout = 5 * time.Second
)

type Publisher struct {
	writer *kafka.Writer
	prefix string
}

// NewPublisher writes every ledger topic to "<prefix>.<topic>", e.g.
// "ledger.tokens.minted". Messages are keyed by mint ID so the events of one
// mint stay ordered within a partition.
func NewPublisher(brokers []string, prefix string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              1,
			BatchTimeout:           batchTimeout,
			WriteTimeout:           writeTimeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		prefix: prefix,
	}
}

func (p *Publisher) Publish(ctx context.Context, topic string, event any) error {
	msg, err := p.message(topic, event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Publisher) message(topic string, event any) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s event: %w", topic, err)
	}

	msg := kafka.Message{
		Topic: topic,
		Value: data,
	}
	if p.prefix != "" {
		msg.Topic = p.prefix + "." + topic
	}
	if e, ok := event.(events.Event); ok {
		msg.Key = []byte(e.Mint())
	}
	return msg, nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
