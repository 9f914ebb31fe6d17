package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes courier positions to the location topic. Messages
// are keyed by courier id so one courier's positions stay ordered within a
// partition.
type KafkaProducer struct {
	writer messageWriter
}

// NewKafkaProducer builds an async producer; write failures surface through
// the completion callback and are logged.
func NewKafkaProducer(brokers []string, topic string, log *zap.Logger) *KafkaProducer {
	if log == nil {
		log = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn("location batch not written", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaProducer{writer: w}
}

func locationMessage(ev models.LocationEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(strconv.FormatInt(ev.CourierID, 10)), Value: b, Time: ev.At}, nil
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, ev models.LocationEvent) error {
	msg, err := locationMessage(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

// DecodeLocation parses a message produced by PublishLocation.
func DecodeLocation(value []byte) (models.LocationEvent, error) {
	var ev models.LocationEvent
	err := json.Unmarshal(value, &ev)
	return ev, err
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
