package events

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer that hashes message keys onto partitions,
// so all events of one job land on the same partition in order.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// envelope is the wire format of a forwarded event.
type envelope struct {
	Type    string `json:"type"`
	Subject string `json:"subject"`
	Event   Event  `json:"event"`
}

// KafkaSink forwards bus events to a Kafka topic.
type KafkaSink struct {
	writer MessageWriter
	log    *zap.Logger
}

// NewKafkaSink wraps a writer. A nil logger disables logging.
func NewKafkaSink(w MessageWriter, log *zap.Logger) *KafkaSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSink{writer: w, log: log}
}

// Run forwards events from sub until ctx is done or sub is closed, then
// closes the writer. Write failures are logged and the event is dropped.
func (s *KafkaSink) Run(ctx context.Context, sub <-chan Event) error {
	defer func() {
		if err := s.writer.Close(); err != nil {
			s.log.Warn("closing kafka writer", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if err := s.forward(ctx, ev); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				s.log.Warn("forwarding event to kafka",
					zap.String("type", ev.EventType()),
					zap.String("subject", ev.SubjectID()),
					zap.Error(err))
			}
		}
	}
}

func (s *KafkaSink) forward(ctx context.Context, ev Event) error {
	payload, err := jsoniter.Marshal(envelope{Type: ev.EventType(), Subject: ev.SubjectID(), Event: ev})
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SubjectID()),
		Value: payload,
		Time:  time.Now(),
	})
}
