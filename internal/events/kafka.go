package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaMirror copies every published event to a Kafka topic, keyed by
// session id so per-session ordering survives partitioning. Delivery is
// best-effort: a failed write is logged and dropped, never retried on the
// turn loop's time.
type KafkaMirror struct {
	writer *kafka.Writer
}

// NewKafkaMirror creates a mirror writing to topic on the given brokers.
func NewKafkaMirror(brokers []string, topic string) *KafkaMirror {
	return &KafkaMirror{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				slog.Warn("kafka mirror: "+msg, "args", args)
			}),
		},
	}
}

// Deliver implements Sink.
func (m *KafkaMirror) Deliver(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("kafka mirror: encode failed", "session", ev.SessionID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Time:  ev.Timestamp,
	})
	if err != nil {
		slog.Warn("kafka mirror: write failed", "session", ev.SessionID, "seq", ev.Seq, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}
