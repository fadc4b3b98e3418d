// Package broker publishes the audit log to Kafka.
package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StreamKey keys every message. With the Hash balancer the whole audit log
// lands on one partition, which is the only place Kafka keeps order.
const StreamKey = "audit-log"

// KafkaSink is an events.Sink. Writes are synchronous and Publish is called
// in seq order, so the partition holds the log in seq order. Consumers that
// only care about one account or order filter on the headers.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *zap.Logger
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewKafkaSink(w MessageWriter, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{writer: w, timeout: 5 * time.Second, logger: logger}
}

func (s *KafkaSink) Publish(ctx context.Context, e events.Event) error {
	msg, err := Message(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	s.logger.Debug("event_published", zap.Uint64("seq", e.Seq), zap.ByteString("key", msg.Key))
	return nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// Message encodes e as a Kafka message: JSON value, the stream key, and
// headers carrying the kind, sequence, schema version, order id and the
// accounts involved.
func Message(e events.Event) (kafka.Message, error) {
	val, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(StreamKey),
		Value:   val,
		Time:    e.Time,
		Headers: headers(e),
	}, nil
}

func headers(e events.Event) []kafka.Header {
	hs := []kafka.Header{
		{Key: "kind", Value: []byte(e.Kind)},
		{Key: "seq", Value: []byte(strconv.FormatUint(e.Seq, 10))},
		{Key: "v", Value: []byte(strconv.Itoa(e.Version))},
	}
	if e.Transfer == nil {
		hs = append(hs, kafka.Header{Key: "order", Value: []byte(strconv.FormatUint(e.OrderID(), 10))})
	}
	for _, a := range e.Accounts() {
		hs = append(hs, kafka.Header{Key: "account", Value: []byte(a.Hex())})
	}
	return hs
}

var _ events.Sink = (*KafkaSink)(nil)
