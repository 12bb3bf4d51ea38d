package audit

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit events as JSON messages keyed by user id.
type KafkaSink struct {
	writer messageWriter
	topic  string
	log    *zap.Logger
}

// NewKafkaSink builds a hash-balanced writer for the topic.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	return newKafkaSinkWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}, topic, logger)
}

func newKafkaSinkWithWriter(writer messageWriter, topic string, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{
		writer: writer,
		topic:  topic,
		log:    logger.With(zap.String("component", "audit.kafka"), zap.String("topic", topic)),
	}
}

func (sink *KafkaSink) Emit(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		sink.log.Error("audit event marshal failed", zap.Error(err))
		return
	}

	ctx, span := otel.Tracer("audit.kafka").Start(ctx, "kafka.produce "+sink.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", sink.topic),
			attribute.String("audit.event_type", event.Type),
		),
	)
	defer span.End()

	message := kafka.Message{Key: []byte(event.UserID), Value: value}
	if err := sink.writer.WriteMessages(ctx, message); err != nil {
		span.RecordError(err)
		sink.log.Error("kafka write failed", zap.String("event_type", event.Type), zap.Error(err))
		return
	}
	sink.log.Debug("audit event published", zap.String("event_type", event.Type), zap.Int("value_len", len(value)))
}

// Close flushes and closes the underlying writer.
func (sink *KafkaSink) Close() error {
	return sink.writer.Close()
}
