package outbox

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/autonova/platform/libs/amqpx"
	"github.com/autonova/platform/libs/kafkax"
)

// KafkaSink writes each event to the topic named by its event type, keyed by
// aggregate id so one appointment's events land on one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(kafkax.SplitBrokers(brokers)...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSink) Send(ctx context.Context, rec Record) error {
	return s.writer.WriteMessages(ctx, kafkaMessage(ctx, rec))
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func kafkaMessage(ctx context.Context, rec Record) kafka.Message {
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(rec.EventID)},
		{Key: "event_type", Value: []byte(rec.EventType)},
		{Key: "aggregate_type", Value: []byte(rec.AggregateType)},
	}
	return kafka.Message{
		Topic:   rec.EventType,
		Key:     []byte(rec.AggregateID),
		Value:   rec.Payload,
		Headers: kafkax.InjectTraceHeaders(ctx, headers),
		Time:    rec.CreatedAt,
	}
}

type amqpPublisher interface {
	Publish(ctx context.Context, msg amqpx.Message) error
	Close() error
}

// AMQPSink publishes each event on the topic exchange with the event type as
// routing key.
type AMQPSink struct {
	pub amqpPublisher
}

func NewAMQPSink(pub *amqpx.Publisher) *AMQPSink {
	return &AMQPSink{pub: pub}
}

func (s *AMQPSink) Send(ctx context.Context, rec Record) error {
	return s.pub.Publish(ctx, amqpMessage(rec))
}

func (s *AMQPSink) Close() error {
	return s.pub.Close()
}

func amqpMessage(rec Record) amqpx.Message {
	headers := map[string]string{
		"x-event-name": rec.EventType,
		"aggregate_id": rec.AggregateID,
	}
	if rec.Traceparent != "" {
		headers["traceparent"] = rec.Traceparent
	}
	if rec.Tracestate != "" {
		headers["tracestate"] = rec.Tracestate
	}
	return amqpx.Message{
		RoutingKey: rec.EventType,
		MessageID:  rec.EventID,
		Body:       rec.Payload,
		Headers:    headers,
		Timestamp:  rec.CreatedAt,
	}
}
