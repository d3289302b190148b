package outbox

import "time"

// Event is the domain event envelope written to the outbox in the same
// transaction as the state change it describes. The topic (Kafka) or routing
// key (RabbitMQ) equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Record is an Event as stored, waiting for the publisher.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}
