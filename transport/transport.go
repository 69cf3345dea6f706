// Package transport defines the broker boundary consumed by buslink. A
// Connection sends payloads to a topic and pulls deliveries from a
// subscription, which are then completed, abandoned or dead-lettered.
// Each backend (servicebus, jetstream, sqlite, aws, ...) lives in its own
// sub-package and registers an Opener with the registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Standard header keys set by buslink on outgoing messages.
const (
	HeaderContentType    = "content_type"
	HeaderMessageType    = "buslink_message_type"
	HeaderSender         = "buslink_sender"
	HeaderOriginalTopic  = "buslink_original_topic"
	HeaderDeadLetterNote = "buslink_dead_letter_reason"
	HeaderEnqueuedAt     = "buslink_enqueued_at"
)

// Message is the broker-neutral unit handed to a Sender. ID is used by
// brokers that deduplicate on message id and must stay identical across
// retries of the same logical send.
type Message struct {
	ID          string
	Body        []byte
	ContentType string
	Headers     map[string]string
}

// Delivery is a message received from a subscription and not yet settled.
// DeliveryCount is 1 on first delivery and grows with every redelivery.
// Ref holds the backend handle needed to settle the delivery.
type Delivery struct {
	Message
	DeliveryCount int
	EnqueuedAt    time.Time
	Ref           any
}

// Sender publishes a single message to a topic. Implementations return only
// once the broker has acknowledged persistence.
type Sender interface {
	Send(ctx context.Context, topic string, msg Message) error
}

// Receiver pulls and settles deliveries.
//
// Receive blocks until at least one delivery is available or ctx is done. A
// ctx deadline with nothing received yields an empty batch and a nil error.
type Receiver interface {
	Receive(ctx context.Context, topic, subscription string, maxCount int) ([]Delivery, error)
	Complete(ctx context.Context, d Delivery) error
	Abandon(ctx context.Context, d Delivery) error
	DeadLetter(ctx context.Context, d Delivery, reason string) error
}

// Connection is an open, authenticated handle to a broker.
type Connection interface {
	Sender
	Receiver
	Close() error
}

// Opener opens a Connection using the supplied credentials.
type Opener func(ctx context.Context, cfg Config, creds Credentials, logger watermill.LoggerAdapter) (Connection, error)

// Config provides the configuration values needed by transports.
// Transports read only the keys relevant to them.
type Config interface {
	// GetTransport returns the transport name.
	GetTransport() string
	// GetEndpoint returns the broker endpoint used by ambient identity.
	GetEndpoint() string

	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSStream() string
	GetNATSCredentialsFile() string

	// Redis
	GetRedisAddr() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSEndpoint() string
}

// DeadLetter is a message that exhausted its delivery budget.
type DeadLetter struct {
	MessageID      string            `json:"message_id"`
	Topic          string            `json:"topic"`
	Subscription   string            `json:"subscription"`
	Body           []byte            `json:"body"`
	Headers        map[string]string `json:"headers"`
	Reason         string            `json:"reason"`
	DeliveryCount  int               `json:"delivery_count"`
	DeadLetteredAt time.Time         `json:"dead_lettered_at"`
}

// DeadLetterLister is implemented by transports that can list dead letters.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, topic, subscription string, limit int) ([]DeadLetter, error)
}

// QueueIntrospector is implemented by transports that can report backlog size.
type QueueIntrospector interface {
	PendingCount(ctx context.Context, topic, subscription string) (int64, error)
}

// DeadLetterReplayer is implemented by transports that can move dead
// letters back onto their subscription or discard them.
type DeadLetterReplayer interface {
	ReplayDeadLetters(ctx context.Context, topic, subscription string) (int64, error)
	PurgeDeadLetters(ctx context.Context, topic, subscription string) (int64, error)
}
