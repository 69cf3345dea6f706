// Package buslink is a small messaging client for sending typed envelopes to
// a pub/sub topic and draining subscriptions of it. It reads the target
// transport (Azure Service Bus, NATS JetStream, SQLite, PostgreSQL, Kafka,
// RabbitMQ, AWS SNS/SQS, core NATS or Go channels) from Config, resolves
// credentials in a fixed order and keeps one connection per Client.
//
// Client.Publish encodes an envelope with a message type (event, analysis or
// metric), a title, content and free-form metadata, then sends it through a
// delivery guard that retries transient failures with exponential backoff.
// Client.Receive pulls a bounded batch from a subscription, decodes each
// message, runs the handler and settles the message only after the handler
// returns: success completes it, failures abandon it for redelivery until the
// delivery count reaches the configured maximum, and ErrDeadLetter moves it
// to the dead-letter path straight away.
//
// # Credentials
//
// A configured connection string is tried first. Ambient identity against the
// configured endpoint is tried next. When nothing works the Client returns an
// *AuthError listing every strategy it attempted.
//
// # Transports
//
// Backends register themselves with the default registry on import:
//   - servicebus: Azure Service Bus topics and subscriptions
//   - jetstream: NATS JetStream with durable pull consumers
//   - sqlite: Embedded persistent queue with dead-letter management
//   - postgres: PostgreSQL queue using SKIP LOCKED with dead-letter management
//   - kafka, rabbitmq, aws, nats: Watermill-backed brokers
//   - channel: In-memory Go channels for tests
//
// Import github.com/drblury/buslink/transport/transports to register all of
// them.
//
// # Observability
//
// Sends and receives are counted in Prometheus collectors, wrapped in
// OpenTelemetry spans and summarised per subscription. Client.HTTPHandler
// serves /metrics, /api/status and /healthz.
package buslink
