package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// Name is the registered name of the transport.
	Name string

	// SupportsNativeDLQ indicates the broker keeps dead letters itself.
	// When false, dead letters are republished to a ".dead" topic.
	SupportsNativeDLQ bool

	// SupportsDeliveryCount indicates the broker tracks how often a message
	// was delivered. When false, the count is tracked per connection and
	// resets when the process restarts.
	SupportsDeliveryCount bool

	// SupportsDeduplication indicates the broker drops repeated sends that
	// carry the same message id.
	SupportsDeduplication bool

	// SupportsAbandon indicates an abandoned delivery becomes visible again
	// for redelivery.
	SupportsAbandon bool

	// SupportsBatching indicates Receive can return more than one delivery
	// per broker round-trip.
	SupportsBatching bool

	// Durable indicates messages survive broker restarts.
	Durable bool

	// AmbientNeedsEndpoint indicates ambient identity cannot be attempted
	// without Config.GetEndpoint.
	AmbientNeedsEndpoint bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (durable storage plus redelivery on abandon).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.Durable && c.SupportsAbandon
}

// RequiresDLQEmulation returns true if the transport needs application-level
// dead-letter routing.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// Predefined capability sets for the bundled transports.
var (
	ServiceBusCapabilities = Capabilities{
		Name:                  "servicebus",
		SupportsNativeDLQ:     true,
		SupportsDeliveryCount: true,
		SupportsDeduplication: true,
		SupportsAbandon:       true,
		SupportsBatching:      true,
		Durable:               true,
		AmbientNeedsEndpoint:  true,
		MaxMessageSize:        262144, // Standard tier 256KB
	}

	JetStreamCapabilities = Capabilities{
		Name:                  "jetstream",
		SupportsNativeDLQ:     false,
		SupportsDeliveryCount: true,
		SupportsDeduplication: true,
		SupportsAbandon:       true,
		SupportsBatching:      true,
		Durable:               true,
		MaxMessageSize:        1048576, // Default 1MB
	}

	SQLiteCapabilities = Capabilities{
		Name:                  "sqlite",
		SupportsNativeDLQ:     true,
		SupportsDeliveryCount: true,
		SupportsDeduplication: true,
		SupportsAbandon:       true,
		SupportsBatching:      true,
		Durable:               true,
	}

	PostgresCapabilities = Capabilities{
		Name:                  "postgres",
		SupportsNativeDLQ:     true,
		SupportsDeliveryCount: true,
		SupportsDeduplication: true,
		SupportsAbandon:       true,
		SupportsBatching:      true,
		Durable:               true,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsAbandon:  true,
		SupportsBatching: true,
		Durable:          true,
		MaxMessageSize:   262144, // 256KB
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsAbandon:  true,
		SupportsBatching: true,
		Durable:          true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:            "rabbitmq",
		SupportsAbandon: true,
		Durable:         true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576, // Default 1MB
	}

	RedisStreamCapabilities = Capabilities{
		Name:                  "redis",
		SupportsNativeDLQ:     false,
		SupportsDeliveryCount: true,
		SupportsDeduplication: false,
		SupportsAbandon:       true,
		SupportsBatching:      true,
		Durable:               true,
		MaxMessageSize:        512 * 1024 * 1024,
	}

	ChannelCapabilities = Capabilities{
		Name:            "channel",
		SupportsAbandon: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
