// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/buslink/transport/aws"
	_ "github.com/drblury/buslink/transport/channel"
	_ "github.com/drblury/buslink/transport/jetstream"
	_ "github.com/drblury/buslink/transport/kafka"
	_ "github.com/drblury/buslink/transport/nats"
	_ "github.com/drblury/buslink/transport/postgres"
	_ "github.com/drblury/buslink/transport/rabbitmq"
	_ "github.com/drblury/buslink/transport/redisstream"
	_ "github.com/drblury/buslink/transport/servicebus"
	_ "github.com/drblury/buslink/transport/sqlite"
)
