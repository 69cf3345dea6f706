package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/buslink/transport"
)

func TestAllTransportsRegistered(t *testing.T) {
	names := transport.DefaultRegistry.Names()
	for _, name := range []string{
		"aws", "channel", "jetstream", "kafka", "nats",
		"postgres", "postgresql", "rabbitmq", "redis", "servicebus", "sqlite",
	} {
		assert.Contains(t, names, name)
	}
}
