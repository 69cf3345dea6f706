// Package channel provides an in-memory transport backed by a watermill Go
// channel. Messages live only as long as the connection; it is meant for
// tests and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/buslink/transport"
	"github.com/drblury/buslink/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Open, transport.ChannelCapabilities)
}

// Open creates a new in-memory connection. Any credential strategy is
// accepted since there is nothing to authenticate against. Every
// subscription shares one Go channel, so each sees every message.
func Open(ctx context.Context, cfg transport.Config, creds transport.Credentials, logger watermill.LoggerAdapter) (transport.Connection, error) {
	pub, sub := Factory(gochannel.Config{Persistent: true}, logger)
	return bridge.New(pub, func(string) (message.Subscriber, error) {
		return sub, nil
	}, logger, bridge.Options{Name: TransportName}), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
