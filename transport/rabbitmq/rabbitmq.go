// Package rabbitmq provides a RabbitMQ/AMQP transport for buslink. Each
// subscription gets its own durable queue bound to the topic exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/buslink/transport"
	"github.com/drblury/buslink/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// CloseConnection allows overriding how the shared connection is closed.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Open, transport.RabbitMQCapabilities)
}

// Open creates a new RabbitMQ connection. A connection string is the AMQP
// URI itself, optionally written as "Uri=amqp://...". Ambient identity uses
// the configured URI.
func Open(ctx context.Context, cfg transport.Config, creds transport.Credentials, logger watermill.LoggerAdapter) (transport.Connection, error) {
	uri, err := resolveURI(cfg, creds)
	if err != nil {
		return nil, err
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, Classify(err)
	}

	publisher, err := PublisherFactory(amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicName), logger, conn)
	if err != nil {
		_ = CloseConnection(conn)
		return nil, Classify(err)
	}

	newSubscriber := func(subscription string) (message.Subscriber, error) {
		subCfg := amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix(subscription))
		return SubscriberFactory(subCfg, logger, conn)
	}

	return bridge.New(publisher, newSubscriber, logger, bridge.Options{
		Name:     TransportName,
		Classify: Classify,
	}, func() error { return CloseConnection(conn) }), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

func resolveURI(cfg transport.Config, creds transport.Credentials) (string, error) {
	var uri string
	switch creds.Strategy {
	case transport.StrategyConnectionString:
		secret := strings.TrimSpace(creds.Secret)
		if strings.HasPrefix(secret, "amqp://") || strings.HasPrefix(secret, "amqps://") {
			uri = secret
			break
		}
		parts, err := transport.ParseConnectionString(secret)
		if err != nil {
			return "", transport.Unauthorized(err)
		}
		uri = parts["uri"]
	default:
		if cfg != nil {
			uri = cfg.GetRabbitMQURL()
		}
	}
	if uri == "" {
		return "", fmt.Errorf("rabbitmq: no AMQP URI configured")
	}
	return uri, nil
}

// Classify maps AMQP errors onto transport error kinds.
func Classify(err error) error {
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		switch {
		case amqpErr.Code == amqp091.AccessRefused:
			return transport.Unauthorized(err)
		case amqpErr.Code == amqp091.ContentTooLarge, amqpErr.Code == amqp091.NotFound:
			return err
		}
	}
	return transport.Transient(err)
}
