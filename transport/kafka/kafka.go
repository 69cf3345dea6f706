// Package kafka provides a Kafka transport for buslink. Each subscription
// maps to a consumer group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/buslink/transport"
	"github.com/drblury/buslink/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Open, transport.KafkaCapabilities)
}

// Open creates a new Kafka connection.
//
// With a connection string the secret reads "Brokers=host1:9092,host2:9092".
// With ambient identity the configured broker list is used.
func Open(ctx context.Context, cfg transport.Config, creds transport.Credentials, logger watermill.LoggerAdapter) (transport.Connection, error) {
	brokers, err := resolveBrokers(cfg, creds)
	if err != nil {
		return nil, err
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return nil, classify(err)
	}

	newSubscriber := func(subscription string) (message.Subscriber, error) {
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:       brokers,
				Unmarshaler:   kafka.DefaultMarshaler{},
				ConsumerGroup: subscription,
			},
			logger,
		)
	}

	return bridge.New(publisher, newSubscriber, logger, bridge.Options{
		Name:     TransportName,
		Classify: classify,
	}), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

func resolveBrokers(cfg transport.Config, creds transport.Credentials) ([]string, error) {
	var brokers []string
	switch creds.Strategy {
	case transport.StrategyConnectionString:
		parts, err := transport.ParseConnectionString(creds.Secret)
		if err != nil {
			return nil, transport.Unauthorized(err)
		}
		for _, b := range strings.Split(parts["brokers"], ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	default:
		if cfg != nil {
			brokers = cfg.GetKafkaBrokers()
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	return brokers, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, sarama.ErrSASLAuthenticationFailed),
		errors.Is(err, sarama.ErrTopicAuthorizationFailed),
		errors.Is(err, sarama.ErrGroupAuthorizationFailed),
		errors.Is(err, sarama.ErrClusterAuthorizationFailed):
		return transport.Unauthorized(err)
	case errors.Is(err, sarama.ErrMessageSizeTooLarge),
		errors.Is(err, sarama.ErrInvalidMessage):
		return err
	default:
		return transport.Transient(err)
	}
}
