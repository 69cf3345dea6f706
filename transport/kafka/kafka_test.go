package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/buslink/transport"
	"github.com/drblury/buslink/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.False(t, caps.SupportsNativeDLQ)
	assert.True(t, caps.Durable)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestOpen(t *testing.T) {
	t.Run("ambient identity uses configured brokers and subscription as group", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		mockPub := &transporttest.Publisher{}
		var gotGroup string
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			return mockPub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			gotGroup = cfg.ConsumerGroup
			return &transporttest.Subscriber{}, nil
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}
		conn, err := Open(context.Background(), cfg, transport.Credentials{Strategy: transport.StrategyAmbientIdentity}, watermill.NopLogger{})
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.Send(context.Background(), "ide-messages", transport.Message{ID: "1", Body: []byte("x")}))
		assert.Len(t, mockPub.Published["ide-messages"], 1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _ = conn.Receive(ctx, "ide-messages", "ide", 1)
		assert.Equal(t, "ide", gotGroup)
	})

	t.Run("connection string supplies brokers", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers)
			return &transporttest.Publisher{}, nil
		}

		creds := transport.Credentials{Strategy: transport.StrategyConnectionString, Secret: "Brokers=a:9092, b:9092"}
		conn, err := Open(context.Background(), &transporttest.Config{}, creds, watermill.NopLogger{})
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	})

	t.Run("no brokers", func(t *testing.T) {
		_, err := Open(context.Background(), &transporttest.Config{}, transport.Credentials{}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no brokers")
	})

	t.Run("publisher factory error", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}
		_, err := Open(context.Background(), cfg, transport.Credentials{}, watermill.NopLogger{})
		require.Error(t, err)
		assert.True(t, transport.IsTransient(err))
	})
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(fmt.Errorf("dial: %w", sarama.ErrSASLAuthenticationFailed)), transport.ErrUnauthorized)
	assert.False(t, transport.IsTransient(classify(sarama.ErrMessageSizeTooLarge)))
	assert.True(t, transport.IsTransient(classify(sarama.ErrOutOfBrokers)))
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "kafka", TransportName)
}
