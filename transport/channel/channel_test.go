package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
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
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsAbandon)
	assert.False(t, caps.Durable)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestOpen(t *testing.T) {
	t.Run("round trips a message", func(t *testing.T) {
		conn, err := Open(context.Background(), nil, transport.Credentials{}, watermill.NopLogger{})
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.Send(context.Background(), "ide-messages", transport.Message{ID: "1", Body: []byte("hi")}))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		batch, err := conn.Receive(ctx, "ide-messages", "ide", 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, "hi", string(batch[0].Body))
		require.NoError(t, conn.Complete(ctx, batch[0]))
	})

	t.Run("uses custom factory with persistence", func(t *testing.T) {
		originalFactory := Factory
		defer func() { Factory = originalFactory }()

		var gotCfg gochannel.Config
		Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
			gotCfg = cfg
			pubSub := gochannel.NewGoChannel(cfg, logger)
			return pubSub, pubSub
		}

		conn, err := Open(context.Background(), nil, transport.Credentials{}, watermill.NopLogger{})
		require.NoError(t, err)
		defer conn.Close()
		assert.True(t, gotCfg.Persistent)
	})
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "channel", TransportName)
}

func TestConnectionSuite(t *testing.T) {
	transporttest.RunConnectionSuite(t, func(t *testing.T) transport.Connection {
		conn, err := Open(context.Background(), nil, transport.Credentials{}, watermill.NopLogger{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	})
}
