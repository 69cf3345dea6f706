// Package transporttest provides fakes and a shared behaviour suite for
// transport implementations.
package transporttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/buslink/transport"
)

// Config is a static transport.Config.
type Config struct {
	Transport           string
	Endpoint            string
	KafkaBrokers        []string
	RabbitMQURL         string
	NATSURL             string
	NATSStream          string
	NATSCredentialsFile string
	RedisAddr           string
	SQLiteFile          string
	PostgresURL         string
	AWSRegion           string
	AWSAccountID        string
	AWSEndpoint         string
}

var _ transport.Config = (*Config)(nil)

func (c *Config) GetTransport() string           { return c.Transport }
func (c *Config) GetEndpoint() string            { return c.Endpoint }
func (c *Config) GetKafkaBrokers() []string      { return c.KafkaBrokers }
func (c *Config) GetRabbitMQURL() string         { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string             { return c.NATSURL }
func (c *Config) GetNATSStream() string          { return c.NATSStream }
func (c *Config) GetNATSCredentialsFile() string { return c.NATSCredentialsFile }
func (c *Config) GetRedisAddr() string           { return c.RedisAddr }
func (c *Config) GetSQLiteFile() string          { return c.SQLiteFile }
func (c *Config) GetPostgresURL() string         { return c.PostgresURL }
func (c *Config) GetAWSRegion() string           { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string        { return c.AWSAccountID }
func (c *Config) GetAWSEndpoint() string         { return c.AWSEndpoint }

// Publisher records published messages.
type Publisher struct {
	mu        sync.Mutex
	Err       error
	Published map[string][]*message.Message
	Closed    bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	if p.Published == nil {
		p.Published = make(map[string][]*message.Message)
	}
	p.Published[topic] = append(p.Published[topic], messages...)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Subscriber hands out channels that are never written to.
type Subscriber struct {
	Err    error
	Closed bool
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return make(chan *message.Message), nil
}

func (s *Subscriber) Close() error {
	s.Closed = true
	return nil
}

// RunConnectionSuite exercises the settle contract every durable transport
// must honour. newConn must return a fresh, empty connection.
func RunConnectionSuite(t *testing.T, newConn func(t *testing.T) transport.Connection) {
	t.Helper()

	receive := func(t *testing.T, conn transport.Connection, topic, sub string, max int, wait time.Duration) []transport.Delivery {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		batch, err := conn.Receive(ctx, topic, sub, max)
		require.NoError(t, err)
		return batch
	}

	t.Run("empty subscription returns empty batch", func(t *testing.T) {
		conn := newConn(t)
		batch := receive(t, conn, "empty", "sub", 5, 100*time.Millisecond)
		assert.Empty(t, batch)
	})

	t.Run("send then receive", func(t *testing.T) {
		conn := newConn(t)
		ctx := context.Background()
		require.NoError(t, conn.Send(ctx, "topic", transport.Message{
			ID:          "m1",
			Body:        []byte(`{"n":1}`),
			ContentType: "application/json",
			Headers:     map[string]string{"k": "v"},
		}))

		batch := receive(t, conn, "topic", "sub", 5, 2*time.Second)
		require.Len(t, batch, 1)
		d := batch[0]
		assert.Equal(t, "m1", d.ID)
		assert.Equal(t, `{"n":1}`, string(d.Body))
		assert.Equal(t, "application/json", d.ContentType)
		assert.Equal(t, "v", d.Headers["k"])
		assert.Equal(t, 1, d.DeliveryCount)
		require.NoError(t, conn.Complete(ctx, d))

		assert.Empty(t, receive(t, conn, "topic", "sub", 5, 100*time.Millisecond))
	})

	t.Run("abandon redelivers with higher count", func(t *testing.T) {
		conn := newConn(t)
		ctx := context.Background()
		require.NoError(t, conn.Send(ctx, "topic", transport.Message{ID: "m1", Body: []byte("x")}))

		first := receive(t, conn, "topic", "sub", 1, 2*time.Second)
		require.Len(t, first, 1)
		require.NoError(t, conn.Abandon(ctx, first[0]))

		second := receive(t, conn, "topic", "sub", 1, 2*time.Second)
		require.Len(t, second, 1)
		assert.Equal(t, "m1", second[0].ID)
		assert.Equal(t, 2, second[0].DeliveryCount)
		require.NoError(t, conn.Complete(ctx, second[0]))
	})

	t.Run("dead letter removes delivery", func(t *testing.T) {
		conn := newConn(t)
		ctx := context.Background()
		require.NoError(t, conn.Send(ctx, "topic", transport.Message{ID: "m1", Body: []byte("x")}))

		batch := receive(t, conn, "topic", "sub", 1, 2*time.Second)
		require.Len(t, batch, 1)
		require.NoError(t, conn.DeadLetter(ctx, batch[0], "poison"))

		assert.Empty(t, receive(t, conn, "topic", "sub", 1, 100*time.Millisecond))

		if lister, ok := conn.(transport.DeadLetterLister); ok {
			dead, err := lister.ListDeadLetters(ctx, "topic", "sub", 10)
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, "m1", dead[0].MessageID)
			assert.Equal(t, "poison", dead[0].Reason)
		}
	})

	t.Run("double settle reports lock lost", func(t *testing.T) {
		conn := newConn(t)
		ctx := context.Background()
		require.NoError(t, conn.Send(ctx, "topic", transport.Message{ID: "m1", Body: []byte("x")}))

		batch := receive(t, conn, "topic", "sub", 1, 2*time.Second)
		require.Len(t, batch, 1)
		require.NoError(t, conn.Complete(ctx, batch[0]))
		assert.ErrorIs(t, conn.Complete(ctx, batch[0]), transport.ErrLockLost)
	})

	t.Run("closed connection rejects sends", func(t *testing.T) {
		conn := newConn(t)
		require.NoError(t, conn.Close())
		err := conn.Send(context.Background(), "topic", transport.Message{ID: "m1"})
		assert.ErrorIs(t, err, transport.ErrClosed)
	})
}
