// Package jetstream provides a NATS JetStream transport for buslink.
//
// Every topic is a subject inside one stream. Each subscription is a durable
// pull consumer, so redelivery counts and acknowledgement state live on the
// server. Sends carry the message id as Nats-Msg-Id and are deduplicated
// within the stream's duplicate window.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/buslink/transport"
	natstransport "github.com/drblury/buslink/transport/nats"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "BUSLINK"

	// DefaultAckWait is how long a fetched message stays locked.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchWait bounds a single pull request when the caller set no
	// deadline.
	DefaultFetchWait = 5 * time.Second

	// DefaultDuplicates is the stream's deduplication window.
	DefaultDuplicates = 2 * time.Minute
)

// Connect allows overriding the NATS connection for testing.
var Connect = nats.Connect

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Open, transport.JetStreamCapabilities)
}

// Open connects to NATS, ensures the stream exists and returns a Connection.
func Open(ctx context.Context, cfg transport.Config, creds transport.Credentials, logger watermill.LoggerAdapter) (transport.Connection, error) {
	url, opts, err := natstransport.ConnectOptions(cfg, creds)
	if err != nil {
		return nil, err
	}
	config := Config{URL: url}
	if cfg != nil {
		config.StreamName = cfg.GetNATSStream()
	}
	return New(ctx, config, logger, opts...)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream holding every topic.
	// Defaults to DefaultStreamName.
	StreamName string

	// AckWait is how long a delivery stays locked before redelivery.
	AckWait time.Duration

	// FetchWait bounds one pull request when the caller has no deadline.
	FetchWait time.Duration

	// Duplicates is the deduplication window for Nats-Msg-Id.
	Duplicates time.Duration

	// MaxAge limits how long messages are retained. Zero keeps them until
	// limits are reached.
	MaxAge time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	if c.Duplicates <= 0 {
		c.Duplicates = DefaultDuplicates
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

type consumerKey struct {
	topic        string
	subscription string
}

type ref struct {
	owner   *Connection
	key     consumerKey
	msg     *nats.Msg
	settled bool
}

// Connection implements transport.Connection over JetStream.
type Connection struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   map[consumerKey]*nats.Subscription
	closed bool
}

var _ transport.Connection = (*Connection)(nil)

// New connects to cfg.URL and ensures the stream exists.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter, opts ...nats.Option) (*Connection, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	opts = append([]nats.Option{nats.Name("buslink")}, opts...)
	nc, err := Connect(cfg.URL, opts...)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to connect to NATS: %w", err))
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c := &Connection{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: logger,
		subs:   make(map[consumerKey]*nats.Subscription),
	}

	if err := c.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, Classify(fmt.Errorf("failed to ensure stream: %w", err))
	}

	return c, nil
}

func (c *Connection) ensureStream(ctx context.Context) error {
	streamCfg := &nats.StreamConfig{
		Name:       c.config.StreamName,
		Subjects:   []string{c.config.StreamName + ".>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     c.config.MaxAge,
		Duplicates: c.config.Duplicates,
		Replicas:   c.config.Replicas,
	}

	_, err := c.js.AddStream(streamCfg, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	if _, err := c.js.UpdateStream(streamCfg, nats.Context(ctx)); err != nil {
		c.logger.Info("JetStream stream exists with different settings", watermill.LogFields{
			"stream": c.config.StreamName,
			"error":  err.Error(),
		})
	}
	return nil
}

// Send publishes msg and waits for the stream's acknowledgement.
func (c *Connection) Send(ctx context.Context, topic string, msg transport.Message) error {
	if c.isClosed() {
		return transport.ErrClosed
	}

	natsMsg := nats.NewMsg(c.subject(topic))
	natsMsg.Data = msg.Body
	for k, v := range msg.Headers {
		natsMsg.Header.Set(k, v)
	}
	if msg.ContentType != "" {
		natsMsg.Header.Set(transport.HeaderContentType, msg.ContentType)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msg.ID != "" {
		opts = append(opts, nats.MsgId(msg.ID))
	}
	ack, err := c.js.PublishMsg(natsMsg, opts...)
	if err != nil {
		return Classify(fmt.Errorf("jetstream publish to %q: %w", topic, err))
	}
	if ack.Duplicate {
		c.logger.Debug("Duplicate send ignored by stream", watermill.LogFields{
			"message_id": msg.ID,
			"topic":      topic,
		})
	}
	return nil
}

// Receive pulls up to maxCount messages. It keeps issuing bounded pull
// requests until at least one message arrives or ctx is done.
func (c *Connection) Receive(ctx context.Context, topic, subscription string, maxCount int) ([]transport.Delivery, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	key := consumerKey{topic: topic, subscription: subscription}
	sub, err := c.subscription(key)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, err
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.config.FetchWait)
		msgs, err := sub.Fetch(maxCount, nats.Context(fetchCtx))
		cancel()

		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, Classify(fmt.Errorf("jetstream fetch from %q/%q: %w", topic, subscription, err))
		}
		if len(msgs) == 0 {
			continue
		}

		out := make([]transport.Delivery, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, c.delivery(key, m))
		}
		return out, nil
	}
}

// Complete acknowledges the delivery and waits for the server to confirm.
func (c *Connection) Complete(ctx context.Context, d transport.Delivery) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}
	if err := r.msg.AckSync(nats.Context(ctx)); err != nil {
		return settleError(err)
	}
	return nil
}

// Abandon asks the server to redeliver the message immediately.
func (c *Connection) Abandon(ctx context.Context, d transport.Delivery) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}
	if err := r.msg.Nak(nats.Context(ctx)); err != nil {
		return settleError(err)
	}
	return nil
}

// DeadLetter republishes the message to "<topic>.<subscription>.dead" inside
// the stream and terminates the original so it is never redelivered.
func (c *Connection) DeadLetter(ctx context.Context, d transport.Delivery, reason string) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}

	dead := nats.NewMsg(c.subject(DeadLetterTopic(r.key.topic, r.key.subscription)))
	dead.Data = r.msg.Data
	for k, v := range r.msg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		dead.Header.Set(k, v[0])
	}
	dead.Header.Set(transport.HeaderOriginalTopic, r.key.topic)
	dead.Header.Set(transport.HeaderDeadLetterNote, reason)

	if _, err := c.js.PublishMsg(dead, nats.Context(ctx)); err != nil {
		c.mu.Lock()
		r.settled = false
		c.mu.Unlock()
		return Classify(fmt.Errorf("jetstream dead-letter publish: %w", err))
	}
	if err := r.msg.Term(nats.Context(ctx)); err != nil {
		return settleError(err)
	}

	c.logger.Info("Message moved to dead-letter subject", watermill.LogFields{
		"message_id": d.ID,
		"topic":      r.key.topic,
		"reason":     reason,
	})
	return nil
}

// Close drains subscriptions and closes the NATS connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	c.nc.Close()
	return nil
}

// DeadLetterTopic returns "<topic>.<subscription>.dead".
func DeadLetterTopic(topic, subscription string) string {
	return topic + "." + subscription + ".dead"
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) subject(topic string) string {
	return c.config.StreamName + "." + topic
}

// durableName builds a consumer name; JetStream forbids '.', '*' and '>'.
func durableName(topic, subscription string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(subscription + "__" + topic)
}

func (c *Connection) subscription(key consumerKey) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, transport.ErrClosed
	}
	if sub, ok := c.subs[key]; ok {
		return sub, nil
	}

	sub, err := c.js.PullSubscribe(
		c.subject(key.topic),
		durableName(key.topic, key.subscription),
		nats.BindStream(c.config.StreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(c.config.AckWait),
		nats.MaxDeliver(-1),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, Classify(fmt.Errorf("jetstream subscribe %q/%q: %w", key.topic, key.subscription, err))
	}
	c.subs[key] = sub
	return sub, nil
}

func (c *Connection) delivery(key consumerKey, m *nats.Msg) transport.Delivery {
	headers := make(map[string]string, len(m.Header))
	for k, v := range m.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	id := m.Header.Get(nats.MsgIdHdr)
	delete(headers, nats.MsgIdHdr)

	d := transport.Delivery{
		Message: transport.Message{
			ID:          id,
			Body:        m.Data,
			ContentType: headers[transport.HeaderContentType],
			Headers:     headers,
		},
		DeliveryCount: 1,
		Ref:           &ref{owner: c, key: key, msg: m},
	}
	if meta, err := m.Metadata(); err == nil {
		d.DeliveryCount = int(meta.NumDelivered)
		d.EnqueuedAt = meta.Timestamp
	}
	return d
}

func (c *Connection) settle(d transport.Delivery) (*ref, error) {
	r, ok := d.Ref.(*ref)
	if !ok || r.owner != c {
		return nil, transport.ErrUnknownDelivery
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.settled {
		return nil, transport.ErrLockLost
	}
	r.settled = true
	return r, nil
}

func settleError(err error) error {
	if errors.Is(err, nats.ErrMsgAlreadyAckd) {
		return errors.Join(transport.ErrLockLost, err)
	}
	return Classify(err)
}

// Classify maps JetStream errors onto transport error kinds.
func Classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrStreamNotFound),
		errors.Is(err, nats.ErrConsumerNotFound),
		errors.Is(err, nats.ErrMsgAlreadyAckd):
		return err
	default:
		return natstransport.Classify(err)
	}
}
