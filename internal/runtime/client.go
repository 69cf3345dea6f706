package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/buslink/internal/runtime/config"
	"github.com/drblury/buslink/internal/runtime/credentials"
	"github.com/drblury/buslink/internal/runtime/delivery"
	"github.com/drblury/buslink/internal/runtime/envelope"
	buserrors "github.com/drblury/buslink/internal/runtime/errors"
	"github.com/drblury/buslink/internal/runtime/logging"
	"github.com/drblury/buslink/internal/runtime/metadata"
	"github.com/drblury/buslink/internal/runtime/metrics"
	"github.com/drblury/buslink/internal/runtime/receive"
	"github.com/drblury/buslink/transport"
)

// AgentKey is the metadata entry Client.Encode fills with the default
// sender when the caller did not set it.
const AgentKey = "agent"

// ClientDependencies holds the optional collaborators that the Client can
// use. Leave fields nil for the defaults.
type ClientDependencies struct {
	// Registry resolves Config.Transport. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Opener replaces the registry lookup, mostly for tests.
	Opener transport.Opener
	// Registerer receives the Prometheus collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	// Hooks run around every handled message, after the built-in stats hooks.
	Hooks receive.Hooks
	// Now stamps new envelopes. Defaults to time.Now.
	Now func() time.Time
}

// Client ties credential resolution, envelope encoding, guarded sends and
// receive loops to one configuration. It owns the connection and releases
// it on Close.
type Client struct {
	Conf   *config.Config
	Logger logging.ServiceLogger

	resolver *credentials.Resolver
	codec    *envelope.Codec
	guard    *delivery.Guard
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	stats    *Stats
	hooks    receive.Hooks
	caps     transport.Capabilities

	closed atomic.Bool
}

// NewClient validates conf and prepares a Client. No connection is opened
// until the first operation that needs one.
func NewClient(conf *config.Config, log logging.ServiceLogger, deps ClientDependencies) (*Client, error) {
	if conf == nil {
		return nil, buserrors.ErrConfigRequired
	}
	if log == nil {
		return nil, buserrors.ErrLoggerRequired
	}
	effective := conf.WithDefaults()
	if err := effective.Validate(); err != nil {
		return nil, err
	}

	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	resolver, err := credentials.NewResolver(&effective, log, credentials.Dependencies{
		Registry: registry,
		Opener:   deps.Opener,
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New(deps.Registerer)
	if err := m.Register(); err != nil {
		return nil, err
	}

	codec := &envelope.Codec{DefaultSender: effective.DefaultSender, Now: deps.Now}
	guard := delivery.NewGuard(delivery.PolicyFromConfig(&effective), log, delivery.Dependencies{
		Codec:   codec,
		Metrics: m,
		Breaker: delivery.NewBreaker("buslink_send", effective.BreakerFailureThreshold, effective.BreakerOpenTimeout),
		Tracer:  deps.Tracer,
	})

	stats := NewStats()
	log.Info("Creating client", logging.LogFields{
		"transport": effective.Transport,
		"topic":     effective.Topic,
		"config":    effective,
	})

	return &Client{
		Conf:     &effective,
		Logger:   log,
		resolver: resolver,
		codec:    codec,
		guard:    guard,
		metrics:  m,
		tracer:   deps.Tracer,
		stats:    stats,
		hooks:    stats.Hooks().Merge(deps.Hooks),
		caps:     registry.GetCapabilities(effective.Transport),
	}, nil
}

// Connect resolves credentials and opens the connection if needed. Calling
// it up front surfaces an *errors.AuthError before any work is done.
func (c *Client) Connect(ctx context.Context) (credentials.Resolution, error) {
	if c.closed.Load() {
		return credentials.Resolution{}, buserrors.ErrClientClosed
	}
	return c.resolver.Resolve(ctx)
}

func (c *Client) conn(ctx context.Context) (transport.Connection, error) {
	res, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return res.Conn, nil
}

// Codec returns the envelope codec used by the client.
func (c *Client) Codec() *envelope.Codec {
	return c.codec
}

// Capabilities describes the configured transport.
func (c *Client) Capabilities() transport.Capabilities {
	return c.caps
}

// Encode builds an envelope like envelope.Codec.Encode and additionally
// records the default sender under "agent" unless md already has one.
func (c *Client) Encode(t envelope.MessageType, title, content string, md metadata.Metadata) (envelope.Envelope, error) {
	md = md.Clone()
	md.SetDefault(AgentKey, metadata.String(c.Conf.DefaultSender))
	return c.codec.Encode(t, title, content, md)
}

// Send delivers env to the configured topic.
func (c *Client) Send(ctx context.Context, env envelope.Envelope) (delivery.Result, error) {
	return c.SendTo(ctx, c.Conf.Topic, env)
}

// SendTo delivers env to topic through the delivery guard.
func (c *Client) SendTo(ctx context.Context, topic string, env envelope.Envelope) (delivery.Result, error) {
	if topic == "" {
		return delivery.Result{}, buserrors.ErrTopicRequired
	}
	conn, err := c.conn(ctx)
	if err != nil {
		return delivery.Result{}, err
	}
	res, err := c.guard.Send(ctx, conn, topic, env)
	if err != nil {
		c.Logger.Error("Send failed", err, logging.LogFields{"message_id": env.ID, "topic": topic, "attempts": res.Attempts})
		return res, err
	}
	c.Logger.Debug("Message sent", logging.LogFields{"message_id": env.ID, "topic": topic, "attempts": res.Attempts})
	return res, nil
}

// Publish encodes and sends a new envelope to the configured topic.
func (c *Client) Publish(ctx context.Context, t envelope.MessageType, title, content string, md metadata.Metadata) (envelope.Envelope, delivery.Result, error) {
	env, err := c.Encode(t, title, content, md)
	if err != nil {
		return envelope.Envelope{}, delivery.Result{}, err
	}
	res, err := c.Send(ctx, env)
	return env, res, err
}

// NewReceiver opens a receive session on subscription of the configured
// topic.
func (c *Client) NewReceiver(ctx context.Context, subscription string) (*receive.Receiver, error) {
	conn, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	return receive.NewReceiver(conn, receive.Config{
		Topic:            c.Conf.Topic,
		Subscription:     subscription,
		MaxDeliveryCount: c.Conf.MaxDeliveryCount,
		SettleTimeout:    c.Conf.SettleTimeout,
	}, c.Logger, receive.Dependencies{
		Codec:   c.codec,
		Metrics: c.metrics,
		Tracer:  c.tracer,
		Hooks:   c.hooks,
	})
}

// Receive runs one poll on subscription. Zero options fall back to the
// configured receive defaults.
func (c *Client) Receive(ctx context.Context, subscription string, opts receive.Options, handler receive.Handler) (receive.Report, error) {
	r, err := c.NewReceiver(ctx, subscription)
	if err != nil {
		return receive.Report{}, err
	}
	return r.Process(ctx, c.receiveOptions(opts), handler)
}

// Follow keeps polling subscription until ctx is cancelled.
func (c *Client) Follow(ctx context.Context, subscription string, opts receive.Options, handler receive.Handler, onBatch func(receive.Report)) (receive.Report, error) {
	r, err := c.NewReceiver(ctx, subscription)
	if err != nil {
		return receive.Report{}, err
	}
	return r.Follow(ctx, c.receiveOptions(opts), handler, onBatch)
}

func (c *Client) receiveOptions(opts receive.Options) receive.Options {
	if opts.MaxCount <= 0 {
		opts.MaxCount = c.Conf.ReceiveMaxCount
	}
	if opts.Wait <= 0 {
		opts.Wait = c.Conf.ReceiveWait
	}
	return opts
}

// DeadLetters lists up to limit dead letters of subscription.
func (c *Client) DeadLetters(ctx context.Context, subscription string, limit int) ([]transport.DeadLetter, error) {
	conn, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	lister, ok := conn.(transport.DeadLetterLister)
	if !ok {
		return nil, c.unsupported("list dead letters")
	}
	return lister.ListDeadLetters(ctx, c.Conf.Topic, subscription, limit)
}

// ReplayDeadLetters moves the dead letters of subscription back onto it.
func (c *Client) ReplayDeadLetters(ctx context.Context, subscription string) (int64, error) {
	replayer, err := c.replayer(ctx)
	if err != nil {
		return 0, err
	}
	n, err := replayer.ReplayDeadLetters(ctx, c.Conf.Topic, subscription)
	c.metrics.RecordReplayed(c.Conf.Topic, subscription, n)
	return n, err
}

// PurgeDeadLetters discards the dead letters of subscription.
func (c *Client) PurgeDeadLetters(ctx context.Context, subscription string) (int64, error) {
	replayer, err := c.replayer(ctx)
	if err != nil {
		return 0, err
	}
	n, err := replayer.PurgeDeadLetters(ctx, c.Conf.Topic, subscription)
	c.metrics.RecordPurged(c.Conf.Topic, subscription, n)
	return n, err
}

func (c *Client) replayer(ctx context.Context) (transport.DeadLetterReplayer, error) {
	conn, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	replayer, ok := conn.(transport.DeadLetterReplayer)
	if !ok {
		return nil, c.unsupported("replay or purge dead letters")
	}
	return replayer, nil
}

// Pending reports the backlog of subscription.
func (c *Client) Pending(ctx context.Context, subscription string) (int64, error) {
	conn, err := c.conn(ctx)
	if err != nil {
		return 0, err
	}
	introspector, ok := conn.(transport.QueueIntrospector)
	if !ok {
		return 0, c.unsupported("report pending count")
	}
	return introspector.PendingCount(ctx, c.Conf.Topic, subscription)
}

func (c *Client) unsupported(op string) error {
	return errors.Join(buserrors.ErrNotSupported, errors.New(c.Conf.Transport+" cannot "+op))
}

// Stats returns per-subscription handling stats for this process.
func (c *Client) Stats() map[string]SubscriptionStats {
	return c.stats.Snapshot()
}

// Close releases the connection. Further operations fail with
// ErrClientClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.resolver.Close()
}
