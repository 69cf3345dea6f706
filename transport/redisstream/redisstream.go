// Package redisstream provides a Redis Streams transport for buslink.
//
// A topic is a stream and a subscription is a consumer group on it.
// Abandoned deliveries are re-added to a per-subscription retry stream so
// other subscriptions never see them twice; dead letters go to a
// per-subscription dead stream that can be listed, replayed and purged.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/buslink/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis"

const (
	// DefaultAddr is used when neither a connection string nor an address
	// is configured.
	DefaultAddr = "localhost:6379"

	// DefaultPrefix namespaces every stream key.
	DefaultPrefix = "buslink:"

	// DefaultLockDuration is how long a delivery may stay unsettled before
	// another consumer claims it.
	DefaultLockDuration = 30 * time.Second

	// DefaultFetchWait bounds one blocking read.
	DefaultFetchWait = time.Second
)

// Field names of a stream entry.
const (
	fieldID             = "id"
	fieldBody           = "body"
	fieldContentType    = "content_type"
	fieldEnqueuedAt     = "enqueued_at"
	fieldDeliveryCount  = "delivery_count"
	fieldTopic          = "topic"
	fieldReason         = "reason"
	fieldDeadLetteredAt = "dead_lettered_at"
	fieldHeaderPrefix   = "h:"
)

// NewClient allows overriding the Redis client creation for testing.
var NewClient = redis.NewClient

func init() {
	Register()
}

// Register registers the Redis Streams transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Open, transport.RedisStreamCapabilities)
}

// Open connects to Redis. A connection string is a redis:// or rediss://
// URL or a bare host:port; ambient identity uses the configured address.
func Open(ctx context.Context, cfg transport.Config, creds transport.Credentials, logger watermill.LoggerAdapter) (transport.Connection, error) {
	addr := DefaultAddr
	switch {
	case creds.Strategy == transport.StrategyConnectionString:
		addr = creds.Secret
	case cfg != nil && cfg.GetRedisAddr() != "":
		addr = cfg.GetRedisAddr()
	}
	opts, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	return New(ctx, Config{Options: opts}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisStreamCapabilities
}

// ParseAddr accepts a redis:// URL or a bare host:port.
func ParseAddr(addr string) (*redis.Options, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis: address is required")
	}
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: addr}, nil
}

// Config holds Redis Streams-specific configuration.
type Config struct {
	// Options are handed to redis.NewClient.
	Options *redis.Options

	// Prefix namespaces stream keys. Defaults to DefaultPrefix.
	Prefix string

	// Consumer names this connection inside every consumer group.
	// Defaults to a random name.
	Consumer string

	// LockDuration is how long a delivery stays with this consumer before
	// another one may claim it.
	LockDuration time.Duration

	// FetchWait bounds one blocking read.
	FetchWait time.Duration

	// MaxLenApprox trims streams to roughly this many entries. Zero keeps
	// everything.
	MaxLenApprox int64
}

func (c Config) withDefaults() Config {
	if c.Options == nil {
		c.Options = &redis.Options{Addr: DefaultAddr}
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Consumer == "" {
		c.Consumer = "buslink-" + uuid.NewString()
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	return c
}

type subKey struct {
	topic        string
	subscription string
}

type ref struct {
	owner   *Connection
	key     subKey
	stream  string
	id      string
	values  map[string]any
	count   int
	settled bool
}

// Connection implements transport.Connection over Redis Streams.
type Connection struct {
	client *redis.Client
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	groups map[subKey]bool
	closed bool
}

var (
	_ transport.Connection         = (*Connection)(nil)
	_ transport.DeadLetterLister   = (*Connection)(nil)
	_ transport.DeadLetterReplayer = (*Connection)(nil)
	_ transport.QueueIntrospector  = (*Connection)(nil)
)

// New creates the client and verifies the server answers.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Connection, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	opts := *cfg.Options
	opts.ContextTimeoutEnabled = true
	client := NewClient(&opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, Classify(fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err))
	}

	logger.Info("Connected to Redis", watermill.LogFields{"addr": opts.Addr, "consumer": cfg.Consumer})
	return &Connection{
		client: client,
		config: cfg,
		logger: logger,
		groups: make(map[subKey]bool),
	}, nil
}

// Client exposes the underlying Redis client.
func (c *Connection) Client() *redis.Client {
	return c.client
}

// Send appends msg to the topic stream.
func (c *Connection) Send(ctx context.Context, topic string, msg transport.Message) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	values := encodeMessage(msg, time.Now())
	if err := c.client.XAdd(ctx, c.addArgs(c.topicStream(topic), values)).Err(); err != nil {
		return Classify(fmt.Errorf("redis send to %q: %w", topic, err))
	}
	return nil
}

// Receive returns up to maxCount deliveries. Entries left unsettled longer
// than LockDuration by any consumer are claimed first; new entries of the
// topic and retry streams fill the rest.
func (c *Connection) Receive(ctx context.Context, topic, subscription string, maxCount int) ([]transport.Delivery, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	if c.isClosed() {
		return nil, transport.ErrClosed
	}
	key := subKey{topic: topic, subscription: subscription}
	if err := c.ensureGroup(ctx, key); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, err
		}

		out, err := c.claimIdle(ctx, key, maxCount)
		if err != nil {
			return nil, c.receiveError(ctx, err)
		}
		if len(out) < maxCount {
			fresh, err := c.readNew(ctx, key, maxCount-len(out), len(out) > 0)
			if err != nil {
				return nil, c.receiveError(ctx, err)
			}
			out = append(out, fresh...)
		}
		if len(out) > 0 {
			return out, nil
		}
	}
}

func (c *Connection) receiveError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil
		}
		return ctxErr
	}
	return Classify(err)
}

// readNew reads the retry stream first and tops up from the topic stream.
// XREADGROUP counts per stream, so each read asks only for what is still
// missing; everything read is already pending for this consumer and must
// be returned.
func (c *Connection) readNew(ctx context.Context, key subKey, count int, noWait bool) ([]transport.Delivery, error) {
	out, err := c.readStream(ctx, key, c.retryStream(key), count, -1)
	if err != nil || len(out) == count {
		return out, err
	}

	block := c.config.FetchWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < block {
			block = remaining
		}
	}
	if block < time.Millisecond {
		block = time.Millisecond
	}
	if noWait || len(out) > 0 {
		block = -1
	}

	fresh, err := c.readStream(ctx, key, c.topicStream(key.topic), count-len(out), block)
	if err != nil {
		return nil, err
	}
	return append(out, fresh...), nil
}

// readStream reads up to count new entries of one stream. A negative block
// does not wait.
func (c *Connection) readStream(ctx context.Context, key subKey, stream string, count int, block time.Duration) ([]transport.Delivery, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    key.subscription,
		Consumer: c.config.Consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []transport.Delivery
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, c.delivery(key, s.Stream, m, deliveryCount(m.Values)+1))
		}
	}
	return out, nil
}

func (c *Connection) claimIdle(ctx context.Context, key subKey, count int) ([]transport.Delivery, error) {
	var out []transport.Delivery
	for _, stream := range []string{c.retryStream(key), c.topicStream(key.topic)} {
		if len(out) == count {
			break
		}
		msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    key.subscription,
			Consumer: c.config.Consumer,
			MinIdle:  c.config.LockDuration,
			Start:    "0-0",
			Count:    int64(count - len(out)),
		}).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			delivered := int64(1)
			pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  key.subscription,
				Start:  m.ID,
				End:    m.ID,
				Count:  1,
			}).Result()
			if err == nil && len(pending) == 1 {
				delivered = pending[0].RetryCount
			}
			out = append(out, c.delivery(key, stream, m, deliveryCount(m.Values)+int(delivered)))
		}
	}
	return out, nil
}

// Complete acknowledges the delivery in its consumer group.
func (c *Connection) Complete(ctx context.Context, d transport.Delivery) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}
	acked, err := c.client.XAck(ctx, r.stream, r.key.subscription, r.id).Result()
	if err != nil {
		c.unsettle(r)
		return Classify(err)
	}
	if acked == 0 {
		return transport.ErrLockLost
	}
	return nil
}

// Abandon re-adds the entry to the subscription's retry stream with its
// delivery count and acknowledges the original, atomically.
func (c *Connection) Abandon(ctx context.Context, d transport.Delivery) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}
	values := copyValues(r.values)
	values[fieldDeliveryCount] = strconv.Itoa(r.count)

	return c.moveTo(ctx, r, c.retryStream(r.key), values)
}

// DeadLetter moves the entry to "<topic>.<subscription>.dead".
func (c *Connection) DeadLetter(ctx context.Context, d transport.Delivery, reason string) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}
	values := copyValues(r.values)
	values[fieldDeliveryCount] = strconv.Itoa(r.count)
	values[fieldTopic] = r.key.topic
	values[fieldReason] = reason
	values[fieldDeadLetteredAt] = strconv.FormatInt(time.Now().UnixNano(), 10)

	if err := c.moveTo(ctx, r, c.deadStream(r.key), values); err != nil {
		return err
	}
	c.logger.Info("Message moved to dead-letter stream", watermill.LogFields{
		"message_id": d.ID,
		"topic":      r.key.topic,
		"reason":     reason,
	})
	return nil
}

func (c *Connection) moveTo(ctx context.Context, r *ref, stream string, values map[string]any) error {
	moved, err := ackAndAdd.Run(ctx, c.client, []string{r.stream, stream}, moveArgs(r.key.subscription, r.id, values)...).Int()
	if err != nil {
		c.unsettle(r)
		return Classify(err)
	}
	if moved == 0 {
		return transport.ErrLockLost
	}
	return nil
}

// ackAndAdd acknowledges ARGV[2] in group ARGV[1] on KEYS[1] and, only if
// that entry was still pending, appends the field/value pairs from ARGV[3]
// on to KEYS[2].
var ackAndAdd = redis.NewScript(`
if redis.call('XACK', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('XADD', KEYS[2], '*', unpack(ARGV, 3))
return 1
`)

func moveArgs(group, id string, values map[string]any) []any {
	args := make([]any, 0, 2+2*len(values))
	args = append(args, group, id)
	for _, k := range slices.Sorted(maps.Keys(values)) {
		args = append(args, k, values[k])
	}
	return args
}

// ListDeadLetters returns the oldest dead letters of the subscription.
func (c *Connection) ListDeadLetters(ctx context.Context, topic, subscription string, limit int) ([]transport.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := c.client.XRangeN(ctx, c.deadStream(subKey{topic, subscription}), "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, Classify(err)
	}
	out := make([]transport.DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		msg, _ := decodeMessage(m.Values)
		out = append(out, transport.DeadLetter{
			MessageID:      msg.ID,
			Topic:          topic,
			Subscription:   subscription,
			Body:           msg.Body,
			Headers:        msg.Headers,
			Reason:         asString(m.Values[fieldReason]),
			DeliveryCount:  deliveryCount(m.Values),
			DeadLetteredAt: unixNano(m.Values[fieldDeadLetteredAt]),
		})
	}
	return out, nil
}

// ReplayDeadLetters moves every dead letter back to the subscription with a
// fresh delivery count.
func (c *Connection) ReplayDeadLetters(ctx context.Context, topic, subscription string) (int64, error) {
	key := subKey{topic, subscription}
	if err := c.ensureGroup(ctx, key); err != nil {
		return 0, err
	}
	dead := c.deadStream(key)
	msgs, err := c.client.XRange(ctx, dead, "-", "+").Result()
	if err != nil {
		return 0, Classify(err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range msgs {
			values := copyValues(m.Values)
			for _, f := range []string{fieldDeliveryCount, fieldTopic, fieldReason, fieldDeadLetteredAt} {
				delete(values, f)
			}
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: c.retryStream(key), ID: "*", Values: values})
			pipe.XDel(ctx, dead, m.ID)
		}
		return nil
	})
	if err != nil {
		return 0, Classify(err)
	}
	return int64(len(msgs)), nil
}

// PurgeDeadLetters deletes the dead stream of the subscription.
func (c *Connection) PurgeDeadLetters(ctx context.Context, topic, subscription string) (int64, error) {
	dead := c.deadStream(subKey{topic, subscription})
	var n *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.XLen(ctx, dead)
		pipe.Del(ctx, dead)
		return nil
	})
	if err != nil {
		return 0, Classify(err)
	}
	return n.Val(), nil
}

// PendingCount returns entries the subscription has not read yet plus the
// ones read but not settled.
func (c *Connection) PendingCount(ctx context.Context, topic, subscription string) (int64, error) {
	key := subKey{topic, subscription}
	if err := c.ensureGroup(ctx, key); err != nil {
		return 0, err
	}
	var total int64
	for _, stream := range []string{c.topicStream(topic), c.retryStream(key)} {
		groups, err := c.client.XInfoGroups(ctx, stream).Result()
		if err != nil {
			return 0, Classify(err)
		}
		for _, g := range groups {
			if g.Name != subscription {
				continue
			}
			total += g.Pending
			if g.Lag > 0 {
				total += g.Lag
			}
		}
	}
	return total, nil
}

// Close closes the Redis client. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.client.Close()
}

// DeadLetterTopic returns "<topic>.<subscription>.dead".
func DeadLetterTopic(topic, subscription string) string {
	return topic + "." + subscription + ".dead"
}

func (c *Connection) topicStream(topic string) string {
	return c.config.Prefix + topic
}

func (c *Connection) retryStream(key subKey) string {
	return c.config.Prefix + key.topic + "." + key.subscription + ".retry"
}

func (c *Connection) deadStream(key subKey) string {
	return c.config.Prefix + DeadLetterTopic(key.topic, key.subscription)
}

func (c *Connection) addArgs(stream string, values map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: stream, ID: "*", Values: values}
	if c.config.MaxLenApprox > 0 {
		args.MaxLen = c.config.MaxLenApprox
		args.Approx = true
	}
	return args
}

// ensureGroup creates the consumer group on the topic and retry streams.
// Groups start at "0" so entries sent before the first receive are
// delivered.
func (c *Connection) ensureGroup(ctx context.Context, key subKey) error {
	c.mu.Lock()
	done := c.groups[key]
	c.mu.Unlock()
	if done {
		return nil
	}

	for _, stream := range []string{c.topicStream(key.topic), c.retryStream(key)} {
		err := c.client.XGroupCreateMkStream(ctx, stream, key.subscription, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return Classify(fmt.Errorf("redis create group %q on %q: %w", key.subscription, stream, err))
		}
	}

	c.mu.Lock()
	c.groups[key] = true
	c.mu.Unlock()
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) delivery(key subKey, stream string, m redis.XMessage, count int) transport.Delivery {
	msg, enqueuedAt := decodeMessage(m.Values)
	return transport.Delivery{
		Message:       msg,
		DeliveryCount: count,
		EnqueuedAt:    enqueuedAt,
		Ref: &ref{
			owner:  c,
			key:    key,
			stream: stream,
			id:     m.ID,
			values: m.Values,
			count:  count,
		},
	}
}

func (c *Connection) settle(d transport.Delivery) (*ref, error) {
	r, ok := d.Ref.(*ref)
	if !ok || r.owner != c {
		return nil, transport.ErrUnknownDelivery
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	if r.settled {
		return nil, transport.ErrLockLost
	}
	r.settled = true
	return r, nil
}

func (c *Connection) unsettle(r *ref) {
	c.mu.Lock()
	r.settled = false
	c.mu.Unlock()
}
