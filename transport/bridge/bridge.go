// Package bridge adapts a watermill Publisher and per-subscription
// Subscribers to the pull-and-settle transport.Connection contract.
//
// Watermill subscribers push messages on a channel and wait for Ack or Nack
// before delivering the next one. The bridge subscribes lazily on the first
// Receive for a (topic, subscription) pair and hands out whatever is queued
// on that channel. Delivery counts are tracked in memory per connection.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/buslink/internal/runtime/metadata"
	"github.com/drblury/buslink/transport"
)

// SubscriberFactory returns the subscriber that consumes on behalf of a
// subscription. Backends map the subscription to a consumer group, queue
// group or queue name.
type SubscriberFactory func(subscription string) (message.Subscriber, error)

// Options configure a bridged connection.
type Options struct {
	// Name is the transport name used in log fields.
	Name string

	// Classify maps broker errors onto transport.Transient and
	// transport.Unauthorized. Defaults to marking every error transient.
	Classify func(error) error

	// DeadLetterTopic names the topic dead letters are republished to.
	// Defaults to DeadLetterTopic.
	DeadLetterTopic func(topic, subscription string) string

	// Now is used to stamp enqueue times.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "bridge"
	}
	if o.Classify == nil {
		o.Classify = transport.Transient
	}
	if o.DeadLetterTopic == nil {
		o.DeadLetterTopic = DeadLetterTopic
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// DeadLetterTopic returns "<topic>.<subscription>.dead".
func DeadLetterTopic(topic, subscription string) string {
	return topic + "." + subscription + ".dead"
}

type streamKey struct {
	topic        string
	subscription string
}

// ref is stored in transport.Delivery.Ref.
type ref struct {
	owner   *Connection
	key     streamKey
	msg     *message.Message
	settled bool
}

// Connection implements transport.Connection over watermill.
type Connection struct {
	publisher     message.Publisher
	newSubscriber SubscriberFactory
	logger        watermill.LoggerAdapter
	opts          Options

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribers map[string]message.Subscriber
	streams     map[streamKey]<-chan *message.Message
	attempts    map[streamKey]map[string]int
	closers     []func() error
	closed      bool
}

var _ transport.Connection = (*Connection)(nil)

// New returns a Connection publishing through publisher and consuming through
// subscribers produced by newSubscriber. Extra closers run on Close after the
// publisher and subscribers, for shared resources such as a broker connection.
func New(publisher message.Publisher, newSubscriber SubscriberFactory, logger watermill.LoggerAdapter, opts Options, closers ...func() error) *Connection {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		publisher:     publisher,
		newSubscriber: newSubscriber,
		logger:        logger,
		opts:          opts.withDefaults(),
		ctx:           ctx,
		cancel:        cancel,
		subscribers:   make(map[string]message.Subscriber),
		streams:       make(map[streamKey]<-chan *message.Message),
		attempts:      make(map[streamKey]map[string]int),
		closers:       closers,
	}
}

// Send publishes msg to topic. The watermill message UUID is msg.ID so that
// redeliveries can be matched to earlier attempts.
func (c *Connection) Send(ctx context.Context, topic string, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return transport.ErrClosed
	}

	wm := toWatermill(msg, c.opts.Now())
	wm.SetContext(ctx)

	if err := c.publisher.Publish(topic, wm); err != nil {
		return c.opts.Classify(fmt.Errorf("%s publish to %q: %w", c.opts.Name, topic, err))
	}
	return nil
}

// Receive waits for the first delivery, then drains whatever else is already
// queued without blocking, up to maxCount.
func (c *Connection) Receive(ctx context.Context, topic, subscription string, maxCount int) ([]transport.Delivery, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	key := streamKey{topic: topic, subscription: subscription}
	stream, err := c.stream(key)
	if err != nil {
		return nil, err
	}

	var out []transport.Delivery
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, ctx.Err()
	case msg, ok := <-stream:
		if !ok {
			return nil, transport.ErrClosed
		}
		out = append(out, c.delivery(key, msg))
	}

	for len(out) < maxCount {
		select {
		case msg, ok := <-stream:
			if !ok {
				return out, nil
			}
			out = append(out, c.delivery(key, msg))
		default:
			return out, nil
		}
	}
	return out, nil
}

// Complete acknowledges the delivery.
func (c *Connection) Complete(ctx context.Context, d transport.Delivery) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}
	r.msg.Ack()
	c.forget(r)
	return nil
}

// Abandon negatively acknowledges the delivery so the broker redelivers it.
func (c *Connection) Abandon(ctx context.Context, d transport.Delivery) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}
	r.msg.Nack()
	return nil
}

// DeadLetter republishes a copy of the delivery to the dead-letter topic and
// acknowledges the original.
func (c *Connection) DeadLetter(ctx context.Context, d transport.Delivery, reason string) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}

	dead := r.msg.Copy()
	dead.Metadata.Set(transport.HeaderOriginalTopic, r.key.topic)
	dead.Metadata.Set(transport.HeaderDeadLetterNote, reason)
	dead.SetContext(ctx)

	dlqTopic := c.opts.DeadLetterTopic(r.key.topic, r.key.subscription)
	if err := c.publisher.Publish(dlqTopic, dead); err != nil {
		c.unsettle(r)
		return c.opts.Classify(fmt.Errorf("%s publish dead letter to %q: %w", c.opts.Name, dlqTopic, err))
	}

	c.logger.Info("Message moved to dead-letter topic", watermill.LogFields{
		"transport":  c.opts.Name,
		"message_id": r.msg.UUID,
		"dlq_topic":  dlqTopic,
		"reason":     reason,
	})

	r.msg.Ack()
	c.forget(r)
	return nil
}

// Close stops all subscriptions and closes the publisher, subscribers and
// any extra closers. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subscribers := c.subscribers
	c.subscribers = nil
	c.streams = nil
	c.mu.Unlock()

	c.cancel()

	var errs []error
	seen := make(map[any]struct{})
	closeOnce := func(v any, fn func() error) {
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sub := range subscribers {
		closeOnce(sub, sub.Close)
	}
	closeOnce(c.publisher, c.publisher.Close)
	for _, fn := range c.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) stream(key streamKey) (<-chan *message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, transport.ErrClosed
	}
	if s, ok := c.streams[key]; ok {
		return s, nil
	}

	sub, ok := c.subscribers[key.subscription]
	if !ok {
		var err error
		sub, err = c.newSubscriber(key.subscription)
		if err != nil {
			return nil, c.opts.Classify(fmt.Errorf("%s subscriber for %q: %w", c.opts.Name, key.subscription, err))
		}
		c.subscribers[key.subscription] = sub
	}

	s, err := sub.Subscribe(c.ctx, key.topic)
	if err != nil {
		return nil, c.opts.Classify(fmt.Errorf("%s subscribe to %q: %w", c.opts.Name, key.topic, err))
	}
	c.logger.Debug("Subscribed", watermill.LogFields{
		"transport":    c.opts.Name,
		"topic":        key.topic,
		"subscription": key.subscription,
	})
	c.streams[key] = s
	return s, nil
}

func (c *Connection) delivery(key streamKey, msg *message.Message) transport.Delivery {
	c.mu.Lock()
	counts, ok := c.attempts[key]
	if !ok {
		counts = make(map[string]int)
		c.attempts[key] = counts
	}
	counts[msg.UUID]++
	count := counts[msg.UUID]
	c.mu.Unlock()

	m, enqueuedAt := fromWatermill(msg)
	return transport.Delivery{
		Message:       m,
		DeliveryCount: count,
		EnqueuedAt:    enqueuedAt,
		Ref:           &ref{owner: c, key: key, msg: msg},
	}
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

func (c *Connection) unsettle(r *ref) {
	c.mu.Lock()
	r.settled = false
	c.mu.Unlock()
}

func (c *Connection) forget(r *ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if counts, ok := c.attempts[r.key]; ok {
		delete(counts, r.msg.UUID)
	}
}

func toWatermill(msg transport.Message, now time.Time) *message.Message {
	id := msg.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	wm := message.NewMessage(id, msg.Body)
	metadata.Headers(msg.Headers).ToWatermill(wm)
	if msg.ContentType != "" {
		wm.Metadata.Set(transport.HeaderContentType, msg.ContentType)
	}
	if wm.Metadata.Get(transport.HeaderEnqueuedAt) == "" {
		wm.Metadata.Set(transport.HeaderEnqueuedAt, now.UTC().Format(time.RFC3339Nano))
	}
	return wm
}

func fromWatermill(wm *message.Message) (transport.Message, time.Time) {
	headers := metadata.FromWatermill(wm.Metadata)
	var enqueuedAt time.Time
	if raw := headers[transport.HeaderEnqueuedAt]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			enqueuedAt = ts
		}
	}
	return transport.Message{
		ID:          wm.UUID,
		Body:        append([]byte(nil), wm.Payload...),
		ContentType: headers[transport.HeaderContentType],
		Headers:     headers,
	}, enqueuedAt
}
