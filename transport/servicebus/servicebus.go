// Package servicebus provides an Azure Service Bus transport for buslink.
// Topics map to Service Bus topics and subscriptions to topic subscriptions,
// received in peek-lock mode so the broker tracks locks, delivery counts and
// the dead-letter sub-queue.
package servicebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/buslink/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "servicebus"

// TokenScope is requested when verifying an ambient identity.
const TokenScope = "https://servicebus.azure.net/.default"

// DefaultDrainWait bounds each receive while replaying or purging dead letters.
const DefaultDrainWait = time.Second

var (
	// ClientFromConnectionString allows overriding how a client is built
	// from a connection string.
	ClientFromConnectionString = func(secret string) (*azservicebus.Client, error) {
		return azservicebus.NewClientFromConnectionString(secret, nil)
	}

	// DefaultCredential allows overriding the ambient identity.
	DefaultCredential = func() (azcore.TokenCredential, error) {
		return azidentity.NewDefaultAzureCredential(nil)
	}

	// ClientFromCredential allows overriding how a client is built for a
	// namespace and token credential.
	ClientFromCredential = func(namespace string, cred azcore.TokenCredential) (*azservicebus.Client, error) {
		return azservicebus.NewClient(namespace, cred, nil)
	}
)

func init() {
	Register()
}

// Register registers the Service Bus transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Open, transport.ServiceBusCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ServiceBusCapabilities
}

// Open connects with a shared-access connection string, or with the default
// Azure credential chain against creds.Endpoint. The ambient identity is
// verified by requesting a token before the connection is returned.
func Open(ctx context.Context, cfg transport.Config, creds transport.Credentials, logger watermill.LoggerAdapter) (transport.Connection, error) {
	switch creds.Strategy {
	case transport.StrategyConnectionString:
		if strings.TrimSpace(creds.Secret) == "" {
			return nil, transport.Unauthorized(errors.New("servicebus: connection string is empty"))
		}
		c, err := ClientFromConnectionString(creds.Secret)
		if err != nil {
			return nil, transport.Unauthorized(fmt.Errorf("servicebus: invalid connection string: %w", err))
		}
		return New(&azureClient{c}, logger), nil

	case transport.StrategyAmbientIdentity:
		namespace := creds.Endpoint
		if namespace == "" && cfg != nil {
			namespace = cfg.GetEndpoint()
		}
		if namespace == "" {
			return nil, errors.New("servicebus: endpoint is required for ambient identity")
		}
		cred, err := DefaultCredential()
		if err != nil {
			return nil, transport.Unauthorized(fmt.Errorf("servicebus: no ambient identity: %w", err))
		}
		if _, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{TokenScope}}); err != nil {
			return nil, transport.Unauthorized(fmt.Errorf("servicebus: ambient identity rejected: %w", err))
		}
		c, err := ClientFromCredential(namespace, cred)
		if err != nil {
			return nil, Classify(fmt.Errorf("servicebus: create client: %w", err))
		}
		return New(&azureClient{c}, logger), nil
	}
	return nil, fmt.Errorf("%w: %q", transport.ErrStrategyUnsupported, creds.Strategy)
}

// Client is the subset of *azservicebus.Client used by Connection.
type Client interface {
	NewSender(topic string) (Sender, error)
	NewReceiver(topic, subscription string, subQueue azservicebus.SubQueue) (Receiver, error)
	Close(ctx context.Context) error
}

// Sender is the subset of *azservicebus.Sender used by Connection.
type Sender interface {
	SendMessage(ctx context.Context, msg *azservicebus.Message, opts *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// Receiver is the subset of *azservicebus.Receiver used by Connection.
type Receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, opts *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	PeekMessages(ctx context.Context, maxMessages int, opts *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, msg *azservicebus.ReceivedMessage, opts *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, msg *azservicebus.ReceivedMessage, opts *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, msg *azservicebus.ReceivedMessage, opts *azservicebus.DeadLetterOptions) error
	Close(ctx context.Context) error
}

type azureClient struct {
	c *azservicebus.Client
}

func (a *azureClient) NewSender(topic string) (Sender, error) {
	return a.c.NewSender(topic, nil)
}

func (a *azureClient) NewReceiver(topic, subscription string, subQueue azservicebus.SubQueue) (Receiver, error) {
	return a.c.NewReceiverForSubscription(topic, subscription, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
		SubQueue:    subQueue,
	})
}

func (a *azureClient) Close(ctx context.Context) error {
	return a.c.Close(ctx)
}

type streamKey struct {
	topic        string
	subscription string
}

type ref struct {
	owner   *Connection
	recv    Receiver
	msg     *azservicebus.ReceivedMessage
	settled bool
}

// Connection is a transport.Connection over one Service Bus client. Senders
// and receivers are created on first use and cached.
type Connection struct {
	client    Client
	logger    watermill.LoggerAdapter
	drainWait time.Duration

	mu        sync.Mutex
	senders   map[string]Sender
	receivers map[streamKey]Receiver
	closed    bool
}

var (
	_ transport.Connection         = (*Connection)(nil)
	_ transport.DeadLetterLister   = (*Connection)(nil)
	_ transport.DeadLetterReplayer = (*Connection)(nil)
)

// New wraps client. The connection owns the client and closes it on Close.
func New(client Client, logger watermill.LoggerAdapter) *Connection {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Connection{
		client:    client,
		logger:    logger,
		drainWait: DefaultDrainWait,
		senders:   make(map[string]Sender),
		receivers: make(map[streamKey]Receiver),
	}
}

func (c *Connection) sender(topic string) (Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	if s, ok := c.senders[topic]; ok {
		return s, nil
	}
	s, err := c.client.NewSender(topic)
	if err != nil {
		return nil, Classify(fmt.Errorf("servicebus: create sender for %s: %w", topic, err))
	}
	c.senders[topic] = s
	return s, nil
}

func (c *Connection) receiver(topic, subscription string) (Receiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	key := streamKey{topic, subscription}
	if r, ok := c.receivers[key]; ok {
		return r, nil
	}
	r, err := c.client.NewReceiver(topic, subscription, 0)
	if err != nil {
		return nil, Classify(fmt.Errorf("servicebus: create receiver for %s/%s: %w", topic, subscription, err))
	}
	c.receivers[key] = r
	return r, nil
}

// Send publishes msg to topic. The message id doubles as the broker's
// duplicate-detection key.
func (c *Connection) Send(ctx context.Context, topic string, msg transport.Message) error {
	s, err := c.sender(topic)
	if err != nil {
		return err
	}
	if err := s.SendMessage(ctx, toServiceBus(msg), nil); err != nil {
		return Classify(fmt.Errorf("servicebus: send to %s: %w", topic, err))
	}
	return nil
}

// Receive blocks until at least one message is locked or ctx is done.
func (c *Connection) Receive(ctx context.Context, topic, subscription string, maxCount int) ([]transport.Delivery, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	r, err := c.receiver(topic, subscription)
	if err != nil {
		return nil, err
	}

	msgs, err := r.ReceiveMessages(ctx, maxCount, nil)
	if err != nil && len(msgs) == 0 {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Classify(fmt.Errorf("servicebus: receive from %s/%s: %w", topic, subscription, err))
	}

	out := make([]transport.Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, c.fromServiceBus(r, m))
	}
	return out, nil
}

// Complete removes the message from the subscription.
func (c *Connection) Complete(ctx context.Context, d transport.Delivery) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}
	return c.settleError(r, r.recv.CompleteMessage(ctx, r.msg, nil))
}

// Abandon releases the lock; the broker redelivers and counts the attempt.
func (c *Connection) Abandon(ctx context.Context, d transport.Delivery) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}
	return c.settleError(r, r.recv.AbandonMessage(ctx, r.msg, nil))
}

// DeadLetter moves the message to the subscription's dead-letter sub-queue.
func (c *Connection) DeadLetter(ctx context.Context, d transport.Delivery, reason string) error {
	r, err := c.settle(d)
	if err != nil {
		return err
	}
	err = r.recv.DeadLetterMessage(ctx, r.msg, &azservicebus.DeadLetterOptions{
		Reason:           &reason,
		ErrorDescription: &reason,
	})
	return c.settleError(r, err)
}

// ListDeadLetters peeks the dead-letter sub-queue without locking it.
func (c *Connection) ListDeadLetters(ctx context.Context, topic, subscription string, limit int) ([]transport.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	r, err := c.client.NewReceiver(topic, subscription, azservicebus.SubQueueDeadLetter)
	if err != nil {
		return nil, Classify(err)
	}
	defer c.closeQuietly(r)

	msgs, err := r.PeekMessages(ctx, limit, nil)
	if err != nil {
		return nil, Classify(fmt.Errorf("servicebus: peek dead letters: %w", err))
	}
	out := make([]transport.DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		dl := transport.DeadLetter{
			MessageID:     m.MessageID,
			Topic:         topic,
			Subscription:  subscription,
			Body:          m.Body,
			Headers:       headersOf(m.ApplicationProperties),
			DeliveryCount: int(m.DeliveryCount),
		}
		if m.DeadLetterReason != nil {
			dl.Reason = *m.DeadLetterReason
		}
		if m.EnqueuedTime != nil {
			dl.DeadLetteredAt = m.EnqueuedTime.UTC()
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReplayDeadLetters resends every dead letter of the subscription to topic
// and removes it from the sub-queue.
func (c *Connection) ReplayDeadLetters(ctx context.Context, topic, subscription string) (int64, error) {
	s, err := c.sender(topic)
	if err != nil {
		return 0, err
	}
	return c.drainDeadLetters(ctx, topic, subscription, func(m *azservicebus.ReceivedMessage) error {
		return s.SendMessage(ctx, &azservicebus.Message{
			MessageID:             &m.MessageID,
			ContentType:           m.ContentType,
			Body:                  m.Body,
			ApplicationProperties: m.ApplicationProperties,
		}, nil)
	})
}

// PurgeDeadLetters removes every dead letter of the subscription.
func (c *Connection) PurgeDeadLetters(ctx context.Context, topic, subscription string) (int64, error) {
	return c.drainDeadLetters(ctx, topic, subscription, nil)
}

func (c *Connection) drainDeadLetters(ctx context.Context, topic, subscription string, each func(*azservicebus.ReceivedMessage) error) (int64, error) {
	r, err := c.client.NewReceiver(topic, subscription, azservicebus.SubQueueDeadLetter)
	if err != nil {
		return 0, Classify(err)
	}
	defer c.closeQuietly(r)

	var n int64
	for {
		waitCtx, cancel := context.WithTimeout(ctx, c.drainWait)
		msgs, err := r.ReceiveMessages(waitCtx, 50, nil)
		cancel()
		if err != nil && len(msgs) == 0 {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return n, nil
			}
			return n, Classify(err)
		}
		if len(msgs) == 0 {
			return n, nil
		}
		for _, m := range msgs {
			if each != nil {
				if err := each(m); err != nil {
					_ = r.AbandonMessage(ctx, m, nil)
					return n, Classify(fmt.Errorf("servicebus: replay %s: %w", m.MessageID, err))
				}
			}
			if err := r.CompleteMessage(ctx, m, nil); err != nil {
				return n, Classify(err)
			}
			n++
		}
	}
}

// Close closes every sender and receiver, then the client. Closing twice is
// a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	senders, receivers := c.senders, c.receivers
	c.senders, c.receivers = nil, nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for _, s := range senders {
		errs = append(errs, s.Close(ctx))
	}
	for _, r := range receivers {
		errs = append(errs, r.Close(ctx))
	}
	errs = append(errs, c.client.Close(ctx))
	return errors.Join(errs...)
}

func (c *Connection) closeQuietly(r Receiver) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		c.logger.Debug("Failed to close dead-letter receiver", watermill.LogFields{"error": err.Error()})
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

func (c *Connection) settleError(r *ref, err error) error {
	if err == nil {
		return nil
	}
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeLockLost {
		return fmt.Errorf("%w: %v", transport.ErrLockLost, err)
	}
	c.mu.Lock()
	r.settled = false
	c.mu.Unlock()
	return Classify(err)
}

func (c *Connection) fromServiceBus(r Receiver, m *azservicebus.ReceivedMessage) transport.Delivery {
	d := transport.Delivery{
		Message: transport.Message{
			ID:      m.MessageID,
			Body:    m.Body,
			Headers: headersOf(m.ApplicationProperties),
		},
		DeliveryCount: int(m.DeliveryCount),
		Ref:           &ref{owner: c, recv: r, msg: m},
	}
	if m.ContentType != nil {
		d.ContentType = *m.ContentType
	}
	if m.EnqueuedTime != nil {
		d.EnqueuedAt = m.EnqueuedTime.UTC()
	}
	return d
}

func toServiceBus(msg transport.Message) *azservicebus.Message {
	out := &azservicebus.Message{Body: msg.Body}
	if msg.ID != "" {
		id := msg.ID
		out.MessageID = &id
	}
	if msg.ContentType != "" {
		ct := msg.ContentType
		out.ContentType = &ct
	}
	if len(msg.Headers) > 0 {
		out.ApplicationProperties = make(map[string]any, len(msg.Headers))
		for k, v := range msg.Headers {
			out.ApplicationProperties[k] = v
		}
	}
	return out
}

func headersOf(props map[string]any) map[string]string {
	headers := make(map[string]string, len(props))
	for k, v := range props {
		if s, ok := v.(string); ok {
			headers[k] = s
			continue
		}
		headers[k] = fmt.Sprint(v)
	}
	return headers
}

// Classify maps Service Bus errors onto transport error kinds.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeUnauthorizedAccess:
			return transport.Unauthorized(err)
		case azservicebus.CodeConnectionLost, azservicebus.CodeTimeout, azservicebus.CodeLockLost:
			return transport.Transient(err)
		case azservicebus.CodeClosed:
			return fmt.Errorf("%w: %v", transport.ErrClosed, err)
		}
		return err
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 401, 403:
			return transport.Unauthorized(err)
		case 408, 429, 500, 502, 503, 504:
			return transport.Transient(err)
		}
		return err
	}
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return transport.Unauthorized(err)
	}
	if transport.IsTransient(err) {
		return transport.Transient(err)
	}
	return err
}
