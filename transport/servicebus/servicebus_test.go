package servicebus

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/buslink/transport"
	"github.com/drblury/buslink/transport/transporttest"
)

// fakeBroker is an in-memory stand-in for a Service Bus namespace with
// peek-lock semantics and per-subscription dead-letter sub-queues.
type fakeBroker struct {
	mu     sync.Mutex
	topics map[string][]*azservicebus.Message
	subs   map[streamKey]*fakeSub
	dead   map[streamKey][]*azservicebus.ReceivedMessage
	sent   []*azservicebus.Message
	closed bool
}

type fakeSub struct {
	entries []*fakeEntry
}

type fakeEntry struct {
	msg    *azservicebus.Message
	count  uint32
	locked *azservicebus.ReceivedMessage
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		topics: make(map[string][]*azservicebus.Message),
		subs:   make(map[streamKey]*fakeSub),
		dead:   make(map[streamKey][]*azservicebus.ReceivedMessage),
	}
}

func (b *fakeBroker) NewSender(topic string) (Sender, error) {
	return &fakeSender{broker: b, topic: topic}, nil
}

func (b *fakeBroker) NewReceiver(topic, subscription string, subQueue azservicebus.SubQueue) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := streamKey{topic, subscription}
	if _, ok := b.subs[key]; !ok {
		sub := &fakeSub{}
		for _, m := range b.topics[topic] {
			sub.entries = append(sub.entries, &fakeEntry{msg: m})
		}
		b.subs[key] = sub
	}
	return &fakeReceiver{broker: b, key: key, deadLetter: subQueue == azservicebus.SubQueueDeadLetter}, nil
}

func (b *fakeBroker) Close(context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

type fakeSender struct {
	broker *fakeBroker
	topic  string
}

func (s *fakeSender) SendMessage(_ context.Context, msg *azservicebus.Message, _ *azservicebus.SendMessageOptions) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	b.topics[s.topic] = append(b.topics[s.topic], msg)
	for key, sub := range b.subs {
		if key.topic == s.topic {
			sub.entries = append(sub.entries, &fakeEntry{msg: msg})
		}
	}
	return nil
}

func (s *fakeSender) Close(context.Context) error { return nil }

type fakeReceiver struct {
	broker     *fakeBroker
	key        streamKey
	deadLetter bool
}

func (r *fakeReceiver) ReceiveMessages(ctx context.Context, maxMessages int, _ *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	for {
		if msgs := r.take(maxMessages); len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *fakeReceiver) take(max int) []*azservicebus.ReceivedMessage {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.deadLetter {
		dead := b.dead[r.key]
		if len(dead) > max {
			dead = dead[:max]
		}
		return append([]*azservicebus.ReceivedMessage(nil), dead...)
	}

	var out []*azservicebus.ReceivedMessage
	for _, e := range b.subs[r.key].entries {
		if len(out) == max {
			break
		}
		if e.locked != nil {
			continue
		}
		e.count++
		now := time.Now()
		e.locked = &azservicebus.ReceivedMessage{
			MessageID:             *e.msg.MessageID,
			Body:                  e.msg.Body,
			ContentType:           e.msg.ContentType,
			ApplicationProperties: e.msg.ApplicationProperties,
			DeliveryCount:         e.count,
			EnqueuedTime:          &now,
		}
		out = append(out, e.locked)
	}
	return out
}

func (r *fakeReceiver) PeekMessages(_ context.Context, max int, _ *azservicebus.PeekMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	return r.take(max), nil
}

func (r *fakeReceiver) remove(msg *azservicebus.ReceivedMessage) *fakeEntry {
	sub := r.broker.subs[r.key]
	for i, e := range sub.entries {
		if e.locked == msg {
			sub.entries = append(sub.entries[:i], sub.entries[i+1:]...)
			return e
		}
	}
	return nil
}

func (r *fakeReceiver) CompleteMessage(_ context.Context, msg *azservicebus.ReceivedMessage, _ *azservicebus.CompleteMessageOptions) error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.deadLetter {
		dead := b.dead[r.key]
		for i, m := range dead {
			if m == msg {
				b.dead[r.key] = append(dead[:i], dead[i+1:]...)
				return nil
			}
		}
		return errors.New("not in dead-letter queue")
	}
	if r.remove(msg) == nil {
		return errors.New("lock not held")
	}
	return nil
}

func (r *fakeReceiver) AbandonMessage(_ context.Context, msg *azservicebus.ReceivedMessage, _ *azservicebus.AbandonMessageOptions) error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.subs[r.key].entries {
		if e.locked == msg {
			e.locked = nil
			return nil
		}
	}
	return nil
}

func (r *fakeReceiver) DeadLetterMessage(_ context.Context, msg *azservicebus.ReceivedMessage, opts *azservicebus.DeadLetterOptions) error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.remove(msg) == nil {
		return errors.New("lock not held")
	}
	dead := *msg
	dead.DeadLetterReason = opts.Reason
	b.dead[r.key] = append(b.dead[r.key], &dead)
	return nil
}

func (r *fakeReceiver) Close(context.Context) error { return nil }

func newTestConnection(t *testing.T) (*Connection, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker()
	conn := New(broker, watermill.NopLogger{})
	conn.drainWait = 20 * time.Millisecond
	t.Cleanup(func() { _ = conn.Close() })
	return conn, broker
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "servicebus", caps.Name)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.True(t, caps.SupportsDeliveryCount)
	assert.Equal(t, transport.ServiceBusCapabilities, Capabilities())
}

func TestConnectionSuite(t *testing.T) {
	transporttest.RunConnectionSuite(t, func(t *testing.T) transport.Connection {
		conn, _ := newTestConnection(t)
		return conn
	})
}

func TestSend_MapsMessage(t *testing.T) {
	conn, broker := newTestConnection(t)

	require.NoError(t, conn.Send(context.Background(), "topic", transport.Message{
		ID:          "m1",
		Body:        []byte("x"),
		ContentType: "application/json",
		Headers:     map[string]string{"k": "v"},
	}))

	require.Len(t, broker.sent, 1)
	sent := broker.sent[0]
	assert.Equal(t, "m1", *sent.MessageID)
	assert.Equal(t, "application/json", *sent.ContentType)
	assert.Equal(t, map[string]any{"k": "v"}, sent.ApplicationProperties)
}

func TestDeadLetters_ListReplayPurge(t *testing.T) {
	conn, _ := newTestConnection(t)
	ctx := context.Background()

	receiveOne := func() transport.Delivery {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		batch, err := conn.Receive(rctx, "topic", "sub", 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		return batch[0]
	}

	require.NoError(t, conn.Send(ctx, "topic", transport.Message{ID: "m1", Body: []byte("x")}))
	require.NoError(t, conn.DeadLetter(ctx, receiveOne(), "poison"))

	dead, err := conn.ListDeadLetters(ctx, "topic", "sub", 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m1", dead[0].MessageID)
	assert.Equal(t, "poison", dead[0].Reason)
	assert.Equal(t, 1, dead[0].DeliveryCount)

	replayed, err := conn.ReplayDeadLetters(ctx, "topic", "sub")
	require.NoError(t, err)
	assert.Equal(t, int64(1), replayed)

	again := receiveOne()
	assert.Equal(t, "m1", again.ID)
	require.NoError(t, conn.DeadLetter(ctx, again, "still poison"))

	purged, err := conn.PurgeDeadLetters(ctx, "topic", "sub")
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	dead, err = conn.ListDeadLetters(ctx, "topic", "sub", 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestClose_ClosesClient(t *testing.T) {
	conn, broker := newTestConnection(t)
	require.NoError(t, conn.Send(context.Background(), "topic", transport.Message{ID: "m1"}))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, broker.closed)

	_, err := conn.Receive(context.Background(), "topic", "sub", 1)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

type fakeCredential struct {
	err    error
	scopes []string
}

func (f *fakeCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	f.scopes = opts.Scopes
	if f.err != nil {
		return azcore.AccessToken{}, f.err
	}
	return azcore.AccessToken{Token: "token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func stubFactories(t *testing.T) {
	t.Helper()
	origConn, origCred, origClient := ClientFromConnectionString, DefaultCredential, ClientFromCredential
	t.Cleanup(func() {
		ClientFromConnectionString, DefaultCredential, ClientFromCredential = origConn, origCred, origClient
	})
}

func TestOpen_ConnectionString(t *testing.T) {
	stubFactories(t)

	t.Run("empty secret", func(t *testing.T) {
		_, err := Open(context.Background(), &transporttest.Config{}, transport.Credentials{Strategy: transport.StrategyConnectionString}, nil)
		assert.ErrorIs(t, err, transport.ErrUnauthorized)
	})

	t.Run("malformed secret", func(t *testing.T) {
		ClientFromConnectionString = func(string) (*azservicebus.Client, error) {
			return nil, errors.New("missing SharedAccessKey")
		}
		_, err := Open(context.Background(), &transporttest.Config{}, transport.Credentials{Strategy: transport.StrategyConnectionString, Secret: "Endpoint=sb://x/"}, nil)
		assert.ErrorIs(t, err, transport.ErrUnauthorized)
		assert.NotContains(t, err.Error(), "sb://x/")
	})

	t.Run("real parser accepts a well-formed string", func(t *testing.T) {
		ClientFromConnectionString = func(secret string) (*azservicebus.Client, error) {
			return azservicebus.NewClientFromConnectionString(secret, nil)
		}
		secret := "Endpoint=sb://example.servicebus.windows.net/;SharedAccessKeyName=send;SharedAccessKey=c2VjcmV0"
		conn, err := Open(context.Background(), &transporttest.Config{}, transport.Credentials{Strategy: transport.StrategyConnectionString, Secret: secret}, nil)
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	})
}

func TestOpen_AmbientIdentity(t *testing.T) {
	stubFactories(t)
	ambient := transport.Credentials{Strategy: transport.StrategyAmbientIdentity}

	t.Run("endpoint required", func(t *testing.T) {
		_, err := Open(context.Background(), &transporttest.Config{}, ambient, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "endpoint is required")
	})

	t.Run("no credential available", func(t *testing.T) {
		DefaultCredential = func() (azcore.TokenCredential, error) {
			return nil, errors.New("no identity sources")
		}
		_, err := Open(context.Background(), &transporttest.Config{Endpoint: "ns.servicebus.windows.net"}, ambient, nil)
		assert.ErrorIs(t, err, transport.ErrUnauthorized)
	})

	t.Run("token rejected", func(t *testing.T) {
		cred := &fakeCredential{err: errors.New("AADSTS700016")}
		DefaultCredential = func() (azcore.TokenCredential, error) { return cred, nil }
		_, err := Open(context.Background(), &transporttest.Config{Endpoint: "ns.servicebus.windows.net"}, ambient, nil)
		assert.ErrorIs(t, err, transport.ErrUnauthorized)
		assert.Equal(t, []string{TokenScope}, cred.scopes)
	})

	t.Run("endpoint from credentials wins", func(t *testing.T) {
		cred := &fakeCredential{}
		DefaultCredential = func() (azcore.TokenCredential, error) { return cred, nil }
		var gotNamespace string
		ClientFromCredential = func(namespace string, c azcore.TokenCredential) (*azservicebus.Client, error) {
			gotNamespace = namespace
			return azservicebus.NewClient(namespace, c, nil)
		}
		creds := ambient
		creds.Endpoint = "explicit.servicebus.windows.net"
		conn, err := Open(context.Background(), &transporttest.Config{Endpoint: "config.servicebus.windows.net"}, creds, nil)
		require.NoError(t, err)
		assert.Equal(t, "explicit.servicebus.windows.net", gotNamespace)
		require.NoError(t, conn.Close())
	})
}

func TestOpen_UnsupportedStrategy(t *testing.T) {
	_, err := Open(context.Background(), &transporttest.Config{}, transport.Credentials{Strategy: "kerberos"}, nil)
	assert.ErrorIs(t, err, transport.ErrStrategyUnsupported)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil))

	assert.ErrorIs(t, Classify(&azservicebus.Error{Code: azservicebus.CodeUnauthorizedAccess}), transport.ErrUnauthorized)
	assert.True(t, transport.IsTransient(Classify(&azservicebus.Error{Code: azservicebus.CodeConnectionLost})))
	assert.True(t, transport.IsTransient(Classify(&azservicebus.Error{Code: azservicebus.CodeTimeout})))
	assert.False(t, transport.IsTransient(Classify(&azservicebus.Error{Code: azservicebus.CodeNotFound})))

	assert.ErrorIs(t, Classify(&azcore.ResponseError{StatusCode: http.StatusForbidden}), transport.ErrUnauthorized)
	assert.True(t, transport.IsTransient(Classify(&azcore.ResponseError{StatusCode: http.StatusTooManyRequests})))
	assert.False(t, transport.IsTransient(Classify(&azcore.ResponseError{StatusCode: http.StatusBadRequest})))

	assert.True(t, transport.IsTransient(Classify(context.DeadlineExceeded)))
	assert.False(t, transport.IsTransient(Classify(errors.New("bad request"))))
}

func TestHeadersOf(t *testing.T) {
	headers := headersOf(map[string]any{"s": "v", "n": int64(3), "b": true})
	assert.Equal(t, map[string]string{"s": "v", "n": "3", "b": "true"}, headers)
}
