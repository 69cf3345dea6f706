package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/buslink/internal/runtime/config"
	"github.com/drblury/buslink/internal/runtime/envelope"
	buserrors "github.com/drblury/buslink/internal/runtime/errors"
	"github.com/drblury/buslink/internal/runtime/logging"
	"github.com/drblury/buslink/internal/runtime/metrics"
	"github.com/drblury/buslink/transport"
)

type scriptedSender struct {
	mu       sync.Mutex
	errs     []error
	attempts []transport.Message
}

func (s *scriptedSender) Send(ctx context.Context, topic string, msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, msg)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 4 * time.Millisecond}
}

func testEnvelope(t *testing.T) envelope.Envelope {
	t.Helper()
	e, err := envelope.NewCodec("CursorWin").Encode(envelope.Event, "Build finished", "ok", nil)
	require.NoError(t, err)
	return e
}

func transientErr() error { return transport.Transient(errors.New("server busy")) }

func TestSend_FirstAttempt(t *testing.T) {
	sender := &scriptedSender{}
	g := NewGuard(fastPolicy(5), logging.Nop(), Dependencies{})
	env := testEnvelope(t)

	res, err := g.Send(context.Background(), sender, "ide-messages", env)
	require.NoError(t, err)
	assert.Equal(t, StateSent, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, env.ID, res.ID)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, Transition{From: StatePending, To: StateSent, Attempt: 1}, res.Transitions[0])
}

func TestSend_RetriesTransientThenSucceeds(t *testing.T) {
	sender := &scriptedSender{errs: []error{transientErr(), context.DeadlineExceeded}}
	g := NewGuard(fastPolicy(5), logging.Nop(), Dependencies{})
	env := testEnvelope(t)

	res, err := g.Send(context.Background(), sender, "ide-messages", env)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, StateSent, res.State)

	var states []State
	for _, tr := range res.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateRetrying, StatePending, StateRetrying, StatePending, StateSent}, states)
	assert.Equal(t, time.Millisecond, res.Transitions[0].Delay)
	assert.Equal(t, 2*time.Millisecond, res.Transitions[2].Delay)

	for _, msg := range sender.attempts {
		assert.Equal(t, env.ID, msg.ID, "every attempt carries the same id")
		assert.Equal(t, sender.attempts[0].Body, msg.Body)
	}
}

func TestSend_ExhaustsBudget(t *testing.T) {
	sender := &scriptedSender{errs: []error{transientErr(), transientErr(), transientErr(), transientErr(), transientErr(), transientErr()}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	require.NoError(t, m.Register())
	g := NewGuard(fastPolicy(5), logging.Nop(), Dependencies{Metrics: m})

	res, err := g.Send(context.Background(), sender, "ide-messages", testEnvelope(t))
	require.Error(t, err)
	assert.Equal(t, 5, sender.count())
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, StateFailed, res.State)

	var de *buserrors.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Transient)
	assert.Equal(t, 5, de.Attempts)
	assert.ErrorContains(t, err, "server busy")
}

func TestSend_NoRetryOnAuthFailure(t *testing.T) {
	sender := &scriptedSender{errs: []error{transport.Unauthorized(errors.New("claim missing"))}}
	g := NewGuard(fastPolicy(5), logging.Nop(), Dependencies{})

	res, err := g.Send(context.Background(), sender, "ide-messages", testEnvelope(t))
	require.Error(t, err)
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, 1, res.Attempts)

	var de *buserrors.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Transient)
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestSend_NoRetryOnUnclassifiedError(t *testing.T) {
	sender := &scriptedSender{errs: []error{errors.New("message too large")}}
	g := NewGuard(fastPolicy(5), logging.Nop(), Dependencies{})

	_, err := g.Send(context.Background(), sender, "t", testEnvelope(t))
	require.Error(t, err)
	assert.Equal(t, 1, sender.count())
}

func TestSend_InvalidEnvelope(t *testing.T) {
	sender := &scriptedSender{}
	g := NewGuard(fastPolicy(5), logging.Nop(), Dependencies{})

	res, err := g.Send(context.Background(), sender, "t", envelope.Envelope{MessageType: envelope.Unknown})
	require.Error(t, err)
	assert.Zero(t, sender.count())
	assert.Zero(t, res.Attempts)
	assert.ErrorIs(t, err, buserrors.ErrInvalidMessageType)
}

func TestSend_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := &cancellingSender{cancel: cancel}
	g := NewGuard(Policy{MaxAttempts: 5, BaseDelay: time.Second, Factor: 2, MaxDelay: time.Second}, logging.Nop(), Dependencies{})

	start := time.Now()
	res, err := g.Send(ctx, sender, "t", testEnvelope(t))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, err, context.Canceled)

	var de *buserrors.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Transient)
}

type cancellingSender struct {
	cancel context.CancelFunc
}

func (s *cancellingSender) Send(context.Context, string, transport.Message) error {
	s.cancel()
	return transport.Transient(errors.New("timeout"))
}

func TestSend_AttemptTimeout(t *testing.T) {
	sender := &blockingSender{}
	p := fastPolicy(2)
	p.AttemptTimeout = 10 * time.Millisecond
	g := NewGuard(p, logging.Nop(), Dependencies{})

	res, err := g.Send(context.Background(), sender, "t", testEnvelope(t))
	require.Error(t, err)
	assert.Equal(t, 2, res.Attempts)
	var de *buserrors.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Transient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockingSender struct{}

func (blockingSender) Send(ctx context.Context, _ string, _ transport.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSend_CircuitOpens(t *testing.T) {
	breaker := NewBreaker("test", 2, time.Minute)
	require.NotNil(t, breaker)
	sender := &scriptedSender{errs: []error{transientErr(), transientErr(), transientErr()}}
	g := NewGuard(fastPolicy(5), logging.Nop(), Dependencies{Breaker: breaker})

	_, err := g.Send(context.Background(), sender, "t", testEnvelope(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, buserrors.ErrCircuitOpen)
	assert.Equal(t, 2, sender.count(), "third attempt is refused by the open circuit")

	var de *buserrors.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Transient)

	_, err = g.Send(context.Background(), sender, "t", testEnvelope(t))
	assert.ErrorIs(t, err, buserrors.ErrCircuitOpen)
	assert.Equal(t, 2, sender.count())
}

func TestNewBreaker_Disabled(t *testing.T) {
	assert.Nil(t, NewBreaker("off", 0, time.Second))
}

func TestPolicy(t *testing.T) {
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond}, DefaultPolicy().Delays())

	capped := Policy{MaxAttempts: 6, BaseDelay: time.Second, Factor: 3, MaxDelay: 5 * time.Second}
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, capped.Delays())

	p := Policy{}.withDefaults()
	assert.Equal(t, DefaultPolicy(), p)

	conf := config.Default()
	conf.RetryMaxAttempts = 3
	conf.SendTimeout = time.Second
	fromConf := PolicyFromConfig(&conf)
	assert.Equal(t, 3, fromConf.MaxAttempts)
	assert.Equal(t, time.Second, fromConf.AttemptTimeout)
	assert.Equal(t, DefaultPolicy(), PolicyFromConfig(nil))
}
