// Package delivery sends envelopes with bounded retries.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/buslink/internal/runtime/envelope"
	buserrors "github.com/drblury/buslink/internal/runtime/errors"
	"github.com/drblury/buslink/internal/runtime/logging"
	"github.com/drblury/buslink/internal/runtime/metrics"
	"github.com/drblury/buslink/transport"
)

const tracerName = "github.com/drblury/buslink/delivery"

// State is the position of a send in its lifecycle.
type State string

const (
	StatePending  State = "pending"
	StateRetrying State = "retrying"
	StateSent     State = "sent"
	StateFailed   State = "failed"
)

// Transition records one state change. Delay is set when entering
// StateRetrying; Err is the failure that caused the change.
type Transition struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Result describes a finished send.
type Result struct {
	ID          string
	Topic       string
	State       State
	Attempts    int
	Transitions []Transition
}

func (r *Result) moveTo(to State, delay time.Duration, err error) {
	r.Transitions = append(r.Transitions, Transition{From: r.State, To: to, Attempt: r.Attempts, Delay: delay, Err: err})
	r.State = to
}

// Dependencies are optional collaborators of a Guard.
type Dependencies struct {
	Codec   *envelope.Codec
	Metrics *metrics.Metrics
	Breaker *gobreaker.CircuitBreaker
	Tracer  trace.Tracer
}

// Guard sends envelopes, retrying transient failures with exponential
// backoff. Every attempt of a send carries the envelope id as message id;
// deduplication is left to the broker.
type Guard struct {
	policy  Policy
	logger  logging.ServiceLogger
	codec   *envelope.Codec
	metrics *metrics.Metrics
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
}

// NewGuard creates a Guard. A nil logger discards logs.
func NewGuard(policy Policy, log logging.ServiceLogger, deps Dependencies) *Guard {
	if log == nil {
		log = logging.Nop()
	}
	codec := deps.Codec
	if codec == nil {
		codec = &envelope.Codec{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Guard{
		policy:  policy.withDefaults(),
		logger:  log,
		codec:   codec,
		metrics: deps.Metrics,
		breaker: deps.Breaker,
		tracer:  tracer,
	}
}

// Policy returns the effective retry policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Send publishes env to topic. It returns once the broker has acknowledged
// the message, or with a *errors.DeliveryError:
//   - non-transient failures (authorization, malformed payload, open
//     circuit) fail on the attempt that saw them;
//   - transient failures are retried until MaxAttempts is spent, after which
//     the error has Transient set;
//   - cancelling ctx stops retrying and the error wraps ctx.Err().
func (g *Guard) Send(ctx context.Context, sender transport.Sender, topic string, env envelope.Envelope) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "buslink.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", env.ID),
			attribute.String("buslink.message_type", string(env.MessageType)),
		),
	)
	defer span.End()

	res := Result{ID: env.ID, Topic: topic, State: StatePending}
	msg, err := g.codec.ToMessage(env)
	if err != nil {
		return g.finish(span, &res, err, false)
	}

	log := g.logger.With(logging.LogFields{"message_id": env.ID, "topic": topic})
	var lastErr error
	var lastTransient bool
	operation := func() (struct{}, error) {
		if res.State == StateRetrying {
			res.moveTo(StatePending, 0, nil)
		}
		res.Attempts++
		lastErr = g.attempt(ctx, sender, topic, msg)
		if lastErr == nil {
			return struct{}{}, nil
		}
		lastTransient = transport.IsTransient(lastErr) && ctx.Err() == nil
		if !lastTransient {
			return struct{}{}, backoff.Permanent(lastErr)
		}
		return struct{}{}, lastErr
	}
	notify := func(err error, next time.Duration) {
		res.moveTo(StateRetrying, next, err)
		log.Debug("Send attempt failed, retrying", logging.LogFields{
			"attempt": res.Attempts,
			"delay":   next.String(),
			"error":   err.Error(),
		})
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(g.policy.newBackOff()),
		backoff.WithMaxTries(uint(g.policy.MaxAttempts)),
		backoff.WithNotify(notify),
	)
	if err == nil {
		span.SetAttributes(attribute.Int("buslink.attempts", res.Attempts))
		res.moveTo(StateSent, 0, nil)
		g.metrics.RecordSend(topic, metrics.OutcomeSent, res.Attempts)
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if lastErr != nil && !errors.Is(lastErr, ctxErr) {
			return g.finish(span, &res, errors.Join(ctxErr, lastErr), false)
		}
		return g.finish(span, &res, ctxErr, false)
	}
	if lastErr == nil {
		lastErr = err
	}
	return g.finish(span, &res, lastErr, lastTransient)
}

func (g *Guard) attempt(ctx context.Context, sender transport.Sender, topic string, msg transport.Message) error {
	if g.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.policy.AttemptTimeout)
		defer cancel()
	}
	send := func() error { return sender.Send(ctx, topic, msg) }
	if g.breaker == nil {
		return send()
	}
	_, err := g.breaker.Execute(func() (any, error) { return nil, send() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(buserrors.ErrCircuitOpen, err)
	}
	return err
}

func (g *Guard) finish(span trace.Span, res *Result, err error, transient bool) (Result, error) {
	res.moveTo(StateFailed, 0, err)
	outcome := metrics.OutcomeFailed
	if transient {
		outcome = metrics.OutcomeGaveUp
	}
	g.metrics.RecordSend(res.Topic, outcome, res.Attempts)

	span.SetAttributes(attribute.Int("buslink.attempts", res.Attempts))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return *res, &buserrors.DeliveryError{
		MessageID: res.ID,
		Topic:     res.Topic,
		Attempts:  res.Attempts,
		Transient: transient,
		Err:       err,
	}
}

// NewBreaker returns a circuit breaker that opens after threshold
// consecutive transient send failures and probes again after openTimeout.
// It returns nil when threshold is not positive.
func NewBreaker(name string, threshold int, openTimeout time.Duration) *gobreaker.CircuitBreaker {
	if threshold <= 0 {
		return nil
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transport.IsTransient(err)
		},
	})
}
